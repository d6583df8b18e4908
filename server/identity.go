package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forgegate/forgegate/oauth"
)

// Identity is the upstream user an access token belongs to.
type Identity struct {
	UserID    string
	UserName  string
	UserEmail string
}

// IdentityResolver resolves an access token to the upstream user. The callback
// handler uses it to bind the freshly exchanged tokens to a session owner.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, app *oauth.Application, accessToken string) (Identity, error)
}

const cloudUserEndpoint = "https://api.bitbucket.org/2.0/user"

// HTTPIdentityResolver asks the upstream who the token belongs to. Datacenter
// instances answer on the whoami servlet with a plain-text username; cloud
// instances expose a JSON user resource on the API host.
type HTTPIdentityResolver struct {
	Client *http.Client
}

func NewHTTPIdentityResolver() *HTTPIdentityResolver {
	return &HTTPIdentityResolver{Client: &http.Client{Timeout: 15 * time.Second}}
}

func (r *HTTPIdentityResolver) ResolveIdentity(ctx context.Context, app *oauth.Application, accessToken string) (Identity, error) {
	if app.InstanceType == oauth.InstanceCloud {
		return r.resolveCloud(ctx, accessToken)
	}
	return r.resolveDatacenter(ctx, app.BaseURL, accessToken)
}

func (r *HTTPIdentityResolver) resolveDatacenter(ctx context.Context, baseURL, accessToken string) (Identity, error) {
	body, err := r.get(ctx, strings.TrimSuffix(baseURL, "/")+"/plugins/servlet/applinks/whoami", accessToken)
	if err != nil {
		return Identity{}, err
	}
	username := strings.TrimSpace(string(body))
	if username == "" {
		return Identity{}, fmt.Errorf("[ResolveIdentity] upstream returned no user")
	}
	return Identity{UserID: username, UserName: username}, nil
}

func (r *HTTPIdentityResolver) resolveCloud(ctx context.Context, accessToken string) (Identity, error) {
	body, err := r.get(ctx, cloudUserEndpoint, accessToken)
	if err != nil {
		return Identity{}, err
	}
	var user struct {
		UUID        string `json:"uuid"`
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return Identity{}, fmt.Errorf("[ResolveIdentity] decoding user: %w", err)
	}
	id := user.UUID
	if id == "" {
		id = user.Username
	}
	if id == "" {
		return Identity{}, fmt.Errorf("[ResolveIdentity] upstream returned no user")
	}
	return Identity{UserID: id, UserName: user.DisplayName}, nil
}

func (r *HTTPIdentityResolver) get(ctx context.Context, url, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("[ResolveIdentity] building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("[ResolveIdentity] upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("[ResolveIdentity] upstream responded %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
