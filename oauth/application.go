package oauth

import (
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/forgegate/forgegate/crypto"
	autherrors "github.com/forgegate/forgegate/internal/errors"
)

// InstanceType distinguishes self-hosted datacenter deployments of the upstream
// forge from its cloud service; the two expose different OAuth endpoints.
type InstanceType string

const (
	InstanceDatacenter InstanceType = "datacenter"
	InstanceCloud      InstanceType = "cloud"
)

const credentialTokenLength = 64 // hex chars, 256 bits of entropy

// Application is a registered OAuth 2.0 application. ClientID and ClientSecret are
// generated once at registration and never change.
type Application struct {
	ID           string
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	InstanceType InstanceType
	BaseURL      string
	Scopes       []string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ApplicationUpdate carries the mutable fields of an application. Nil fields are
// left untouched.
type ApplicationUpdate struct {
	Name        *string
	RedirectURI *string
	Scopes      []string
	IsActive    *bool
}

// ApplicationRegistry owns the application records. Credentials are generated with
// a cryptographically secure RNG.
type ApplicationRegistry struct {
	mu      sync.RWMutex
	apps    map[string]*Application
	nowFunc func() time.Time
}

type RegistryOption func(*ApplicationRegistry)

// WithRegistryNowFunc sets the now time function (primarily for testing)
func WithRegistryNowFunc(now func() time.Time) RegistryOption {
	return func(r *ApplicationRegistry) {
		r.nowFunc = now
	}
}

func NewApplicationRegistry(options ...RegistryOption) *ApplicationRegistry {
	r := &ApplicationRegistry{
		apps:    make(map[string]*Application),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register validates the URLs, generates credentials and stores the application.
func (r *ApplicationRegistry) Register(name, redirectURI, baseURL string, instanceType InstanceType, scopes []string) (*Application, error) {
	if name == "" {
		return nil, errors.Wrap(autherrors.ErrInvalidRequest, "[Register] name is required")
	}
	if err := validateAbsoluteURL(redirectURI); err != nil {
		return nil, errors.Wrap(autherrors.ErrInvalidRequest, "[Register] redirectUri must be an absolute URL")
	}
	if err := validateAbsoluteURL(baseURL); err != nil {
		return nil, errors.Wrap(autherrors.ErrInvalidRequest, "[Register] baseUrl must be an absolute URL")
	}
	if instanceType != InstanceDatacenter && instanceType != InstanceCloud {
		return nil, errors.Wrapf(autherrors.ErrInvalidRequest, "[Register] unknown instance type %q", instanceType)
	}

	clientID, err := crypto.GenerateSecureToken(credentialTokenLength)
	if err != nil {
		return nil, errors.Wrap(err, "[Register] generating client id")
	}
	clientSecret, err := crypto.GenerateSecureToken(credentialTokenLength)
	if err != nil {
		return nil, errors.Wrap(err, "[Register] generating client secret")
	}

	now := r.nowFunc()
	app := &Application{
		ID:           uuid.New().String(),
		Name:         name,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  redirectURI,
		InstanceType: instanceType,
		BaseURL:      baseURL,
		Scopes:       append([]string(nil), scopes...),
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	r.mu.Lock()
	r.apps[app.ID] = app
	r.mu.Unlock()

	out := *app
	return &out, nil
}

// Get returns an application by ID.
func (r *ApplicationRegistry) Get(applicationID string) (*Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	app, ok := r.apps[applicationID]
	if !ok {
		return nil, autherrors.ErrApplicationNotFound
	}
	out := *app
	return &out, nil
}

// GetActive returns an application and rejects inactive ones.
func (r *ApplicationRegistry) GetActive(applicationID string) (*Application, error) {
	app, err := r.Get(applicationID)
	if err != nil {
		return nil, err
	}
	if !app.IsActive {
		return nil, autherrors.ErrApplicationInactive
	}
	return app, nil
}

// Update applies an administrative update. Credentials and instance identity are
// immutable; only the fields ApplicationUpdate exposes can change.
func (r *ApplicationRegistry) Update(applicationID string, update ApplicationUpdate) (*Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[applicationID]
	if !ok {
		return nil, autherrors.ErrApplicationNotFound
	}
	if update.RedirectURI != nil {
		if err := validateAbsoluteURL(*update.RedirectURI); err != nil {
			return nil, errors.Wrap(autherrors.ErrInvalidRequest, "[Update] redirectUri must be an absolute URL")
		}
		app.RedirectURI = *update.RedirectURI
	}
	if update.Name != nil {
		app.Name = *update.Name
	}
	if update.Scopes != nil {
		app.Scopes = append([]string(nil), update.Scopes...)
	}
	if update.IsActive != nil {
		app.IsActive = *update.IsActive
	}
	app.UpdatedAt = r.nowFunc()

	out := *app
	return &out, nil
}

// List returns every registered application.
func (r *ApplicationRegistry) List() []*Application {
	r.mu.RLock()
	defer r.mu.RUnlock()

	apps := make([]*Application, 0, len(r.apps))
	for _, app := range r.apps {
		out := *app
		apps = append(apps, &out)
	}
	return apps
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() || u.Host == "" {
		return errors.Errorf("%q is not an absolute URL", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}
