// Package api is the HTTP surface of the gateway: a chi router that shapes
// identity, federation, marketplace and upload operations into JSON
// envelopes.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gurre/fixit/apperr"
	"github.com/gurre/fixit/federation"
	"github.com/gurre/fixit/identity"
	"github.com/gurre/fixit/marketplace"
	"github.com/gurre/fixit/metrics"
	"github.com/gurre/fixit/table"
)

// IdentityProvider is implemented by identity.Client.
type IdentityProvider interface {
	Register(ctx context.Context, reg identity.Registration) (identity.RegisterResult, error)
	Authenticate(ctx context.Context, email, password string) (identity.AuthResult, error)
	ConfirmRegistration(ctx context.Context, email, code string) error
	LookupUser(ctx context.Context, accessToken string) (identity.User, error)
}

// CredentialExchanger is implemented by federation.Exchanger.
type CredentialExchanger interface {
	Exchange(ctx context.Context, idToken string) (federation.Credentials, error)
}

// Marketplace is implemented by marketplace.Service.
type Marketplace interface {
	CreateProfile(ctx context.Context, subjectID string, reg identity.Registration, role identity.Role) (table.Record, error)
	Profile(ctx context.Context, user identity.User) (table.Record, error)
	UpdateProfile(ctx context.Context, user identity.User, input map[string]any) (table.Record, error)
	Hire(ctx context.Context, req marketplace.HireRequest) (marketplace.ServiceRequest, error)
	Providers(ctx context.Context, serviceType string) ([]table.Record, error)
}

// ObjectStore is implemented by upload.Uploader.
type ObjectStore interface {
	MaxBytes() int64
	TooLarge() error
	Store(ctx context.Context, body []byte, key, contentType string) (string, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error)
}

// PublicConfig is the non-secret configuration the front end bootstraps
// from.
type PublicConfig struct {
	Region     string `json:"region"`
	Bucket     string `json:"s3Bucket"`
	UserPoolID string `json:"cognitoUserPoolId"`
	ClientID   string `json:"cognitoClientId"`
}

// Deps are the components a Server routes to. Metrics and Gatherer are
// optional.
type Deps struct {
	Identity    IdentityProvider
	Federation  CredentialExchanger
	Marketplace Marketplace
	Uploads     ObjectStore
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Public      PublicConfig
	// Production withholds provider error details from responses.
	Production        bool
	AuthRatePerMinute int
	Clock             clock.Clock
	Logger            *zap.Logger
}

// Server holds the handlers.
type Server struct {
	identity    IdentityProvider
	federation  CredentialExchanger
	marketplace Marketplace
	uploads     ObjectStore
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	public      PublicConfig
	production  bool
	limiter     *RateLimiter
	clock       clock.Clock
	started     time.Time
	logger      *zap.Logger
}

// NewServer creates a Server. Close releases its rate limiter.
func NewServer(d Deps) *Server {
	s := &Server{
		identity:    d.Identity,
		federation:  d.Federation,
		marketplace: d.Marketplace,
		uploads:     d.Uploads,
		metrics:     d.Metrics,
		gatherer:    d.Gatherer,
		public:      d.Public,
		production:  d.Production,
		clock:       d.Clock,
		logger:      d.Logger,
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "api"))
	s.started = s.clock.Now()
	s.limiter = NewRateLimiter(d.AuthRatePerMinute, 0)
	return s
}

// Close stops background work.
func (s *Server) Close() {
	s.limiter.Stop()
}

// Handler returns the router. API routes are served both at the root and
// under /api.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)

	r.NotFound(s.notFound)
	r.MethodNotAllowed(s.methodNotAllowed)

	r.Get("/health", s.health)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}

	s.routes(r)
	r.Route("/api", func(r chi.Router) {
		r.NotFound(s.notFound)
		r.MethodNotAllowed(s.methodNotAllowed)
		s.routes(r)
	})
	return r
}

func (s *Server) routes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Use(s.limitAuth)
		r.Post("/signup", s.signup)
		r.Post("/login", s.login)
		r.Post("/confirm", s.confirm)
		r.Post("/verify", s.verify)
		r.Post("/refresh", s.refresh)
	})

	r.Post("/upload", s.upload)
	r.Get("/upload/signed-url", s.signedURL)

	r.Get("/profile/details", s.profileDetails)
	r.Post("/profile/update", s.profileUpdate)

	r.Post("/hire", s.hire)
	r.Get("/services", s.services)

	r.Get("/config", s.config)
	r.Get("/test", s.test)
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, apperr.ErrRouteNotFound.WithMessage("no endpoint for %s %s", r.Method, r.URL.Path))
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, apperr.ErrMethodNotAllowed.WithMessage("method %s not allowed on %s", r.Method, r.URL.Path))
}

// caller resolves the bearer access token to a user.
func (s *Server) caller(r *http.Request) (identity.User, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return identity.User{}, apperr.ErrMissingToken
	}
	return s.identity.LookupUser(r.Context(), token)
}

func (s *Server) observeAuth(action string, err error) {
	if s.metrics != nil {
		s.metrics.ObserveAuth(action, err)
	}
}
