package federation

import (
	"context"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/gurre/fixit/apperr"
)

// Defaults for a Session.
const (
	DefaultRefreshLead    = 5 * time.Minute
	DefaultRefreshTimeout = 30 * time.Second
	DefaultLoginPath      = "login.html"
)

// Sign-out reasons passed to the OnSignOut callback.
const (
	ReasonUser          = "user"
	ReasonTokenExpired  = "id_token_expired"
	ReasonRefreshFailed = "refresh_failed"
	ReasonClosed        = "closed"
)

// Refresher re-exchanges an id token for a fresh credential set.
type Refresher interface {
	Refresh(ctx context.Context, idToken string) (Credentials, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, idToken string) (Credentials, error)

func (f RefresherFunc) Refresh(ctx context.Context, idToken string) (Credentials, error) {
	return f(ctx, idToken)
}

// SignOutEvent tells the session holder that the user must log in again.
type SignOutEvent struct {
	Reason    string
	LoginPath string
}

// Session holds one user's scoped credentials and the timer that refreshes
// them. A Session is owned by whoever created it; there is no shared
// instance.
type Session struct {
	refresher Refresher
	clock     clock.Clock
	logger    *zap.Logger
	lead      time.Duration
	timeout   time.Duration
	loginPath string
	onSignOut func(SignOutEvent)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	idToken string
	creds   *Credentials
	timer   *clock.Timer
	gen     uint64 // bumped whenever the timer or state is replaced
	closed  bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithClock sets the clock used for expiry checks and the refresh timer.
func WithClock(c clock.Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithRefreshLead sets how long before expiration the refresh fires.
func WithRefreshLead(d time.Duration) SessionOption {
	return func(s *Session) { s.lead = d }
}

// WithRefreshTimeout bounds a single background refresh.
func WithRefreshTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.timeout = d }
}

// WithLoginPath sets the login entry point named in sign-out events.
func WithLoginPath(p string) SessionOption {
	return func(s *Session) { s.loginPath = p }
}

// WithOnSignOut registers fn to be called after every forced or explicit
// sign-out. fn runs without the session lock held.
func WithOnSignOut(fn func(SignOutEvent)) SessionOption {
	return func(s *Session) { s.onSignOut = fn }
}

// NewSession creates an empty session. It holds no credentials until Start.
func NewSession(refresher Refresher, opts ...SessionOption) *Session {
	s := &Session{
		refresher: refresher,
		clock:     clock.New(),
		logger:    zap.NewNop(),
		lead:      DefaultRefreshLead,
		timeout:   DefaultRefreshTimeout,
		loginPath: DefaultLoginPath,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "session"))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start installs the id token and credentials from a login and arms the
// refresh timer for their expiration. A closed session cannot be started.
func (s *Session) Start(idToken string, creds Credentials) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.ErrSessionClosed
	}
	s.gen++
	s.idToken = idToken
	c := creds
	s.creds = &c
	s.mu.Unlock()

	s.ScheduleAutoRefresh(creds.Expiration)
	return nil
}

// SetIDToken replaces the id token used by future refreshes.
func (s *Session) SetIDToken(idToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idToken = idToken
}

// EnsureUsable fails with NotInitialized before the first exchange and with
// CredentialsExpired once the current set has expired, even while a refresh
// is pending.
func (s *Session) EnsureUsable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked()
}

func (s *Session) usableLocked() error {
	if s.creds == nil {
		return apperr.ErrNotInitialized
	}
	if s.creds.Expired(s.clock.Now()) {
		return apperr.ErrCredsExpired
	}
	return nil
}

// Credentials returns the current set if it is usable.
func (s *Session) Credentials() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return Credentials{}, err
	}
	return *s.creds, nil
}

// ScheduleAutoRefresh arms the single refresh timer to fire lead before
// expiration, or right away if that moment has passed. Any previously armed
// timer is cancelled.
func (s *Session) ScheduleAutoRefresh(expiration time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopTimerLocked()
	s.gen++
	gen := s.gen

	delay := expiration.Add(-s.lead).Sub(s.clock.Now())
	if delay <= 0 {
		s.logger.Debug("credentials due for refresh, refreshing now")
		go s.autoRefresh(gen)
		return
	}
	// The mock clock runs timer functions under its own lock, so the refresh
	// must not run inside the callback.
	s.timer = s.clock.AfterFunc(delay, func() { go s.autoRefresh(gen) })
	s.logger.Debug("auto-refresh scheduled", zap.Duration("in", delay))
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) autoRefresh(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	idToken := s.idToken
	s.mu.Unlock()

	if TokenExpired(idToken, s.clock.Now()) {
		s.logger.Info("id token expired, signing out")
		s.signOut(ReasonTokenExpired, gen)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	creds, err := s.refresher.Refresh(ctx, idToken)
	cancel()
	if err != nil {
		s.logger.Warn("credential refresh failed, signing out", zap.Error(err))
		s.signOut(ReasonRefreshFailed, gen)
		return
	}

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.creds = &creds
	s.mu.Unlock()

	s.logger.Info("credentials refreshed", zap.Time("expiration", creds.Expiration))
	s.ScheduleAutoRefresh(creds.Expiration)
}

// RefreshNow refreshes synchronously and re-arms the timer. A failure leaves
// the current credentials in place, as does a sign-out or new Start that
// happened while the refresh was in flight.
func (s *Session) RefreshNow(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	idToken := s.idToken
	s.mu.Unlock()
	if idToken == "" {
		return Credentials{}, apperr.ErrNotInitialized
	}

	creds, err := s.refresher.Refresh(ctx, idToken)
	if err != nil {
		return Credentials{}, err
	}
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return Credentials{}, apperr.ErrSessionClosed
	case s.idToken != idToken:
		s.mu.Unlock()
		return Credentials{}, apperr.ErrNotInitialized.WithMessage("session was replaced during refresh")
	}
	s.creds = &creds
	s.mu.Unlock()

	s.ScheduleAutoRefresh(creds.Expiration)
	return creds, nil
}

// SignOut clears all session state and cancels the timer.
func (s *Session) SignOut(reason string) {
	s.signOut(reason, 0)
}

// signOut clears state; a non-zero gen only signs out if no newer login or
// schedule replaced the one that decided to sign out.
func (s *Session) signOut(reason string, gen uint64) {
	s.mu.Lock()
	if gen != 0 && gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	s.gen++
	s.idToken = ""
	s.creds = nil
	fn := s.onSignOut
	s.mu.Unlock()

	s.logger.Info("signed out", zap.String("reason", reason))
	if fn != nil {
		fn(SignOutEvent{Reason: reason, LoginPath: s.loginPath})
	}
}

// Close cancels the timer and any in-flight refresh. The session cannot be
// started again afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimerLocked()
	s.gen++
	s.idToken = ""
	s.creds = nil
	s.mu.Unlock()
	s.cancel()
}

// CredentialsProvider adapts the session for SDK clients. The provider is not
// cached: clients built from it retrieve on every signing, so retrieval fails
// as soon as the session is signed out or its set has expired. Do not wrap it
// in an aws.CredentialsCache.
func (s *Session) CredentialsProvider() awssdk.CredentialsProvider {
	return awssdk.CredentialsProviderFunc(func(ctx context.Context) (awssdk.Credentials, error) {
		c, err := s.Credentials()
		if err != nil {
			return awssdk.Credentials{}, err
		}
		return awssdk.Credentials{
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretKey,
			SessionToken:    c.SessionToken,
			Source:          "CognitoIdentityPool",
			CanExpire:       true,
			Expires:         c.Expiration,
		}, nil
	})
}
