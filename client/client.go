// Package client is a Go client of the gateway's HTTP API. It keeps the
// session contract of the browser front end: tokens and scoped credentials
// live in a non-durable store, credentials are refreshed ahead of expiry and
// a failed refresh signs the user out.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/gurre/fixit/api"
	"github.com/gurre/fixit/apperr"
	"github.com/gurre/fixit/aws"
	"github.com/gurre/fixit/federation"
	"github.com/gurre/fixit/marketplace"
	"github.com/gurre/fixit/table"
	"github.com/gurre/fixit/upload"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// APIError is a JSON error envelope returned by the server.
type APIError struct {
	Status int
	Body   api.ErrorBody
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Body.Error, e.Body.Message)
}

// Is matches application error sentinels by name, so
// errors.Is(err, apperr.ErrNotConfirmed) holds for the server's envelope.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*apperr.Error)
	return ok && t.Name == e.Body.Error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithStore replaces the default MemoryStore.
func WithStore(s Store) Option {
	return func(c *Client) { c.store = s }
}

// WithClock sets the clock of the session timer.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRefreshLead sets how long before expiry credentials are refreshed.
func WithRefreshLead(d time.Duration) Option {
	return func(c *Client) { c.lead = d }
}

// WithOnSignOut registers fn for every sign-out, forced or explicit. The
// event names the login page the user should be sent to.
func WithOnSignOut(fn func(federation.SignOutEvent)) Option {
	return func(c *Client) { c.onSignOut = fn }
}

// Client calls one gateway.
type Client struct {
	base      *url.URL
	http      *http.Client
	store     Store
	clock     clock.Clock
	logger    *zap.Logger
	lead      time.Duration
	onSignOut func(federation.SignOutEvent)

	session *federation.Session
	mu      sync.Mutex // serializes Login, SignOut and stored refreshes
}

// New creates a Client for the gateway at baseURL, e.g.
// "http://localhost:3000/api".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL must use http or https")
	}

	c := &Client{
		base:  u,
		http:  &http.Client{Timeout: 30 * time.Second},
		store: NewMemoryStore(),
		clock: clock.New(),
		lead:  federation.DefaultRefreshLead,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("component", "client"))

	c.session = federation.NewSession(
		federation.RefresherFunc(c.refreshCredentials),
		federation.WithClock(c.clock),
		federation.WithLogger(c.logger),
		federation.WithRefreshLead(c.lead),
		federation.WithOnSignOut(c.signedOut),
	)
	return c, nil
}

// Session exposes the credential session, e.g. to build scoped SDK clients
// from its CredentialsProvider.
func (c *Client) Session() *federation.Session {
	return c.session
}

// DirectAccess returns a table store and an uploader that call DynamoDB and
// S3 with the session's scoped credentials instead of going through the
// gateway. Every call fails once the session is signed out or its
// credentials have expired. Signed URLs are not available on this path.
func (c *Client) DirectAccess(cfg awssdk.Config, ep aws.Endpoints, tableOpts table.Options, uploadOpts upload.Options) (*table.Store, *upload.Uploader) {
	ddb, s3c := aws.NewScopedClients(cfg, c.session.CredentialsProvider(), ep)
	if tableOpts.Logger == nil {
		tableOpts.Logger = c.logger
	}
	if uploadOpts.Logger == nil {
		uploadOpts.Logger = c.logger
	}
	store := table.NewStore(ddb, tableOpts).WithGuard(c.session)
	uploader := upload.NewUploader(s3c, nil, uploadOpts).WithGuard(c.session)
	return store, uploader
}

// State returns the stored session state.
func (c *Client) State(ctx context.Context) (State, bool, error) {
	return c.store.Load(ctx)
}

// Close stops the refresh timer.
func (c *Client) Close() {
	c.session.Close()
}

// Signup registers a new user.
func (c *Client) Signup(ctx context.Context, req api.SignupRequest) (api.SignupResponse, error) {
	var out api.SignupResponse
	err := c.do(ctx, http.MethodPost, "/auth/signup", req, &out, false)
	return out, err
}

// Login authenticates, stores the session state and arms auto-refresh.
func (c *Client) Login(ctx context.Context, email, password string) (api.LoginResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out api.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", api.LoginRequest{Email: email, Password: password}, &out, false); err != nil {
		return api.LoginResponse{}, err
	}
	creds := federation.Credentials{
		IdentityID:   out.IdentityID,
		AccessKeyID:  out.AWSCredentials.AccessKeyID,
		SecretKey:    out.AWSCredentials.SecretAccessKey,
		SessionToken: out.AWSCredentials.SessionToken,
		Expiration:   out.AWSCredentials.Expiration,
	}
	if err := c.store.Save(ctx, State{Tokens: out.Tokens, User: out.User, Credentials: creds}); err != nil {
		return api.LoginResponse{}, fmt.Errorf("save session: %w", err)
	}
	if err := c.session.Start(out.Tokens.IDToken, creds); err != nil {
		if cerr := c.store.Clear(ctx); cerr != nil {
			c.logger.Error("clear session store", zap.Error(cerr))
		}
		return api.LoginResponse{}, err
	}
	c.logger.Info("logged in", zap.String("userId", out.User.UserID), zap.Time("expiration", creds.Expiration))
	return out, nil
}

// Confirm submits a verification code.
func (c *Client) Confirm(ctx context.Context, email, code string) error {
	return c.do(ctx, http.MethodPost, "/auth/confirm", api.ConfirmRequest{Email: email, VerificationCode: code}, nil, false)
}

// ConfirmResult is the outcome of ConfirmAndLogin.
type ConfirmResult struct {
	Login *api.LoginResponse
	// NeedsManualLogin is set when the account was confirmed but the
	// follow-up login failed. LoginErr holds why.
	NeedsManualLogin bool
	LoginErr         error
}

// ConfirmAndLogin confirms the account and logs in with password, which is
// used once and not kept. A failed confirmation is returned as an error; a
// failed login after confirmation is reported in the result and not retried.
func (c *Client) ConfirmAndLogin(ctx context.Context, email, code, password string) (ConfirmResult, error) {
	if err := c.Confirm(ctx, email, code); err != nil {
		return ConfirmResult{}, err
	}
	resp, err := c.Login(ctx, email, password)
	if err != nil {
		c.logger.Warn("login after confirmation failed", zap.Error(err))
		return ConfirmResult{NeedsManualLogin: true, LoginErr: err}, nil
	}
	return ConfirmResult{Login: &resp}, nil
}

// SignOut clears the stored state and cancels the refresh timer.
func (c *Client) SignOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.SignOut(federation.ReasonUser)
}

func (c *Client) signedOut(ev federation.SignOutEvent) {
	if err := c.store.Clear(context.Background()); err != nil {
		c.logger.Error("clear session store", zap.Error(err))
	}
	if c.onSignOut != nil {
		c.onSignOut(ev)
	}
}

// refreshCredentials is the session's refresher.
func (c *Client) refreshCredentials(ctx context.Context, idToken string) (federation.Credentials, error) {
	var out api.RefreshResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", api.RefreshRequest{IDToken: idToken}, &out, false); err != nil {
		return federation.Credentials{}, err
	}
	creds := federation.Credentials{
		IdentityID:   out.IdentityID,
		AccessKeyID:  out.AWSCredentials.AccessKeyID,
		SecretKey:    out.AWSCredentials.SecretAccessKey,
		SessionToken: out.AWSCredentials.SessionToken,
		Expiration:   out.AWSCredentials.Expiration,
	}
	// A login that replaced the session while this refresh was in flight
	// owns the store.
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok, err := c.store.Load(ctx)
	switch {
	case err != nil:
		c.logger.Warn("load session state", zap.Error(err))
	case !ok || st.Tokens.IDToken != idToken:
		c.logger.Debug("session replaced during refresh, not storing credentials")
	default:
		st.Credentials = creds
		if err := c.store.Save(ctx, st); err != nil {
			c.logger.Warn("save refreshed credentials", zap.Error(err))
		}
	}
	return creds, nil
}

// Profile fetches the caller's profile.
func (c *Client) Profile(ctx context.Context) (table.Record, error) {
	var out struct {
		Data table.Record `json:"data"`
	}
	err := c.do(ctx, http.MethodGet, "/profile/details", nil, &out, true)
	return out.Data, err
}

// UpdateProfile updates the caller's profile and returns it as stored.
func (c *Client) UpdateProfile(ctx context.Context, fields map[string]any) (table.Record, error) {
	var out struct {
		Data table.Record `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, "/profile/update", fields, &out, true)
	return out.Data, err
}

// Hire creates a service request.
func (c *Client) Hire(ctx context.Context, req marketplace.HireRequest) (marketplace.ServiceRequest, error) {
	var out struct {
		Data marketplace.ServiceRequest `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, "/hire", req, &out, false)
	return out.Data, err
}

// Services lists providers, filtered by serviceType when non-empty.
func (c *Client) Services(ctx context.Context, serviceType string) (api.ServicesResponse, error) {
	path := "/services"
	if serviceType != "" {
		path += "?serviceType=" + url.QueryEscape(serviceType)
	}
	var out api.ServicesResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out, false)
	return out, err
}

// Upload sends an image as multipart form data.
func (c *Client) Upload(ctx context.Context, userID string, kind upload.Kind, filename, contentType string, r io.Reader) (api.UploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("userId", userID); err != nil {
		return api.UploadResponse{}, err
	}
	if err := mw.WriteField("fileType", string(kind)); err != nil {
		return api.UploadResponse{}, err
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": "file", "filename": filename}))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return api.UploadResponse{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return api.UploadResponse{}, fmt.Errorf("read upload body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return api.UploadResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload"), &buf)
	if err != nil {
		return api.UploadResponse{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out api.UploadResponse
	err = c.send(req, &out)
	return out, err
}

// SignedURL asks for a presigned download URL of one of the caller's
// objects. Zero ttl uses the server default.
func (c *Client) SignedURL(ctx context.Context, key string, ttl time.Duration) (api.SignedURLResponse, error) {
	q := url.Values{"key": {key}}
	if ttl > 0 {
		q.Set("ttl", strconv.Itoa(int(ttl/time.Second)))
	}
	var out api.SignedURLResponse
	err := c.do(ctx, http.MethodGet, "/upload/signed-url?"+q.Encode(), nil, &out, true)
	return out, err
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// do sends in as JSON and decodes the response into out. authed requests
// carry the stored access token.
func (c *Client) do(ctx context.Context, method, path string, in, out any, authed bool) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		st, ok, err := c.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if !ok || st.Tokens.AccessToken == "" {
			return apperr.ErrMissingToken.WithMessage("not logged in")
		}
		req.Header.Set("Authorization", "Bearer "+st.Tokens.AccessToken)
	}
	return c.send(req, out)
}

// send performs req. Any response that is not JSON is a contract violation,
// whatever its status.
func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.ErrProviderFailure.WithMessage("gateway request failed").Wrap(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperr.ErrProviderFailure.WithMessage("read gateway response").Wrap(err)
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return apperr.ErrContract.WithMessage("%s %s returned %d with content type %q",
			req.Method, req.URL.Path, resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(raw, &apiErr.Body); err != nil {
			return apperr.ErrContract.WithMessage("malformed error envelope").Wrap(err)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.ErrContract.WithMessage("malformed response body").Wrap(err)
	}
	return nil
}

// IsAPIError reports whether err is a server error envelope and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var e *APIError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
