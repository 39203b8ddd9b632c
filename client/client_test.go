package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gurre/fixit/api"
	"github.com/gurre/fixit/apperr"
	"github.com/gurre/fixit/aws"
	"github.com/gurre/fixit/federation"
	"github.com/gurre/fixit/table"
	"github.com/gurre/fixit/upload"
)

var epoch = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func signToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test"))
	require.NoError(t, err)
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, e *apperr.Error) {
	writeJSON(w, status, api.ErrorBody{Error: e.Name, Message: e.Message, Code: e.Code})
}

// gateway is a scripted stand-in for the HTTP API.
type gateway struct {
	t   *testing.T
	clk *clock.Mock

	mu        sync.Mutex
	refreshes atomic.Int32
	refreshFn func(w http.ResponseWriter, r *http.Request)
	loginFn   func(w http.ResponseWriter, r *http.Request)
	confirmFn func(w http.ResponseWriter, r *http.Request)
	lastAuth  string
}

func (g *gateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if g.loginFn != nil {
			g.loginFn(w, r)
			return
		}
		writeJSON(w, http.StatusOK, api.LoginResponse{
			Success: true,
			Message: "Login successful",
			Tokens: api.Tokens{
				IDToken:     signToken(g.t, "sub-1", g.clk.Now().Add(3*time.Hour)),
				AccessToken: "access-1",
			},
			User: api.UserInfo{UserID: "sub-1", Email: "a@b.co", Name: "Ann", Role: "seeker"},
			AWSCredentials: api.AWSCredentials{
				AccessKeyID:     "AKIA1",
				SecretAccessKey: "secret-1",
				SessionToken:    "session-1",
				Expiration:      g.clk.Now().Add(time.Hour),
			},
			IdentityID: "us-east-1:abc",
		})
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		g.refreshes.Add(1)
		if g.refreshFn != nil {
			g.refreshFn(w, r)
			return
		}
		var req api.RefreshRequest
		assert.NoError(g.t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(g.t, req.IDToken)
		writeJSON(w, http.StatusOK, api.RefreshResponse{
			Success: true,
			Message: "Credentials refreshed",
			AWSCredentials: api.AWSCredentials{
				AccessKeyID: "AKIA2",
				Expiration:  g.clk.Now().Add(time.Hour),
			},
			IdentityID: "us-east-1:abc",
		})
	})
	mux.HandleFunc("/api/auth/confirm", func(w http.ResponseWriter, r *http.Request) {
		if g.confirmFn != nil {
			g.confirmFn(w, r)
			return
		}
		writeJSON(w, http.StatusOK, api.MessageResponse{Success: true, Message: "Email verified successfully. You can now login."})
	})
	mux.HandleFunc("/api/profile/details", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.lastAuth = r.Header.Get("Authorization")
		g.mu.Unlock()
		writeJSON(w, http.StatusOK, api.DataResponse{Success: true, Data: map[string]any{"userId": "sub-1", "fullName": "Ann"}})
	})
	mux.HandleFunc("/api/upload/signed-url", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(g.t, "profilePhotos/sub-1/profile.jpg", r.URL.Query().Get("key"))
		assert.Equal(g.t, "120", r.URL.Query().Get("ttl"))
		writeJSON(w, http.StatusOK, api.SignedURLResponse{Success: true, URL: "https://signed", ExpiresAt: g.clk.Now().Add(2 * time.Minute)})
	})
	mux.HandleFunc("/api/upload", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(g.t, r.ParseMultipartForm(1<<20))
		assert.Equal(g.t, "sub-1", r.FormValue("userId"))
		assert.Equal(g.t, "job", r.FormValue("fileType"))
		f, hdr, err := r.FormFile("file")
		assert.NoError(g.t, err)
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(g.t, "png-bytes", string(body))
		assert.Equal(g.t, "shot.png", hdr.Filename)
		assert.Equal(g.t, "image/png", hdr.Header.Get("Content-Type"))
		writeJSON(w, http.StatusOK, api.UploadResponse{Success: true, Message: "File uploaded successfully", FileURL: "https://bucket/k", Key: "k"})
	})
	mux.HandleFunc("/api/html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html>bad gateway</html>")
	})
	return mux
}

type signOutRecorder struct {
	mu     sync.Mutex
	events []federation.SignOutEvent
}

func (s *signOutRecorder) record(e federation.SignOutEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *signOutRecorder) get() []federation.SignOutEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]federation.SignOutEvent(nil), s.events...)
}

func newFixture(t *testing.T) (*Client, *gateway, *signOutRecorder) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(epoch)
	g := &gateway{t: t, clk: clk}
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)

	rec := &signOutRecorder{}
	c, err := New(srv.URL+"/api",
		WithClock(clk),
		WithLogger(zaptest.NewLogger(t)),
		WithOnSignOut(rec.record),
	)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, g, rec
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)
	_, err = New("://nope")
	assert.Error(t, err)
}

func TestLoginStoresStateAndArmsRefresh(t *testing.T) {
	c, g, _ := newFixture(t)
	ctx := context.Background()

	resp, err := c.Login(ctx, "a@b.co", "password1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", resp.User.UserID)

	st, ok, err := c.State(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "access-1", st.Tokens.AccessToken)
	assert.Equal(t, "AKIA1", st.Credentials.AccessKeyID)
	assert.Equal(t, "secret-1", st.Credentials.SecretKey)
	assert.Equal(t, "us-east-1:abc", st.Credentials.IdentityID)

	creds, err := c.Session().Credentials()
	require.NoError(t, err)
	assert.Equal(t, "AKIA1", creds.AccessKeyID)

	// Default lead is five minutes before the hour.
	g.clk.Add(54 * time.Minute)
	assert.Equal(t, int32(0), g.refreshes.Load())
	g.clk.Add(time.Minute)
	require.Eventually(t, func() bool { return g.refreshes.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st, _, _ := c.State(ctx)
		return st.Credentials.AccessKeyID == "AKIA2"
	}, time.Second, 5*time.Millisecond)
}

func TestRefreshFailureSignsOut(t *testing.T) {
	c, g, rec := newFixture(t)
	ctx := context.Background()
	g.refreshFn = func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, apperr.ErrFederationDenied)
	}

	_, err := c.Login(ctx, "a@b.co", "password1")
	require.NoError(t, err)

	g.clk.Add(55 * time.Minute)
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	ev := rec.get()[0]
	assert.Equal(t, federation.ReasonRefreshFailed, ev.Reason)
	assert.Equal(t, federation.DefaultLoginPath, ev.LoginPath)

	_, ok, err := c.State(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, c.Session().EnsureUsable(), apperr.ErrNotInitialized)
}

func TestStaleRefreshKeepsNewerLogin(t *testing.T) {
	c, g, _ := newFixture(t)
	ctx := context.Background()
	var logins atomic.Int32
	g.loginFn = func(w http.ResponseWriter, r *http.Request) {
		n := logins.Add(1)
		writeJSON(w, http.StatusOK, api.LoginResponse{
			Success: true,
			Message: "Login successful",
			Tokens: api.Tokens{
				IDToken:     signToken(g.t, fmt.Sprintf("sub-%d", n), g.clk.Now().Add(3*time.Hour)),
				AccessToken: fmt.Sprintf("access-%d", n),
			},
			User:           api.UserInfo{UserID: fmt.Sprintf("sub-%d", n)},
			AWSCredentials: api.AWSCredentials{AccessKeyID: fmt.Sprintf("AKIA-LOGIN-%d", n), Expiration: g.clk.Now().Add(time.Hour)},
		})
	}
	started := make(chan struct{})
	release := make(chan struct{})
	g.refreshFn = func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		writeJSON(w, http.StatusOK, api.RefreshResponse{
			Success:        true,
			AWSCredentials: api.AWSCredentials{AccessKeyID: "AKIA-STALE", Expiration: g.clk.Now().Add(time.Hour)},
		})
	}

	_, err := c.Login(ctx, "a@b.co", "password1")
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Session().RefreshNow(ctx)
		errCh <- err
	}()
	<-started

	_, err = c.Login(ctx, "a@b.co", "password1")
	require.NoError(t, err)
	close(release)
	assert.ErrorIs(t, <-errCh, apperr.ErrNotInitialized)

	st, ok, err := c.State(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "AKIA-LOGIN-2", st.Credentials.AccessKeyID)
	assert.Equal(t, "access-2", st.Tokens.AccessToken)
	creds, err := c.Session().Credentials()
	require.NoError(t, err)
	assert.Equal(t, "AKIA-LOGIN-2", creds.AccessKeyID)
}

func TestLoginAfterCloseFails(t *testing.T) {
	c, _, _ := newFixture(t)
	ctx := context.Background()
	c.Close()

	_, err := c.Login(ctx, "a@b.co", "password1")
	require.ErrorIs(t, err, apperr.ErrSessionClosed)
	_, ok, err := c.State(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefreshNow(t *testing.T) {
	c, g, _ := newFixture(t)
	ctx := context.Background()

	_, err := c.Session().RefreshNow(ctx)
	assert.ErrorIs(t, err, apperr.ErrNotInitialized)

	_, err = c.Login(ctx, "a@b.co", "password1")
	require.NoError(t, err)
	creds, err := c.Session().RefreshNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AKIA2", creds.AccessKeyID)
	assert.Equal(t, int32(1), g.refreshes.Load())
	st, _, _ := c.State(ctx)
	assert.Equal(t, "AKIA2", st.Credentials.AccessKeyID)
	assert.Equal(t, "access-1", st.Tokens.AccessToken)
}

func TestSignOutClearsState(t *testing.T) {
	c, g, rec := newFixture(t)
	ctx := context.Background()
	_, err := c.Login(ctx, "a@b.co", "password1")
	require.NoError(t, err)

	c.SignOut()
	_, ok, _ := c.State(ctx)
	assert.False(t, ok)
	require.Len(t, rec.get(), 1)
	assert.Equal(t, federation.ReasonUser, rec.get()[0].Reason)

	// The timer is gone with the session.
	g.clk.Add(2 * time.Hour)
	assert.Equal(t, int32(0), g.refreshes.Load())

	_, err = c.Profile(ctx)
	assert.ErrorIs(t, err, apperr.ErrMissingToken)
}

func TestAPIErrorEnvelope(t *testing.T) {
	c, g, _ := newFixture(t)
	g.loginFn = func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusForbidden, apperr.ErrNotConfirmed)
	}

	_, err := c.Login(context.Background(), "a@b.co", "password1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotConfirmed)
	assert.NotErrorIs(t, err, apperr.ErrContract)

	apiErr, ok := IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "USER_NOT_CONFIRMED", apiErr.Body.Code)

	_, stored, _ := c.State(context.Background())
	assert.False(t, stored)
}

func TestNonJSONIsContractViolation(t *testing.T) {
	c, _, _ := newFixture(t)

	err := c.do(context.Background(), http.MethodGet, "/html", nil, nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrContract)
	_, isAPI := IsAPIError(err)
	assert.False(t, isAPI)
	assert.Contains(t, err.Error(), "502")
}

func TestConfirmAndLogin(t *testing.T) {
	t.Run("logs in after confirmation", func(t *testing.T) {
		c, _, _ := newFixture(t)
		res, err := c.ConfirmAndLogin(context.Background(), "a@b.co", "123456", "password1")
		require.NoError(t, err)
		assert.False(t, res.NeedsManualLogin)
		require.NotNil(t, res.Login)
		assert.Equal(t, "sub-1", res.Login.User.UserID)
	})

	t.Run("login failure needs manual login", func(t *testing.T) {
		c, g, _ := newFixture(t)
		var logins atomic.Int32
		g.loginFn = func(w http.ResponseWriter, r *http.Request) {
			logins.Add(1)
			writeAPIError(w, http.StatusUnauthorized, apperr.ErrInvalidCredential)
		}
		res, err := c.ConfirmAndLogin(context.Background(), "a@b.co", "123456", "password1")
		require.NoError(t, err)
		assert.True(t, res.NeedsManualLogin)
		assert.Nil(t, res.Login)
		assert.ErrorIs(t, res.LoginErr, apperr.ErrInvalidCredential)
		assert.Equal(t, int32(1), logins.Load())
	})

	t.Run("confirmation failure is an error", func(t *testing.T) {
		c, g, _ := newFixture(t)
		g.confirmFn = func(w http.ResponseWriter, r *http.Request) {
			var req api.ConfirmRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "000000", req.VerificationCode)
			writeAPIError(w, http.StatusBadRequest, apperr.ErrCodeMismatch)
		}
		res, err := c.ConfirmAndLogin(context.Background(), "a@b.co", "000000", "password1")
		assert.ErrorIs(t, err, apperr.ErrCodeMismatch)
		assert.False(t, res.NeedsManualLogin)
	})
}

func TestAuthedRequestsCarryAccessToken(t *testing.T) {
	c, g, _ := newFixture(t)
	ctx := context.Background()

	_, err := c.Profile(ctx)
	assert.ErrorIs(t, err, apperr.ErrMissingToken)

	_, err = c.Login(ctx, "a@b.co", "password1")
	require.NoError(t, err)
	rec, err := c.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ann", rec.GetString("fullName"))
	g.mu.Lock()
	assert.Equal(t, "Bearer access-1", g.lastAuth)
	g.mu.Unlock()

	signed, err := c.SignedURL(ctx, "profilePhotos/sub-1/profile.jpg", 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://signed", signed.URL)
}

func TestUpload(t *testing.T) {
	c, _, _ := newFixture(t)
	resp, err := c.Upload(context.Background(), "sub-1", upload.KindJob, "shot.png", "image/png", strings.NewReader("png-bytes"))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "https://bucket/k", resp.FileURL)
}

func TestAPIErrorIsOnlyMatchesAppErrors(t *testing.T) {
	e := &APIError{Status: 404, Body: api.ErrorBody{Error: "NotFound"}}
	assert.True(t, errors.Is(e, apperr.ErrNotFound))
	assert.False(t, errors.Is(e, apperr.ErrRouteNotFound))
	assert.False(t, errors.Is(e, io.EOF))
	assert.Equal(t, "404 NotFound: ", e.Error())
}

func TestDirectAccessRequiresSession(t *testing.T) {
	c, _, _ := newFixture(t)
	ctx := context.Background()
	store, uploader := c.DirectAccess(awssdk.Config{Region: "us-east-1"}, aws.Endpoints{},
		table.Options{TableName: "FixIt"}, upload.Options{Bucket: "fixit-profile-images"})

	_, err := store.Get(ctx, table.EntityUser, "sub-1")
	assert.ErrorIs(t, err, apperr.ErrNotInitialized)
	_, err = uploader.Store(ctx, []byte("x"), "profilePhotos/sub-1/profile.jpg", "image/png")
	assert.ErrorIs(t, err, apperr.ErrNotInitialized)
}
