package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	authgate "github.com/kestrelsec/authgate"
)

const testUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/126.0 Safari/537.36"

// staticDirectory satisfies authgate.UserDirectory with fixed principals and
// no MFA material.
type staticDirectory struct {
	principals map[string]authgate.Principal
}

func (d *staticDirectory) GetPrincipal(_ context.Context, userID string) (authgate.Principal, error) {
	p, ok := d.principals[userID]
	if !ok {
		return authgate.Principal{}, fmt.Errorf("user not found")
	}
	return p, nil
}

func (d *staticDirectory) GetTOTPSecret(context.Context, string) (*authgate.TOTPRecord, error) {
	return nil, fmt.Errorf("totp not configured")
}

func (d *staticDirectory) EnableTOTP(context.Context, string, []byte) error { return nil }

func (d *staticDirectory) MarkTOTPVerified(context.Context, string) error { return nil }

func (d *staticDirectory) UpdateTOTPLastUsedCounter(context.Context, string, int64) error {
	return nil
}

func (d *staticDirectory) GetBackupCodes(context.Context, string) ([]authgate.BackupCodeRecord, error) {
	return nil, nil
}

func (d *staticDirectory) ReplaceBackupCodes(context.Context, string, []authgate.BackupCodeRecord) error {
	return nil
}

func (d *staticDirectory) ConsumeBackupCode(context.Context, string, [32]byte) (bool, error) {
	return false, nil
}

func (d *staticDirectory) ContactAddress(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("no contact address")
}

func newTestEngine(t *testing.T, mutate func(*authgate.Config)) *authgate.Engine {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := authgate.DefaultConfig()
	cfg.Token.SigningMethod = "hs256"
	cfg.Token.PrivateKey = []byte("middleware-test-secret")
	cfg.RateLimit.Enabled = false
	cfg.Session.SweepInterval = 0
	cfg.RateLimit.SweepInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}

	dir := &staticDirectory{principals: map[string]authgate.Principal{
		"u-alice": {ID: "u-alice", Username: "alice", Role: authgate.RoleStudent, OrgID: "org-1"},
	}}

	engine, err := authgate.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserDirectory(dir).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func loginAlice(t *testing.T, engine *authgate.Engine) *authgate.LoginResult {
	t.Helper()

	ctx := authgate.WithUserAgent(authgate.WithClientIP(context.Background(), "10.0.0.1"), testUA)
	result, err := engine.Login(ctx, authgate.Principal{
		ID: "u-alice", Username: "alice", Role: authgate.RoleStudent, OrgID: "org-1",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return result
}

func newRequest(method, target, bearer string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	r.RemoteAddr = "10.0.0.1:54321"
	r.Header.Set("User-Agent", testUA)
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	return r
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not an error envelope: %v (%s)", err, rec.Body.String())
	}
	return env
}

func TestWriteErrorStatusAndEnvelope(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{authgate.ErrTokenMissing, http.StatusUnauthorized, authgate.CodeTokenMissing},
		{authgate.ErrTokenExpired, http.StatusUnauthorized, authgate.CodeTokenExpired},
		{authgate.ErrSessionInvalid, http.StatusUnauthorized, authgate.CodeSessionInvalid},
		{authgate.ErrIPMismatch, http.StatusForbidden, authgate.CodeIPMismatch},
		{authgate.ErrInsufficientRole, http.StatusForbidden, authgate.CodeInsufficientPermissions},
		{authgate.ErrMFARequired, http.StatusForbidden, authgate.CodeMFARequired},
		{authgate.ErrMFARateLimited, http.StatusTooManyRequests, authgate.CodeMFARateLimited},
		{authgate.ErrRateLimited, http.StatusTooManyRequests, authgate.CodeRateLimitExceeded},
		{authgate.ErrSessionUnavailable, http.StatusServiceUnavailable, authgate.CodeSessionUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError, authgate.CodeInternal},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, tc.err)

		if rec.Code != tc.status {
			t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.status)
		}
		env := decodeEnvelope(t, rec)
		if env.Success {
			t.Fatalf("%v: envelope reports success", tc.err)
		}
		if env.Error.Code != tc.code {
			t.Fatalf("%v: code = %s, want %s", tc.err, env.Error.Code, tc.code)
		}
		if env.Error.Message == "" {
			t.Fatalf("%v: empty message", tc.err)
		}
	}
}

func TestWriteErrorLockoutRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, &authgate.MFALockoutError{Remaining: 90 * time.Second})

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "90" {
		t.Fatalf("Retry-After = %q, want 90", got)
	}
	if env := decodeEnvelope(t, rec); env.Error.Code != authgate.CodeMFARateLimited {
		t.Fatalf("code = %s", env.Error.Code)
	}
}

func TestAuthenticateHappyPath(t *testing.T) {
	engine := newTestEngine(t, nil)
	login := loginAlice(t, engine)

	var seen *authgate.AuthResult
	handler := Authenticate(engine)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, ok := AuthResultFromContext(r.Context())
		if !ok {
			t.Fatal("no auth result in context")
		}
		seen = res
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest(http.MethodGet, "/me", login.AccessToken))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if seen == nil || seen.Principal.ID != "u-alice" {
		t.Fatalf("auth result = %+v", seen)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	engine := newTestEngine(t, nil)

	handler := Authenticate(engine)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler reached without valid auth")
	}))

	// No Authorization header.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest(http.MethodGet, "/me", ""))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error.Code != authgate.CodeTokenMissing {
		t.Fatalf("code = %s", env.Error.Code)
	}

	// Garbage token.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest(http.MethodGet, "/me", "garbage"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
}

func TestAuthenticateEnforcesIPBinding(t *testing.T) {
	engine := newTestEngine(t, nil)
	login := loginAlice(t, engine)

	handler := Authenticate(engine)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler reached from wrong IP")
	}))

	r := newRequest(http.MethodGet, "/me", login.AccessToken)
	r.Header.Set("X-Forwarded-For", "203.0.113.50")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error.Code != authgate.CodeIPMismatch {
		t.Fatalf("code = %s", env.Error.Code)
	}
}

func TestAuthenticateRefreshFallback(t *testing.T) {
	engine := newTestEngine(t, func(cfg *authgate.Config) {
		cfg.Token.AccessTTL = 50 * time.Millisecond
		cfg.Token.Leeway = 0
	})
	login := loginAlice(t, engine)
	time.Sleep(120 * time.Millisecond)

	// The expired bearer alone is still a 401.
	rejecting := Authenticate(engine)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("expired token passed without a refresh cookie")
	}))
	rec := httptest.NewRecorder()
	rejecting.ServeHTTP(rec, newRequest(http.MethodGet, "/me", login.AccessToken))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	// With the refresh cookie the pair is rotated and the request proceeds.
	var seen *authgate.AuthResult
	handler := Authenticate(engine)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, _ := AuthResultFromContext(r.Context())
		seen = res
		w.WriteHeader(http.StatusOK)
	}))

	r := newRequest(http.MethodGet, "/me", login.AccessToken)
	r.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: login.RefreshToken})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if seen == nil || seen.Principal.ID != "u-alice" {
		t.Fatalf("auth result = %+v", seen)
	}
	if rec.Header().Get(AccessTokenHeader) == "" {
		t.Fatal("rotated access token not surfaced")
	}

	var rotated string
	for _, c := range rec.Result().Cookies() {
		if c.Name == RefreshCookieName {
			rotated = c.Value
		}
	}
	if rotated == "" || rotated == login.RefreshToken {
		t.Fatal("refresh cookie was not rotated")
	}

	// The rotated cookie also covers a request with no bearer at all.
	r = newRequest(http.MethodGet, "/me", "")
	r.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: rotated})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 via cookie alone", rec.Code)
	}

	// Replaying the rotated-out cookie is reuse: the session is destroyed
	// and the request rejected.
	r = newRequest(http.MethodGet, "/me", "")
	r.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: login.RefreshToken})
	rec = httptest.NewRecorder()
	rejecting.ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 on cookie replay", rec.Code)
	}
}

func TestRequireRoleMiddleware(t *testing.T) {
	engine := newTestEngine(t, nil)
	login := loginAlice(t, engine)

	handler := Authenticate(engine)(
		RequireRole(engine, authgate.RoleAdmin)(
			http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("student passed an admin gate")
			})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest(http.MethodGet, "/admin", login.AccessToken))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error.Code != authgate.CodeInsufficientPermissions {
		t.Fatalf("code = %s", env.Error.Code)
	}
}

func TestRequireMFAMiddleware(t *testing.T) {
	// Students log in without a second factor, so their sessions carry the
	// MFA-verified flag and pass the gate.
	engine := newTestEngine(t, nil)
	login := loginAlice(t, engine)

	passed := false
	handler := Authenticate(engine)(
		RequireMFA(engine)(
			http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				passed = true
				w.WriteHeader(http.StatusOK)
			})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest(http.MethodGet, "/secure", login.AccessToken))
	if !passed || rec.Code != http.StatusOK {
		t.Fatalf("MFA-verified session rejected: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	engine := newTestEngine(t, func(cfg *authgate.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.MaxRequests = 2
		cfg.RateLimit.Window = time.Minute
	})

	handler := RateLimit(engine)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newRequest(http.MethodGet, "/", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest(http.MethodGet, "/", ""))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	handler := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest(http.MethodGet, "/", ""))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error.Code != authgate.CodeInternal {
		t.Fatalf("code = %s", env.Error.Code)
	}
}

func TestRefreshCookieRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	SetRefreshCookie(rec, "refresh-token-value", time.Hour, true)

	res := rec.Result()
	cookies := res.Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookie count = %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != RefreshCookieName || c.Value != "refresh-token-value" {
		t.Fatalf("cookie = %+v", c)
	}
	if !c.HttpOnly || !c.Secure || c.Path != "/auth/refresh" {
		t.Fatalf("cookie attributes = %+v", c)
	}
	if c.MaxAge != 3600 {
		t.Fatalf("MaxAge = %d", c.MaxAge)
	}

	// Reading it back from a request.
	r := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	r.AddCookie(c)
	if got := RefreshTokenFromRequest(r); got != "refresh-token-value" {
		t.Fatalf("RefreshTokenFromRequest = %q", got)
	}
}

func TestRefreshTokenBearerFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	if got := RefreshTokenFromRequest(r); got != "from-header" {
		t.Fatalf("RefreshTokenFromRequest = %q", got)
	}

	r = httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	if got := RefreshTokenFromRequest(r); got != "" {
		t.Fatalf("RefreshTokenFromRequest = %q, want empty", got)
	}
}

func TestClearRefreshCookie(t *testing.T) {
	rec := httptest.NewRecorder()
	ClearRefreshCookie(rec, false)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookie count = %d", len(cookies))
	}
	if cookies[0].MaxAge >= 0 || cookies[0].Value != "" {
		t.Fatalf("cookie not cleared: %+v", cookies[0])
	}
}

func TestClientIPExtraction(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:4242"
	if got := clientIP(r); got != "192.0.2.10" {
		t.Fatalf("clientIP = %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.1" {
		t.Fatalf("clientIP with XFF = %q", got)
	}
}
