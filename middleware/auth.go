package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	authgate "github.com/kestrelsec/authgate"
)

// AccessTokenHeader carries a freshly rotated access token back to the
// client when [Authenticate] re-authenticated the request from the refresh
// cookie.
const AccessTokenHeader = "X-Access-Token"

type authResultContextKey struct{}

// AuthResultFromContext retrieves the validation result stored by
// [Authenticate].
func AuthResultFromContext(ctx context.Context) (*authgate.AuthResult, bool) {
	res, ok := ctx.Value(authResultContextKey{}).(*authgate.AuthResult)
	return res, ok
}

// Authenticate validates the bearer token on every request and stores the
// result in the request context. The caller's IP and User-Agent are attached
// first so binding checks and audit events see them. A missing or expired
// bearer token falls back to the refresh cookie: the token pair is rotated,
// the cookie replaced, and the new access token surfaced in
// [AccessTokenHeader] so the request proceeds without a client round trip.
func Authenticate(engine *authgate.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				WriteError(w, authgate.ErrEngineNotReady)
				return
			}

			ctx := RequestContext(r)

			var (
				res *authgate.AuthResult
				err error
			)
			if tok, ok := bearerToken(r.Header.Get("Authorization")); ok {
				res, err = engine.Validate(ctx, tok)
			} else {
				err = authgate.ErrTokenMissing
			}

			if err != nil && refreshEligible(err) {
				if renewed, ok := refreshFromCookie(ctx, w, r, engine); ok {
					res, err = renewed, nil
				}
			}
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx = context.WithValue(ctx, authResultContextKey{}, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// refreshEligible limits the cookie fallback to the two outcomes a rotation
// can repair. Anything else (bad signature, revoked session, rate limit)
// surfaces as-is.
func refreshEligible(err error) bool {
	return errors.Is(err, authgate.ErrTokenMissing) || errors.Is(err, authgate.ErrTokenExpired)
}

// refreshFromCookie redeems the refresh cookie for a fresh pair: the
// canonical principal is reloaded, the stored refresh hash rotated, and the
// new pair handed back through the cookie and [AccessTokenHeader]. Returns
// false when no cookie is present or the rotation fails; the caller then
// reports the original error.
func refreshFromCookie(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	engine *authgate.Engine,
) (*authgate.AuthResult, bool) {
	c, err := r.Cookie(RefreshCookieName)
	if err != nil || c.Value == "" {
		return nil, false
	}

	renewed, err := engine.Refresh(ctx, c.Value)
	if err != nil {
		return nil, false
	}

	secure := r.TLS != nil
	SetRefreshCookie(w, renewed.RefreshToken, engine.RefreshTTL(), secure)
	w.Header().Set(AccessTokenHeader, renewed.AccessToken)

	res, err := engine.Validate(ctx, renewed.AccessToken)
	if err != nil {
		return nil, false
	}
	return res, true
}

// RequireRole allows only the listed roles past. Must run after
// [Authenticate].
func RequireRole(engine *authgate.Engine, allowed ...authgate.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := AuthResultFromContext(r.Context())
			if !ok {
				WriteError(w, authgate.ErrTokenMissing)
				return
			}
			if err := engine.RequireRole(r.Context(), res, allowed...); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestContext attaches the caller's IP, User-Agent, and org header to the
// request context for the engine's binding and audit paths.
func RequestContext(r *http.Request) context.Context {
	ctx := r.Context()
	ctx = authgate.WithClientIP(ctx, clientIP(r))
	ctx = authgate.WithUserAgent(ctx, r.UserAgent())
	if org := r.Header.Get("X-Org-ID"); org != "" {
		ctx = authgate.WithOrgID(ctx, org)
	}
	return ctx
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the socket
// peer. Trusting XFF is the deployment's choice; strip the header at the
// edge when clients must not set it.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	tok := value[len(bearer):]
	if tok == "" {
		return "", false
	}
	return tok, true
}
