package middleware

import (
	"net/http"

	authgate "github.com/kestrelsec/authgate"
)

// RateLimit applies the general per-IP request guard. For unauthenticated
// routes; [Authenticate] already runs the same guard on validated requests.
func RateLimit(engine *authgate.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := engine.CheckRequest(RequestContext(r)); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuthRateLimit applies the strict auth-endpoint guard, including the
// inter-arrival velocity tracker. Front login, refresh, and MFA routes with
// it.
func AuthRateLimit(engine *authgate.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := engine.CheckAuthRequest(RequestContext(r)); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
