package middleware

import (
	"net/http"

	authgate "github.com/kestrelsec/authgate"
)

// RequireMFA rejects requests whose session has not completed a second
// factor. Must run after [Authenticate]. Degraded (stateless-fallback)
// results are rejected too: the MFA flag lives in the session record.
func RequireMFA(engine *authgate.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := AuthResultFromContext(r.Context())
			if !ok {
				WriteError(w, authgate.ErrTokenMissing)
				return
			}
			if err := engine.RequireMFA(r.Context(), res); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
