package middleware

import (
	"net/http"
	"time"
)

// RefreshCookieName is the cookie carrying the refresh token when the
// deployment opts for cookie transport instead of a response body field.
const RefreshCookieName = "ag_refresh"

// SetRefreshCookie writes the refresh token as an HttpOnly cookie scoped to
// the refresh path, so scripts and unrelated routes never see it.
func SetRefreshCookie(w http.ResponseWriter, token string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    token,
		Path:     "/auth/refresh",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearRefreshCookie expires the refresh cookie on logout.
func ClearRefreshCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     "/auth/refresh",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// RefreshTokenFromRequest reads the refresh token from the cookie, falling
// back to the Authorization bearer value for API clients.
func RefreshTokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(RefreshCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if tok, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return tok
	}
	return ""
}
