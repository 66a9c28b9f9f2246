package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	authgate "github.com/kestrelsec/authgate"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// Human-readable messages per wire code. Deliberately generic: the envelope
// must not leak which internal check failed beyond what the code says.
var codeMessages = map[string]string{
	authgate.CodeTokenMissing:            "authentication required",
	authgate.CodeTokenInvalid:            "authentication failed",
	authgate.CodeTokenExpired:            "token expired",
	authgate.CodeSessionInvalid:          "session is no longer valid",
	authgate.CodeSessionRequired:         "a verified session is required",
	authgate.CodeIPMismatch:              "session verification failed",
	authgate.CodeUserAgentMismatch:       "session verification failed",
	authgate.CodeInsufficientPermissions: "insufficient permissions",
	authgate.CodeMFARequired:             "multi-factor verification required",
	authgate.CodeMFAVerificationFailed:   "verification code rejected",
	authgate.CodeMFARateLimited:          "too many verification attempts",
	authgate.CodeRateLimitExceeded:       "too many requests",
	authgate.CodeSessionUnavailable:      "service temporarily unavailable",
	authgate.CodeInternal:                "internal error",
}

func statusFor(code string) int {
	switch code {
	case authgate.CodeTokenMissing,
		authgate.CodeTokenInvalid,
		authgate.CodeTokenExpired,
		authgate.CodeSessionInvalid,
		authgate.CodeSessionRequired:
		return http.StatusUnauthorized
	case authgate.CodeIPMismatch,
		authgate.CodeUserAgentMismatch,
		authgate.CodeInsufficientPermissions,
		authgate.CodeMFARequired:
		return http.StatusForbidden
	case authgate.CodeMFARateLimited,
		authgate.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case authgate.CodeSessionUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes the standard JSON error envelope for the given error.
func WriteError(w http.ResponseWriter, err error) {
	code := authgate.Code(err)
	message, ok := codeMessages[code]
	if !ok {
		message = "request failed"
	}

	w.Header().Set("Content-Type", "application/json")

	// Lockouts carry their remaining duration; surface it so clients can
	// back off instead of polling.
	var lockout *authgate.MFALockoutError
	if errors.As(err, &lockout) && lockout.Remaining > 0 {
		seconds := int((lockout.Remaining + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	w.WriteHeader(statusFor(code))
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Success: false,
		Error:   errorBody{Code: code, Message: message},
	})
}
