package authgate

import "context"

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type orgIDContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. The Engine uses it
// for IP binding, brute-force tracking, and audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx. Used for the
// coarse device fingerprint bound to sessions.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithOrgID attaches an organization identifier to ctx for tenant-scoped
// operations that have no token to derive it from.
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgIDContextKey{}, orgID)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ua, _ := ctx.Value(userAgentContextKey{}).(string)
	return ua
}

func orgIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	org, _ := ctx.Value(orgIDContextKey{}).(string)
	return org
}
