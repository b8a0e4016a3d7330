package auth

import "net/http"

// RateLimitKey charges requests to the authenticated subject and falls back to
// fallback (usually the peer address) when there is no principal. It must run
// after RequireBearer.
func RateLimitKey(fallback func(*http.Request) string) func(*http.Request) string {
	return func(r *http.Request) string {
		if p, ok := PrincipalFromContext(r.Context()); ok && p.UserID != "" {
			return "user:" + p.UserID
		}
		return "ip:" + fallback(r)
	}
}
