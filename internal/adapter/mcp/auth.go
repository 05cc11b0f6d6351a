package mcp

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware guards the MCP endpoint with a static API key. Clients
// may send "Bearer <key>" or the bare key in Authorization. An empty
// configured key disables the check.
func AuthMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := []byte(apiKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("Authorization")
		if presented == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		if token, ok := strings.CutPrefix(presented, "Bearer "); ok {
			presented = token
		}
		if subtle.ConstantTimeCompare([]byte(presented), want) != 1 {
			http.Error(w, "invalid api key", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
