package platform

import (
	"crypto/subtle"
	"net/http"
)

// APIKeyMiddleware enforces an X-API-Key header on every request. An empty
// configured key disables the check; the health endpoints are expected to be
// mounted outside this middleware either way.
func APIKeyMiddleware(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
