package middleware

import (
	"crypto/subtle"
	"net/http"
)

// AdminKeyHeader carries the shared dashboard credential.
const AdminKeyHeader = "X-Admin-Key"

// AdminKey rejects requests that do not present key in the X-Admin-Key
// header or, for websocket upgrades that cannot set headers, the "key"
// query parameter. An empty key disables the admin surface entirely.
func AdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				http.Error(w, `{"error":"admin access is not configured"}`, http.StatusServiceUnavailable)
				return
			}
			got := r.Header.Get(AdminKeyHeader)
			if got == "" {
				got = r.URL.Query().Get("key")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				http.Error(w, `{"error":"invalid admin key"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
