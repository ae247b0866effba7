package bleservice

import (
	"crypto/subtle"
	"net/http"
)

// apiKeyDisabled is the literal opt-out value for BLE_SERVICE_API_KEY,
// treated identically to an empty/unset key: unauthenticated mode.
const apiKeyDisabled = "disabled"

// APIKeyAuth requires a matching X-API-Key header on every request except
// /health (constant-time compare, pass-through when no key is configured),
// keyed on a custom header instead of Authorization.
func APIKeyAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" || key == apiKeyDisabled || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				WriteError(w, http.StatusUnauthorized, "bad or missing X-API-Key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
