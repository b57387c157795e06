package middleware

import (
	"mime"
	"net/http"
	"strings"

	"github.com/docgate-service/internal/httputil"
)

// RequireJSON rejects POST/PATCH/PUT requests whose body is not JSON. Empty
// bodies pass without a Content-Type.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			if !isJSON(r.Header.Get("Content-Type"), r.ContentLength) {
				httputil.RespondError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func isJSON(contentType string, length int64) bool {
	if contentType == "" {
		return length == 0
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
