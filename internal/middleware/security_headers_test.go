package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(okHandler(nil))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	for _, name := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Strict-Transport-Security", "Referrer-Policy", "Cache-Control"} {
		if rr.Header().Get(name) == "" {
			t.Fatalf("missing %s header", name)
		}
	}
}

func TestRequireJSON(t *testing.T) {
	h := RequireJSON(okHandler(nil))

	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		want        int
	}{
		{"plain text rejected", http.MethodPost, "text/plain", "{}", http.StatusUnsupportedMediaType},
		{"json with charset", http.MethodPost, "application/json; charset=utf-8", "{}", http.StatusOK},
		{"json suffix", http.MethodPost, "application/merge-patch+json", "{}", http.StatusOK},
		{"empty body without type", http.MethodPost, "", "", http.StatusOK},
		{"body without type rejected", http.MethodPost, "", "{}", http.StatusUnsupportedMediaType},
		{"malformed type rejected", http.MethodPut, "application/", "{}", http.StatusUnsupportedMediaType},
		{"get ignored", http.MethodGet, "text/plain", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/admin/api-keys", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rr.Code)
			}
		})
	}
}
