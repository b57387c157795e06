package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docgate-service/internal/model"
	"github.com/docgate-service/internal/service"
)

type stubAuthenticator struct {
	results map[string]*model.AuthResult
	err     error
	calls   int
}

func (s *stubAuthenticator) AuthenticateRequest(_ context.Context, creds service.Credentials) (*model.AuthResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if creds.APIKey == "" && creds.Bearer == "" {
		return model.Anonymous(), nil
	}
	key := creds.APIKey
	if key == "" {
		key = creds.Bearer
	}
	if res, ok := s.results[key]; ok {
		return res, nil
	}
	return model.Failed(service.ReasonInvalidKey), nil
}

func premiumResult() *model.AuthResult {
	profile := model.ProfileFor(model.RolePremium)
	return &model.AuthResult{Success: true, Identity: "alice", Role: model.RolePremium, RateLimit: &profile}
}

func okHandler(seen **model.AuthResult) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen = GetAuth(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticate(t *testing.T) {
	stub := &stubAuthenticator{results: map[string]*model.AuthResult{
		"good":     premiumResult(),
		"disabled": model.Failed(service.ReasonKeyDisabled),
	}}

	tests := []struct {
		name     string
		header   string
		value    string
		wantCode int
		wantRole model.Role
	}{
		{"anonymous", "", "", http.StatusOK, model.RoleAnonymous},
		{"api key header", "X-API-Key", "good", http.StatusOK, model.RolePremium},
		{"bearer", "Authorization", "Bearer good", http.StatusOK, model.RolePremium},
		{"invalid", "X-API-Key", "bad", http.StatusUnauthorized, 0},
		{"disabled", "X-API-Key", "disabled", http.StatusForbidden, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var seen *model.AuthResult
			h := Authenticate(stub, nil, nil)(okHandler(&seen))

			req := httptest.NewRequest(http.MethodGet, "/v1/docs/pypi/requests", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantCode {
				t.Fatalf("unexpected status: got %d want %d body=%s", rr.Code, tc.wantCode, rr.Body.String())
			}
			if tc.wantCode == http.StatusOK && seen.Role != tc.wantRole {
				t.Fatalf("unexpected role in context: %s", seen.Role)
			}
		})
	}
}

func TestAuthenticateStoreUnavailable(t *testing.T) {
	stub := &stubAuthenticator{err: fmt.Errorf("%w: redis down", service.ErrStoreUnavailable)}
	h := Authenticate(stub, nil, nil)(okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "good")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the key store is down, got %d", rr.Code)
	}
}

func TestAuthenticateLocksOutRepeatedFailures(t *testing.T) {
	stub := &stubAuthenticator{}
	limiter := NewAuthAttemptLimiter(2, time.Minute, time.Minute)
	h := Authenticate(stub, nil, limiter)(okHandler(nil))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "198.51.100.9:5555"
		req.Header.Set("X-API-Key", "bad")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	send()
	send()
	calls := stub.calls

	rr := send()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected lockout, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("unexpected Retry-After: %q", rr.Header().Get("Retry-After"))
	}
	if stub.calls != calls {
		t.Fatal("locked-out attempts must not reach the authenticator")
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		auth     *model.AuthResult
		wantCode int
	}{
		{"no auth", nil, http.StatusUnauthorized},
		{"anonymous", model.Anonymous(), http.StatusForbidden},
		{"premium", premiumResult(), http.StatusOK},
		{"admin", &model.AuthResult{Success: true, Role: model.RoleAdmin}, http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := RequireRole(model.RolePremium)(okHandler(nil))
			req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
			if tc.auth != nil {
				req = req.WithContext(WithAuth(req.Context(), tc.auth, "192.0.2.1"))
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.wantCode {
				t.Fatalf("unexpected status: got %d want %d", rr.Code, tc.wantCode)
			}
		})
	}
}
