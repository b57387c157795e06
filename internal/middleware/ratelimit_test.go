package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docgate-service/internal/model"
	"github.com/docgate-service/internal/ratelimit"
)

func newTestAdmission() *ratelimit.Admission {
	return ratelimit.NewAdmission(
		ratelimit.New(nil),
		ratelimit.NewCostLedger(nil),
		ratelimit.NewDDoSGuard(ratelimit.DDoSSettings{}),
		ratelimit.NewBreakers(nil),
	)
}

func serve(h http.Handler, auth *model.AuthResult, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/docs/npm/react", nil)
	req.RemoteAddr = ip + ":4000"
	if auth != nil {
		req = req.WithContext(WithAuth(req.Context(), auth, ip))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRateLimitAnonymousBurstThenDenied(t *testing.T) {
	h := RateLimit(newTestAdmission(), nil, CostRead)(okHandler(nil))

	for i := 0; i < 15; i++ {
		rr := serve(h, nil, "198.51.100.20")
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: unexpected status %d", i+1, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "10" {
			t.Fatalf("unexpected X-RateLimit-Limit: %q", rr.Header().Get("X-RateLimit-Limit"))
		}
	}

	rr := serve(h, nil, "198.51.100.20")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After on denial")
	}
	var body DenialResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != string(model.ReasonBucketDepleted) || body.RetryAfter < 1 {
		t.Fatalf("unexpected denial body: %+v", body)
	}

	rr = serve(h, nil, "198.51.100.20")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected repeated offender to be blocked, got %d", rr.Code)
	}

	rr = serve(h, nil, "198.51.100.21")
	if rr.Code != http.StatusOK {
		t.Fatalf("other addresses are unaffected, got %d", rr.Code)
	}
}

func TestRateLimitAdminHasNoLimitHeaders(t *testing.T) {
	h := RateLimit(newTestAdmission(), nil, CostRead)(okHandler(nil))
	admin := &model.AuthResult{Success: true, Identity: "root", Role: model.RoleAdmin}
	profile := model.ProfileFor(model.RoleAdmin)
	admin.RateLimit = &profile

	for i := 0; i < 100; i++ {
		rr := serve(h, admin, "198.51.100.30")
		if rr.Code != http.StatusOK {
			t.Fatalf("admin request %d denied: %d", i+1, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("unlimited callers get no limit headers")
		}
	}
}

func TestRespondDeniedStatuses(t *testing.T) {
	tests := []struct {
		reason model.DenialReason
		want   int
	}{
		{model.ReasonRateLimitExceeded, http.StatusTooManyRequests},
		{model.ReasonCostBudgetExceeded, http.StatusTooManyRequests},
		{model.ReasonIPBlocked, http.StatusForbidden},
		{model.ReasonCircuitOpen, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(string(tc.reason), func(t *testing.T) {
			rr := httptest.NewRecorder()
			RespondDenied(rr, model.RateLimitResult{Reason: tc.reason, RetryAfter: 1500 * time.Millisecond})
			if rr.Code != tc.want {
				t.Fatalf("unexpected status: got %d want %d", rr.Code, tc.want)
			}
			if got := rr.Header().Get("Retry-After"); got != "2" {
				t.Fatalf("Retry-After should round up, got %q", got)
			}
		})
	}
}
