package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/docgate-service/internal/httputil"
	"github.com/docgate-service/internal/model"
	"github.com/docgate-service/internal/ratelimit"
	"github.com/docgate-service/internal/service"
)

// Request cost weights charged against the hourly cost budget.
const (
	CostList     = 0.1
	CostRead     = 1.0
	CostUpstream = 2.0
)

// Admitter decides whether a request may proceed.
type Admitter interface {
	Admit(ctx context.Context, req ratelimit.Request) (model.RateLimitResult, error)
}

// DenialResponse is the body of a denied request.
type DenialResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Limit      int    `json:"limit,omitempty"`
	RetryAfter int    `json:"retry_after"`
	ResetTime  int64  `json:"reset_time"`
}

// RateLimit admits requests through the DDoS guard, the caller's role rules
// and cost budget. It must run after Authenticate.
func RateLimit(adm Admitter, audit *service.Auditor, cost float64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := GetAuth(r.Context())
			if auth == nil {
				auth = model.Anonymous()
			}
			clientIP := GetClientIP(r.Context())
			if clientIP == "" {
				clientIP = ClientIP(r)
			}

			profile := model.ProfileFor(auth.Role)
			if auth.RateLimit != nil {
				profile = *auth.RateLimit
			}

			res, err := adm.Admit(r.Context(), ratelimit.Request{
				Identifier: ratelimit.Key(auth.Identity, clientIP, r.URL.Path),
				ClientIP:   clientIP,
				Profile:    profile,
				Cost:       cost,
			})
			if err != nil {
				log.Error().Err(err).Str("identity", auth.Identity).Msg("admission check failed")
				httputil.RespondError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
				return
			}

			writeRateLimitHeaders(w, res)
			if !res.Allowed {
				retry := res.RetryAfterSeconds()
				audit.Record(r.Context(), model.AdmissionEvent{
					Kind:       model.EventDenied,
					Identity:   auth.Identity,
					APIKeyID:   apiKeyID(auth),
					ClientIP:   clientIP,
					Reason:     string(res.Reason),
					RetryAfter: &retry,
				})
				RespondDenied(w, res)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RespondDenied writes a denial with Retry-After. Blocked addresses get 403,
// unavailable upstreams 503, everything else 429.
func RespondDenied(w http.ResponseWriter, res model.RateLimitResult) {
	retry := httputil.SetRetryAfter(w, res.RetryAfter)

	status := http.StatusTooManyRequests
	message := "Rate limit exceeded"
	switch res.Reason {
	case model.ReasonIPBlocked:
		status = http.StatusForbidden
		message = "Client address is temporarily blocked"
	case model.ReasonCircuitOpen:
		status = http.StatusServiceUnavailable
		message = "Upstream service is temporarily unavailable"
	case model.ReasonCostBudgetExceeded:
		message = "Cost budget exceeded"
	}

	httputil.RespondJSON(w, status, DenialResponse{
		Error:      string(res.Reason),
		Message:    message,
		Limit:      res.Limit,
		RetryAfter: retry,
		ResetTime:  res.ResetTime.Unix(),
	})
}

func writeRateLimitHeaders(w http.ResponseWriter, res model.RateLimitResult) {
	if res.Limit == 0 || res.Limit == ratelimit.Unlimited {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
}

func apiKeyID(res *model.AuthResult) string {
	if res.APIKey == nil {
		return ""
	}
	return res.APIKey.ID
}
