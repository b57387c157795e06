package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/docgate-service/internal/httputil"
	"github.com/docgate-service/internal/model"
	"github.com/docgate-service/internal/service"
)

type contextKey string

const (
	authContextKey     contextKey = "auth"
	clientIPContextKey contextKey = "client_ip"
)

// Authenticator resolves request credentials to an AuthResult.
type Authenticator interface {
	AuthenticateRequest(ctx context.Context, creds service.Credentials) (*model.AuthResult, error)
}

// GetAuth returns the request's authentication result, or nil outside
// Authenticate.
func GetAuth(ctx context.Context) *model.AuthResult {
	res, _ := ctx.Value(authContextKey).(*model.AuthResult)
	return res
}

func GetClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey).(string)
	return ip
}

// WithAuth stores an authentication result on ctx.
func WithAuth(ctx context.Context, res *model.AuthResult, clientIP string) context.Context {
	ctx = context.WithValue(ctx, authContextKey, res)
	return context.WithValue(ctx, clientIPContextKey, clientIP)
}

// Authenticate resolves credentials from X-API-Key or a bearer value.
// Requests without credentials continue as anonymous; bad credentials are
// rejected. A store outage rejects with 503 rather than degrading to
// anonymous.
func Authenticate(a Authenticator, audit *service.Auditor, limiter *AuthAttemptLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := extractCredentials(r)
			presented := creds.APIKey != "" || creds.Bearer != ""

			if presented && limiter != nil {
				if ok, retry := limiter.allow(creds.ClientIP); !ok {
					httputil.SetRetryAfter(w, retry)
					httputil.RespondError(w, http.StatusTooManyRequests, "auth_locked", "Too many authentication failures")
					return
				}
			}

			res, err := a.AuthenticateRequest(r.Context(), creds)
			if err != nil {
				log.Error().Err(err).Str("client_ip", creds.ClientIP).Msg("authentication unavailable")
				service.RespondError(w, err)
				return
			}

			if !res.Success {
				if limiter != nil {
					limiter.registerFailure(creds.ClientIP)
				}
				audit.Record(r.Context(), model.AdmissionEvent{
					Kind:     model.EventAuthFailed,
					ClientIP: creds.ClientIP,
					Reason:   res.Error,
				})
				status := http.StatusUnauthorized
				if res.Error == service.ReasonKeyDisabled || res.Error == service.ReasonIPNotAllowed {
					status = http.StatusForbidden
				}
				httputil.RespondError(w, status, "unauthorized", res.Error)
				return
			}

			if presented && limiter != nil {
				limiter.registerSuccess(creds.ClientIP)
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), res, creds.ClientIP)))
		})
	}
}

// RequireRole rejects requests whose authenticated role ranks below role.
func RequireRole(role model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := GetAuth(r.Context())
			if res == nil || !res.Success {
				httputil.RespondError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
				return
			}
			if !res.HasRole(role) {
				httputil.RespondError(w, http.StatusForbidden, "insufficient_role", "This endpoint requires the "+role.String()+" role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
