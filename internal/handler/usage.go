package handler

import (
	"net/http"

	"github.com/docgate-service/internal/middleware"
	"github.com/docgate-service/internal/model"
	"github.com/docgate-service/internal/service"
)

type UsageHandler struct {
	auth *service.AuthManager
}

func NewUsageHandler(auth *service.AuthManager) *UsageHandler {
	return &UsageHandler{auth: auth}
}

type UsageResponse struct {
	*model.UsageReport
	Role      string                  `json:"role"`
	RateLimit *model.RateLimitProfile `json:"rate_limit,omitempty"`
}

func (h *UsageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth := middleware.GetAuth(r.Context())
	if auth == nil || !auth.Success || auth.Identity == "" {
		RespondError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	report, err := h.auth.Usage(r.Context(), auth.Identity)
	if err != nil {
		service.RespondError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, UsageResponse{
		UsageReport: report,
		Role:        auth.Role.String(),
		RateLimit:   auth.RateLimit,
	})
}
