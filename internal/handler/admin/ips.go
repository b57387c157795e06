package admin

import (
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docgate-service/internal/handler"
	"github.com/docgate-service/internal/middleware"
	"github.com/docgate-service/internal/model"
	"github.com/docgate-service/internal/service"
	"github.com/docgate-service/internal/validation"
)

// IPBlocker is the manual override surface of the DDoS guard.
type IPBlocker interface {
	Block(ip string)
	Unblock(ip string)
	BlockRemaining(ip string) time.Duration
}

type ipStatusResponse struct {
	IP               string `json:"ip"`
	Blocked          bool   `json:"blocked"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
}

type IPBlockHandler struct {
	guard IPBlocker
	audit *service.Auditor
}

func NewIPBlockHandler(guard IPBlocker, audit *service.Auditor) *IPBlockHandler {
	return &IPBlockHandler{guard: guard, audit: audit}
}

// ServeHTTP handles GET (status), POST (block) and DELETE (unblock) on
// /admin/ips/{ip}/block.
func (h *IPBlockHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if err := validation.IP(ip); err != nil {
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var kind model.EventKind
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		h.guard.Block(ip)
		kind = model.EventIPBlocked
	case http.MethodDelete:
		h.guard.Unblock(ip)
		kind = model.EventIPUnblocked
	default:
		handler.RespondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	if kind != "" {
		var identity string
		if auth := middleware.GetAuth(r.Context()); auth != nil {
			identity = auth.Identity
		}
		h.audit.Record(r.Context(), model.AdmissionEvent{
			Kind:     kind,
			Identity: identity,
			ClientIP: ip,
			Reason:   "manual",
		})
	}

	remaining := h.guard.BlockRemaining(ip)
	handler.RespondJSON(w, http.StatusOK, ipStatusResponse{
		IP:               ip,
		Blocked:          remaining > 0,
		RemainingSeconds: int(math.Ceil(remaining.Seconds())),
	})
}
