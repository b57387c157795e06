package admin

import (
	"net/http"
	"time"

	"github.com/docgate-service/internal/handler"
	"github.com/docgate-service/internal/httputil"
	"github.com/docgate-service/internal/model"
	"github.com/docgate-service/internal/service"
	"github.com/docgate-service/internal/store"
	"github.com/docgate-service/internal/validation"
)

// --- List Admission Events ---

type EventsHandler struct {
	audit *service.Auditor
}

func NewEventsHandler(audit *service.Auditor) *EventsHandler {
	return &EventsHandler{audit: audit}
}

type eventsResponse struct {
	Events  []*model.AdmissionEvent `json:"events"`
	Total   int                     `json:"total"`
	Page    int                     `json:"page"`
	PerPage int                     `json:"per_page"`
}

var eventKinds = map[model.EventKind]struct{}{
	model.EventAuthFailed:  {},
	model.EventDenied:      {},
	model.EventKeyCreated:  {},
	model.EventKeyRevoked:  {},
	model.EventIPBlocked:   {},
	model.EventIPUnblocked: {},
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := httputil.ParsePagination(q)
	if err != nil {
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	filters := store.EventFilters{
		Page:    page.Page,
		PerPage: page.PerPage,
	}

	if kindStr := q.Get("kind"); kindStr != "" {
		kind := model.EventKind(kindStr)
		if _, ok := eventKinds[kind]; !ok {
			handler.RespondError(w, http.StatusBadRequest, "invalid_request", "Unknown event kind")
			return
		}
		filters.Kind = &kind
	}

	if ip := q.Get("client_ip"); ip != "" {
		if err := validation.IP(ip); err != nil {
			handler.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		filters.ClientIP = ip
	}

	filters.APIKeyID = q.Get("api_key_id")

	if fromStr := q.Get("from"); fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			handler.RespondError(w, http.StatusBadRequest, "invalid_request", "Invalid 'from' date format (use RFC3339)")
			return
		}
		filters.From = &t
	}

	if toStr := q.Get("to"); toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			handler.RespondError(w, http.StatusBadRequest, "invalid_request", "Invalid 'to' date format (use RFC3339)")
			return
		}
		filters.To = &t
	}

	events, total, err := h.audit.List(r.Context(), filters)
	if err != nil {
		service.RespondError(w, err)
		return
	}
	if events == nil {
		events = []*model.AdmissionEvent{}
	}

	handler.RespondJSON(w, http.StatusOK, eventsResponse{
		Events:  events,
		Total:   total,
		Page:    page.Page,
		PerPage: page.PerPage,
	})
}
