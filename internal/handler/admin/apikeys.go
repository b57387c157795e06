package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docgate-service/internal/handler"
	"github.com/docgate-service/internal/model"
	"github.com/docgate-service/internal/service"
)

// --- Create API Key ---

type CreateAPIKeyHandler struct {
	auth *service.AuthManager
}

func NewCreateAPIKeyHandler(auth *service.AuthManager) *CreateAPIKeyHandler {
	return &CreateAPIKeyHandler{auth: auth}
}

type createAPIKeyRequest struct {
	Owner       string   `json:"owner"`
	Role        string   `json:"role"`
	KeyClass    string   `json:"key_class"`
	Description string   `json:"description"`
	IPAllowList []string `json:"ip_allow_list,omitempty"`
}

type createAPIKeyResponse struct {
	ID          string   `json:"id"`
	APIKey      string   `json:"api_key"`
	Owner       string   `json:"owner"`
	Role        string   `json:"role"`
	KeyClass    string   `json:"key_class"`
	Description string   `json:"description,omitempty"`
	IPAllowList []string `json:"ip_allow_list,omitempty"`
	ExpiresAt   *string  `json:"expires_at"`
	CreatedAt   string   `json:"created_at"`
}

func (h *CreateAPIKeyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if !handler.DecodeJSON(w, r, &req, false) {
		return
	}

	role := model.RoleBasic
	if req.Role != "" {
		parsed, err := model.ParseRole(req.Role)
		if err != nil || parsed == model.RoleAnonymous {
			handler.RespondError(w, http.StatusBadRequest, "invalid_request", "role must be one of basic, premium, developer, admin")
			return
		}
		role = parsed
	}
	class, err := model.ParseKeyClass(req.KeyClass)
	if err != nil {
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	credential, key, err := h.auth.GenerateAPIKey(r.Context(), service.GenerateInput{
		Owner:       req.Owner,
		Role:        role,
		Class:       class,
		Description: req.Description,
		IPAllowList: req.IPAllowList,
	})
	if err != nil {
		service.RespondError(w, err)
		return
	}

	handler.RespondJSON(w, http.StatusCreated, createAPIKeyResponse{
		ID:          key.ID,
		APIKey:      credential,
		Owner:       key.Owner,
		Role:        key.Role.String(),
		KeyClass:    string(key.Class),
		Description: key.Description,
		IPAllowList: key.IPAllowList,
		ExpiresAt:   formatTime(key.ExpiresAt),
		CreatedAt:   key.CreatedAt.Format(time.RFC3339),
	})
}

// --- List API Keys ---

type ListAPIKeysHandler struct {
	auth *service.AuthManager
}

func NewListAPIKeysHandler(auth *service.AuthManager) *ListAPIKeysHandler {
	return &ListAPIKeysHandler{auth: auth}
}

type listAPIKeysResponse struct {
	Owner   string             `json:"owner"`
	APIKeys []model.KeySummary `json:"api_keys"`
	Total   int                `json:"total"`
}

func (h *ListAPIKeysHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", "owner query parameter is required")
		return
	}

	keys, err := h.auth.ListKeys(r.Context(), owner)
	if err != nil {
		service.RespondError(w, err)
		return
	}

	handler.RespondJSON(w, http.StatusOK, listAPIKeysResponse{
		Owner:   owner,
		APIKeys: keys,
		Total:   len(keys),
	})
}

// --- Get API Key ---

type GetAPIKeyHandler struct {
	auth *service.AuthManager
}

func NewGetAPIKeyHandler(auth *service.AuthManager) *GetAPIKeyHandler {
	return &GetAPIKeyHandler{auth: auth}
}

func (h *GetAPIKeyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	summary, err := h.auth.GetKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		service.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, summary)
}

// --- Revoke API Key ---

type RevokeAPIKeyHandler struct {
	auth *service.AuthManager
}

func NewRevokeAPIKeyHandler(auth *service.AuthManager) *RevokeAPIKeyHandler {
	return &RevokeAPIKeyHandler{auth: auth}
}

func (h *RevokeAPIKeyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.auth.Revoke(r.Context(), id); err != nil {
		service.RespondError(w, err)
		return
	}

	handler.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"status": "revoked",
	})
}

// --- Helpers ---

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
