package handler

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/docgate-service/internal/middleware"
	"github.com/docgate-service/internal/service"
)

type TokenHandler struct {
	auth   *service.AuthManager
	maxTTL time.Duration
}

func NewTokenHandler(auth *service.AuthManager, maxTTL time.Duration) *TokenHandler {
	return &TokenHandler{auth: auth, maxTTL: maxTTL}
}

type TokenRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
	Role        string `json:"role"`
}

// ServeHTTP exchanges an API key for an access token carrying the key's
// role. Tokens cannot mint further tokens.
func (h *TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth := middleware.GetAuth(r.Context())
	if auth == nil || !auth.Success || auth.APIKey == nil {
		RespondError(w, http.StatusUnauthorized, "unauthorized", "An API key is required")
		return
	}

	var req TokenRequest
	if !DecodeJSON(w, r, &req, true) {
		return
	}
	if req.TTLSeconds < 0 {
		RespondError(w, http.StatusBadRequest, "invalid_request", "ttl_seconds must not be negative")
		return
	}

	ttl := h.maxTTL
	if req.TTLSeconds > 0 {
		ttl = min(time.Duration(req.TTLSeconds)*time.Second, h.maxTTL)
	}

	token, expiresAt, err := h.auth.IssueToken(auth.Identity, auth.Role, ttl)
	if err != nil {
		log.Error().Err(err).Str("identity", auth.Identity).Msg("failed to issue token")
		service.RespondError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		Role:        auth.Role.String(),
	})
}
