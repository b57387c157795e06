package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/docgate-service/internal/docs"
	"github.com/docgate-service/internal/middleware"
	"github.com/docgate-service/internal/model"
	"github.com/docgate-service/internal/validation"
)

// ProtectedCaller guards outbound calls with a per-identifier quota and a
// per-service circuit breaker.
type ProtectedCaller interface {
	ProtectedCall(ctx context.Context, service, identifier string, fn func(context.Context) error) (model.RateLimitResult, error)
}

// registryRoles is the minimum role needed to query each registry.
var registryRoles = map[docs.Registry]model.Role{
	docs.RegistryPyPI:   model.RoleAnonymous,
	docs.RegistryNPM:    model.RoleAnonymous,
	docs.RegistryGitHub: model.RoleBasic,
}

type DocsHandler struct {
	fetcher docs.Fetcher
	calls   ProtectedCaller
}

func NewDocsHandler(fetcher docs.Fetcher, calls ProtectedCaller) *DocsHandler {
	return &DocsHandler{fetcher: fetcher, calls: calls}
}

// ServeHTTP serves GET /v1/docs/{registry}/*. The package name is the rest of
// the path so scoped npm names and GitHub owner/repo pairs work unescaped.
func (h *DocsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	registry, err := docs.ParseRegistry(chi.URLParam(r, "registry"))
	if err != nil {
		RespondError(w, http.StatusNotFound, "unknown_registry", err.Error())
		return
	}
	name := chi.URLParam(r, "*")
	if err := validation.PackageName(name); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	auth := middleware.GetAuth(r.Context())
	if auth == nil {
		auth = model.Anonymous()
	}
	if !auth.HasRole(registryRoles[registry]) {
		RespondError(w, http.StatusForbidden, "insufficient_role", "This registry requires a "+registryRoles[registry].String()+" key")
		return
	}

	identifier := auth.Identity
	if identifier == "" {
		identifier = "ip:" + middleware.GetClientIP(r.Context())
	}

	var pkg *docs.Package
	notFound := false
	res, err := h.calls.ProtectedCall(r.Context(), string(registry), identifier, func(ctx context.Context) error {
		p, err := h.fetcher.Fetch(ctx, registry, name)
		if errors.Is(err, docs.ErrPackageNotFound) {
			// A missing package is a healthy upstream answer.
			notFound = true
			return nil
		}
		pkg = p
		return err
	})
	if !res.Allowed && err == nil {
		middleware.RespondDenied(w, res)
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("registry", string(registry)).Str("package", name).Msg("upstream fetch failed")
		RespondError(w, http.StatusBadGateway, "upstream_error", "Failed to fetch package metadata from "+string(registry))
		return
	}
	if notFound {
		RespondError(w, http.StatusNotFound, "not_found", "Package not found")
		return
	}

	RespondJSON(w, http.StatusOK, pkg)
}
