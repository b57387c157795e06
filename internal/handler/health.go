package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/docgate-service/internal/ratelimit"
)

const pingTimeout = 2 * time.Second

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	redis     Pinger
	postgres  Pinger
	breakers  *ratelimit.Breakers
	version   string
	startTime time.Time
}

// NewHealthHandler builds the health check. Either pinger may be nil when the
// backend is not configured.
func NewHealthHandler(redis, postgres Pinger, breakers *ratelimit.Breakers, version string) *HealthHandler {
	return &HealthHandler{
		redis:     redis,
		postgres:  postgres,
		breakers:  breakers,
		version:   version,
		startTime: time.Now(),
	}
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	Redis         string            `json:"redis"`
	Postgres      string            `json:"postgres"`
	Breakers      map[string]string `json:"breakers"`
	UptimeSeconds int64             `json:"uptime_seconds"`
}

// ServeHTTP reports 503 only when the shared store is down. A missing Redis
// leaves admission on process-local state, which is degraded but serving.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       h.version,
		Redis:         h.check(r.Context(), "redis", h.redis),
		Postgres:      h.check(r.Context(), "postgres", h.postgres),
		Breakers:      map[string]string{},
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	if h.breakers != nil {
		for name, state := range h.breakers.States() {
			resp.Breakers[name] = state.String()
		}
	}

	status := http.StatusOK
	switch {
	case resp.Redis == "down":
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	case resp.Redis == "disabled" || resp.Postgres == "down":
		resp.Status = "degraded"
	}
	RespondJSON(w, status, resp)
}

func (h *HealthHandler) check(ctx context.Context, name string, p Pinger) string {
	if p == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		log.Error().Err(err).Str("backend", name).Msg("health check failed")
		return "down"
	}
	return "up"
}
