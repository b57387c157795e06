// Command docgate serves package documentation behind API-key authentication
// and admission control.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/docgate-service/internal/config"
	"github.com/docgate-service/internal/docs"
	"github.com/docgate-service/internal/handler"
	"github.com/docgate-service/internal/handler/admin"
	"github.com/docgate-service/internal/middleware"
	"github.com/docgate-service/internal/model"
	"github.com/docgate-service/internal/ratelimit"
	"github.com/docgate-service/internal/service"
	"github.com/docgate-service/internal/store"
	"github.com/docgate-service/migrations"
)

var version = "dev"

const (
	shutdownTimeout      = 15 * time.Second
	revocationRetryDelay = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("docgate exited")
	}
	log.Info().Msg("docgate stopped")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	rdb, closeRedis, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRedis()

	var pg *store.Postgres
	if cfg.DatabaseURL != "" {
		pool, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg = store.NewPostgres(pool)
	} else {
		log.Warn().Msg("DATABASE_URL not set, audit trail and key archive are disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rlMetrics := ratelimit.NewMetrics(reg)

	// Admission
	rlOpts := []ratelimit.Option{
		ratelimit.WithTimeout(cfg.RedisTimeout),
		ratelimit.WithFallbackDivisor(cfg.FallbackDivisor),
		ratelimit.WithMetrics(rlMetrics),
	}
	admission := ratelimit.NewAdmission(
		ratelimit.New(rdb, rlOpts...),
		ratelimit.NewCostLedger(rdb, rlOpts...),
		ratelimit.NewDDoSGuard(ratelimit.DDoSSettings{}, rlOpts...),
		ratelimit.NewBreakers(ratelimit.DefaultBreakerSettings(), rlOpts...),
	)

	// Auth
	keys := store.NewRedis(rdb, cfg.RedisTimeout)
	tokens, err := service.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}
	usage := service.NewUsageRecorder(keys, cfg.UsageQueueSize)

	var auditStore store.AuditLogStore
	authOpts := []service.AuthOption{
		service.WithKeyPrefix(cfg.APIKeyPrefix),
		service.WithCacheTTL(cfg.KeyCacheTTL),
		service.WithAuthMetrics(service.NewMetrics(reg)),
		service.WithRevocationBus(keys),
	}
	if pg != nil {
		auditStore = pg
		authOpts = append(authOpts, service.WithArchive(pg))
	}
	auditor := service.NewAuditor(auditStore)
	authOpts = append(authOpts, service.WithAuditor(auditor))
	auth := service.NewAuthManager(keys, tokens, usage, authOpts...)

	if cfg.BootstrapAdminOwner != "" {
		credential, err := auth.EnsureBootstrapAdmin(ctx, cfg.BootstrapAdminOwner)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if credential != "" {
			log.Warn().
				Str("owner", cfg.BootstrapAdminOwner).
				Str("api_key", credential).
				Msg("bootstrap admin key issued, it will not be shown again")
		}
	}

	fetcher := docs.NewHTTPFetcher(
		&http.Client{Timeout: cfg.UpstreamTimeout},
		cfg.DocsPyPIURL, cfg.DocsNPMURL, cfg.DocsGitHubURL,
	)

	var pgPinger handler.Pinger
	if pg != nil {
		pgPinger = pg
	}

	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	r := newRouter(routerDeps{
		cfg:            cfg,
		trustedProxies: trusted,
		auth:           auth,
		auditor:        auditor,
		admission:      admission,
		fetcher:        fetcher,
		health:         handler.NewHealthHandler(keys, pgPinger, admission.Breakers(), version),
		metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return usage.Run(gctx)
	})
	g.Go(func() error {
		for {
			err := auth.WatchRevocations(gctx)
			if gctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("revocation watch stopped, resubscribing")
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(revocationRetryDelay):
			}
		}
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Str("version", version).Bool("shared_store", cfg.RedisURL != "").Msg("docgate listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := usage.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("usage drain: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// openRedis connects to REDIS_URL, or starts an embedded in-memory server
// when none is configured.
func openRedis(ctx context.Context, cfg *config.Config) (redis.UniversalClient, func(), error) {
	if cfg.RedisURL == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded store: %w", err)
		}
		log.Warn().Str("addr", mr.Addr()).Msg("REDIS_URL not set, using an embedded store; limits and keys are not shared")
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return client, func() {
			_ = client.Close()
			mr.Close()
		}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Admission falls back to local limits while Redis is down.
		log.Error().Err(err).Msg("redis unreachable at startup")
	}
	return client, func() { _ = client.Close() }, nil
}

func openPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if err := migrateUp(databaseURL); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func migrateUp(databaseURL string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

type routerDeps struct {
	cfg            *config.Config
	trustedProxies []netip.Prefix
	auth           *service.AuthManager
	auditor        *service.Auditor
	admission      *ratelimit.Admission
	fetcher        docs.Fetcher
	health         http.Handler
	metrics        http.Handler
}

func newRouter(d routerDeps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.ResolveClientIP(d.trustedProxies))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireJSON)

	r.Method(http.MethodGet, "/healthz", d.health)
	r.Method(http.MethodGet, "/metrics", d.metrics)

	authenticate := middleware.Authenticate(d.auth, d.auditor, middleware.NewAuthAttemptLimiter(0, 0, 0))
	limit := func(cost float64) func(http.Handler) http.Handler {
		return middleware.RateLimit(d.admission, d.auditor, cost)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(authenticate)
		r.With(limit(middleware.CostList)).Method(http.MethodGet, "/info", handler.NewInfoHandler(d.cfg.APIKeyPrefix))
		r.With(limit(middleware.CostUpstream)).Method(http.MethodGet, "/docs/{registry}/*", handler.NewDocsHandler(d.fetcher, d.admission))
		r.With(limit(middleware.CostRead), middleware.RequireRole(model.RolePremium)).Method(http.MethodGet, "/usage", handler.NewUsageHandler(d.auth))
		r.With(limit(middleware.CostRead), middleware.RequireRole(model.RoleBasic)).Method(http.MethodPost, "/token", handler.NewTokenHandler(d.auth, d.cfg.JWTTTL))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(authenticate, middleware.RequireRole(model.RoleAdmin), limit(middleware.CostList))

		r.Method(http.MethodPost, "/api-keys", admin.NewCreateAPIKeyHandler(d.auth))
		r.Method(http.MethodGet, "/api-keys", admin.NewListAPIKeysHandler(d.auth))
		r.Method(http.MethodGet, "/api-keys/{id}", admin.NewGetAPIKeyHandler(d.auth))
		r.Method(http.MethodPost, "/api-keys/{id}/revoke", admin.NewRevokeAPIKeyHandler(d.auth))

		ips := admin.NewIPBlockHandler(d.admission.Guard(), d.auditor)
		r.Method(http.MethodGet, "/ips/{ip}/block", ips)
		r.Method(http.MethodPost, "/ips/{ip}/block", ips)
		r.Method(http.MethodDelete, "/ips/{ip}/block", ips)

		r.Method(http.MethodGet, "/events", admin.NewEventsHandler(d.auditor))
	})

	return r
}
