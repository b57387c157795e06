package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docgate-service/internal/config"
	"github.com/docgate-service/internal/docs"
	"github.com/docgate-service/internal/handler"
	"github.com/docgate-service/internal/model"
	"github.com/docgate-service/internal/ratelimit"
	"github.com/docgate-service/internal/service"
	"github.com/docgate-service/internal/store"
)

type staticFetcher struct{}

func (staticFetcher) Fetch(_ context.Context, registry docs.Registry, name string) (*docs.Package, error) {
	return &docs.Package{Registry: registry, Name: name}, nil
}

func newTestServer(t *testing.T, trusted ...netip.Prefix) (*httptest.Server, *service.AuthManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{APIKeyPrefix: service.DefaultKeyPrefix, JWTTTL: time.Hour}
	reg := prometheus.NewRegistry()
	opts := []ratelimit.Option{ratelimit.WithMetrics(ratelimit.NewMetrics(reg))}
	admission := ratelimit.NewAdmission(
		ratelimit.New(rdb, opts...),
		ratelimit.NewCostLedger(rdb, opts...),
		ratelimit.NewDDoSGuard(ratelimit.DDoSSettings{}, opts...),
		ratelimit.NewBreakers(nil, opts...),
	)

	keys := store.NewRedis(rdb, time.Second)
	tokens, err := service.NewTokenIssuer("0123456789abcdef0123456789abcdef", "docgate-test", time.Hour)
	require.NoError(t, err)
	auditor := service.NewAuditor(nil)
	auth := service.NewAuthManager(keys, tokens, service.NewUsageRecorder(keys, 0),
		service.WithAuditor(auditor), service.WithAuthMetrics(service.NewMetrics(reg)))

	srv := httptest.NewServer(newRouter(routerDeps{
		cfg:            cfg,
		trustedProxies: trusted,
		auth:           auth,
		auditor:        auditor,
		admission:      admission,
		fetcher:        staticFetcher{},
		health:         handler.NewHealthHandler(keys, nil, admission.Breakers(), "test"),
		metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}))
	t.Cleanup(srv.Close)
	return srv, auth
}

func request(t *testing.T, method, url, apiKey, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouter(t *testing.T) {
	srv, auth := newTestServer(t)
	ctx := context.Background()

	adminKey, _, err := auth.GenerateAPIKey(ctx, service.GenerateInput{Owner: "root", Role: model.RoleAdmin})
	require.NoError(t, err)

	t.Run("health and metrics are public", func(t *testing.T) {
		resp := request(t, http.MethodGet, srv.URL+"/healthz", "", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

		resp = request(t, http.MethodGet, srv.URL+"/metrics", "", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("anonymous docs carry rate limit headers", func(t *testing.T) {
		resp := request(t, http.MethodGet, srv.URL+"/v1/docs/pypi/requests", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))
	})

	t.Run("admin routes require the admin role", func(t *testing.T) {
		resp := request(t, http.MethodGet, srv.URL+"/admin/api-keys?owner=root", "", "")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = request(t, http.MethodGet, srv.URL+"/admin/api-keys?owner=root", "docgate_mcp_bogus_key", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("admin issues a key that can mint a token", func(t *testing.T) {
		resp := request(t, http.MethodPost, srv.URL+"/admin/api-keys", adminKey, `{"owner":"erin","role":"premium"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var created struct {
			APIKey string `json:"api_key"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

		resp = request(t, http.MethodPost, srv.URL+"/v1/token", created.APIKey, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var tok handler.TokenResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))

		req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/usage", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		usageResp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer usageResp.Body.Close()
		assert.Equal(t, http.StatusOK, usageResp.StatusCode)
	})

	t.Run("non-json bodies are rejected", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/admin/api-keys", strings.NewReader("owner=x"))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-API-Key", adminKey)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	})
}

func TestIPAllowListUsesConnectionAddress(t *testing.T) {
	send := func(t *testing.T, srv *httptest.Server, apiKey string) int {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/info", nil)
		require.NoError(t, err)
		req.Header.Set("X-API-Key", apiKey)
		req.Header.Set("X-Forwarded-For", "1.2.3.4")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}
	input := service.GenerateInput{Owner: "frank", Role: model.RoleBasic, IPAllowList: []string{"1.2.3.4"}}

	t.Run("forwarded header from an untrusted peer is ignored", func(t *testing.T) {
		srv, auth := newTestServer(t)
		key, _, err := auth.GenerateAPIKey(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, send(t, srv, key))
	})

	t.Run("forwarded header from a trusted proxy is honoured", func(t *testing.T) {
		srv, auth := newTestServer(t, netip.MustParsePrefix("127.0.0.0/8"), netip.MustParsePrefix("::1/128"))
		key, _, err := auth.GenerateAPIKey(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, send(t, srv, key))
	})
}
