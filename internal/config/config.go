package config

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Port        int      `env:"PORT,default=8080"`
	LogLevel    string   `env:"LOG_LEVEL,default=info"`
	LogFormat   string   `env:"LOG_FORMAT,default=json"`
	CORSOrigins []string `env:"CORS_ORIGINS"`

	// Proxies whose X-Forwarded-For and X-Real-IP headers are believed. CIDRs
	// or bare addresses. Empty means the connection address is always used.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// Shared store. Without REDIS_URL an embedded in-memory store is used and
	// nothing is shared between processes.
	RedisURL     string        `env:"REDIS_URL"`
	RedisTimeout time.Duration `env:"REDIS_TIMEOUT,default=250ms"`

	// Optional audit trail.
	DatabaseURL string `env:"DATABASE_URL"`

	APIKeyPrefix        string        `env:"API_KEY_PREFIX,default=docgate_mcp"`
	JWTSecret           string        `env:"JWT_SECRET,required"`
	JWTIssuer           string        `env:"JWT_ISSUER,default=docgate"`
	JWTTTL              time.Duration `env:"JWT_TTL,default=1h"`
	KeyCacheTTL         time.Duration `env:"KEY_CACHE_TTL,default=5m"`
	FallbackDivisor     int           `env:"RATE_LIMIT_FALLBACK_DIVISOR,default=2"`
	UsageQueueSize      int           `env:"USAGE_QUEUE_SIZE,default=1024"`
	BootstrapAdminOwner string        `env:"BOOTSTRAP_ADMIN_OWNER"`

	DocsPyPIURL   string `env:"DOCS_PYPI_URL,default=https://pypi.org/pypi"`
	DocsNPMURL    string `env:"DOCS_NPM_URL,default=https://registry.npmjs.org"`
	DocsGitHubURL string `env:"DOCS_GITHUB_URL,default=https://api.github.com/repos"`

	// HTTP server timeouts
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT,default=30s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT,default=60s"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT,default=10s"`
}

func Load() (*Config, error) {
	return load(context.Background(), nil)
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	c := &envconfig.Config{Target: &cfg, Lookuper: lookuper}
	if lookuper == nil {
		c.Lookuper = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, c); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("LOG_FORMAT must be 'json' or 'console', got %q", c.LogFormat)
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if c.APIKeyPrefix == "" {
		return fmt.Errorf("API_KEY_PREFIX must not be empty")
	}
	if c.FallbackDivisor < 1 {
		return fmt.Errorf("RATE_LIMIT_FALLBACK_DIVISOR must be at least 1, got %d", c.FallbackDivisor)
	}
	if c.UsageQueueSize < 0 {
		return fmt.Errorf("USAGE_QUEUE_SIZE must not be negative, got %d", c.UsageQueueSize)
	}
	if c.RedisTimeout <= 0 {
		return fmt.Errorf("REDIS_TIMEOUT must be positive, got %s", c.RedisTimeout)
	}
	if c.KeyCacheTTL <= 0 {
		return fmt.Errorf("KEY_CACHE_TTL must be positive, got %s", c.KeyCacheTTL)
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	for name, raw := range map[string]string{
		"DOCS_PYPI_URL":   c.DocsPyPIURL,
		"DOCS_NPM_URL":    c.DocsNPMURL,
		"DOCS_GITHUB_URL": c.DocsGitHubURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host
// prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: invalid CIDR %q", raw)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: invalid address %q", raw)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
