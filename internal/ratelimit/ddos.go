package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DDoSGuard escalates addresses that keep getting denied. An address marked
// suspicious and seen again within the grace window is blocked.
type DDoSGuard struct {
	mu            sync.Mutex
	suspicious    map[string]time.Time
	blocked       map[string]time.Time
	grace         time.Duration
	suspicionTTL  time.Duration
	blockDuration time.Duration
	lastCleanup   time.Time
	cleanupEvery  time.Duration
	now           func() time.Time
	metrics       *Metrics
}

// DDoSSettings configures a DDoSGuard. Zero values take the defaults.
type DDoSSettings struct {
	Grace         time.Duration // 5m
	SuspicionTTL  time.Duration // 1h
	BlockDuration time.Duration // 24h
}

func NewDDoSGuard(settings DDoSSettings, opts ...Option) *DDoSGuard {
	cfg := newOptions(opts)
	if settings.Grace <= 0 {
		settings.Grace = 5 * time.Minute
	}
	if settings.SuspicionTTL <= 0 {
		settings.SuspicionTTL = time.Hour
	}
	if settings.BlockDuration <= 0 {
		settings.BlockDuration = 24 * time.Hour
	}
	return &DDoSGuard{
		suspicious:    make(map[string]time.Time),
		blocked:       make(map[string]time.Time),
		grace:         settings.Grace,
		suspicionTTL:  settings.SuspicionTTL,
		blockDuration: settings.BlockDuration,
		lastCleanup:   cfg.now(),
		cleanupEvery:  time.Minute,
		now:           cfg.now,
		metrics:       cfg.metrics,
	}
}

// IsSuspicious reports whether ip should be refused outright. A recent
// suspicion mark is promoted to a block here.
func (g *DDoSGuard) IsSuspicious(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.cleanupLocked(now)

	if start, ok := g.blocked[ip]; ok {
		if now.Sub(start) < g.blockDuration {
			return true
		}
		delete(g.blocked, ip)
	}

	flagged, ok := g.suspicious[ip]
	if !ok {
		return false
	}
	if now.Sub(flagged) >= g.suspicionTTL {
		delete(g.suspicious, ip)
		return false
	}
	if now.Sub(flagged) < g.grace {
		g.blocked[ip] = now
		g.metrics.ipBlocked()
		log.Warn().Str("client_ip", ip).Dur("duration", g.blockDuration).Msg("blocking address after repeated denials")
		return true
	}
	return false
}

// MarkSuspicious flags ip after a rate-limit denial.
func (g *DDoSGuard) MarkSuspicious(ip string) {
	if ip == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspicious[ip] = g.now()
}

// Block blocks ip for the configured block duration.
func (g *DDoSGuard) Block(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked[ip] = g.now()
	g.metrics.ipBlocked()
}

// Unblock clears both the block and any suspicion mark for ip.
func (g *DDoSGuard) Unblock(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blocked, ip)
	delete(g.suspicious, ip)
}

// BlockRemaining returns how long ip stays blocked, or 0.
func (g *DDoSGuard) BlockRemaining(ip string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	start, ok := g.blocked[ip]
	if !ok {
		return 0
	}
	left := start.Add(g.blockDuration).Sub(g.now())
	if left < 0 {
		return 0
	}
	return left
}

func (g *DDoSGuard) cleanupLocked(now time.Time) {
	if now.Sub(g.lastCleanup) < g.cleanupEvery {
		return
	}

	for ip, flagged := range g.suspicious {
		if now.Sub(flagged) >= g.suspicionTTL {
			delete(g.suspicious, ip)
		}
	}
	for ip, start := range g.blocked {
		if now.Sub(start) >= g.blockDuration {
			delete(g.blocked, ip)
		}
	}

	g.lastCleanup = now
}
