package model

import (
	"fmt"
	"time"
)

// KeyClass determines the default lifetime of an API key.
type KeyClass string

const (
	KeyClassTemporary KeyClass = "temp"
	KeyClassStandard  KeyClass = "standard"
	KeyClassPremium   KeyClass = "premium"
	KeyClassPermanent KeyClass = "permanent"
)

// MaxKeyLifetime bounds how long a key record may live in the shared store.
const MaxKeyLifetime = 366 * 24 * time.Hour

// Lifetime returns the default lifetime for the class. Permanent keys return 0.
func (c KeyClass) Lifetime() time.Duration {
	switch c {
	case KeyClassTemporary:
		return 24 * time.Hour
	case KeyClassStandard:
		return 30 * 24 * time.Hour
	case KeyClassPremium:
		return 365 * 24 * time.Hour
	default:
		return 0
	}
}

// ExpiresAt returns the expiry for a key created at createdAt, or nil if the
// class never expires.
func (c KeyClass) ExpiresAt(createdAt time.Time) *time.Time {
	lifetime := c.Lifetime()
	if lifetime == 0 {
		return nil
	}
	t := createdAt.Add(lifetime)
	return &t
}

func ParseKeyClass(s string) (KeyClass, error) {
	switch c := KeyClass(s); c {
	case KeyClassTemporary, KeyClassStandard, KeyClassPremium, KeyClassPermanent:
		return c, nil
	case "":
		return KeyClassStandard, nil
	default:
		return "", fmt.Errorf("unknown key class %q", s)
	}
}

// APIKey is the persisted record of an issued API key. Only the hash of the
// full credential is stored.
type APIKey struct {
	ID          string     `json:"id"`
	KeyHash     string     `json:"key_hash"`
	Owner       string     `json:"owner"`
	Role        Role       `json:"role"`
	Class       KeyClass   `json:"key_class"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	Active      bool       `json:"active"`
	Description string     `json:"description"`
	IPAllowList []string   `json:"ip_allow_list"`
	UsageCount  int64      `json:"usage_count"`
	LastUsedAt  *time.Time `json:"last_used_at"`
}

// Expired reports whether the key has passed its expiry at now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// AllowsIP reports whether ip passes the key's allow-list. An empty list
// allows any address.
func (k *APIKey) AllowsIP(ip string) bool {
	if len(k.IPAllowList) == 0 {
		return true
	}
	for _, allowed := range k.IPAllowList {
		if allowed == ip {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so cached records are never shared.
func (k *APIKey) Clone() *APIKey {
	c := *k
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		c.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		c.LastUsedAt = &t
	}
	if k.IPAllowList != nil {
		c.IPAllowList = append([]string(nil), k.IPAllowList...)
	}
	return &c
}
