package validation

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

const (
	MaxOwnerLength       = 128
	MaxDescriptionLength = 1000
	MaxPackageNameLength = 214
	MaxCredentialLength  = 128
	MaxIPAllowList       = 64
)

var (
	ownerPattern      = regexp.MustCompile(`^[a-zA-Z0-9._@-]+$`)
	packagePattern    = regexp.MustCompile(`^[a-zA-Z0-9._@/-]+$`)
	credentialPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Owner validates the identity an API key is issued to.
func Owner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("owner is required")
	}
	if len(owner) > MaxOwnerLength {
		return fmt.Errorf("owner must be at most %d characters", MaxOwnerLength)
	}
	if !ownerPattern.MatchString(owner) {
		return fmt.Errorf("owner contains invalid characters")
	}
	return nil
}

func Description(desc string) error {
	if len(desc) > MaxDescriptionLength {
		return fmt.Errorf("description must be at most %d characters", MaxDescriptionLength)
	}
	return nil
}

// IPAllowList validates that every entry is a unique IP address.
func IPAllowList(ips []string) error {
	if len(ips) > MaxIPAllowList {
		return fmt.Errorf("ip_allow_list must have at most %d entries", MaxIPAllowList)
	}
	seen := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		if _, err := netip.ParseAddr(ip); err != nil {
			return fmt.Errorf("invalid IP address %q", ip)
		}
		if _, exists := seen[ip]; exists {
			return fmt.Errorf("duplicate IP address %q is not allowed", ip)
		}
		seen[ip] = struct{}{}
	}
	return nil
}

// IP validates a single address, as used by the block endpoints.
func IP(ip string) error {
	if _, err := netip.ParseAddr(ip); err != nil {
		return fmt.Errorf("invalid IP address %q", ip)
	}
	return nil
}

// PackageName validates a registry package or repository name.
func PackageName(name string) error {
	if name == "" {
		return fmt.Errorf("package name is required")
	}
	if len(name) > MaxPackageNameLength {
		return fmt.Errorf("package name must be at most %d characters", MaxPackageNameLength)
	}
	if !packagePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("package name contains invalid characters")
	}
	return nil
}

// Credential rejects values that cannot be an API key before any lookup.
func Credential(s string) error {
	if s == "" || len(s) > MaxCredentialLength {
		return fmt.Errorf("invalid credential length")
	}
	if !credentialPattern.MatchString(s) {
		return fmt.Errorf("credential contains invalid characters")
	}
	return nil
}
