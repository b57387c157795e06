package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/docgate-service/internal/model"
	"github.com/docgate-service/internal/store"
	"github.com/docgate-service/internal/validation"
)

const (
	DefaultKeyPrefix = "docgate_mcp"

	keyIDBytes     = 16
	keySecretBytes = 32
	usageHistory   = 24
	maxIDAttempts  = 3
)

// Failure reasons reported in AuthResult.Error. Unknown ids, malformed
// credentials and hash mismatches share one reason.
const (
	ReasonInvalidKey   = "invalid API key"
	ReasonKeyDisabled  = "API key is disabled"
	ReasonKeyExpired   = "API key has expired"
	ReasonIPNotAllowed = "IP address not authorized"
	ReasonInvalidToken = "invalid token"
)

// Credentials are the raw authentication inputs of a request.
type Credentials struct {
	APIKey   string // X-API-Key
	Bearer   string // Authorization: Bearer
	ClientIP string
}

// GenerateInput contains the parameters for issuing a new API key.
type GenerateInput struct {
	Owner       string
	Role        model.Role
	Class       model.KeyClass
	Description string
	IPAllowList []string
}

// RevocationBus carries revoked key ids between instances that share the key
// store.
type RevocationBus interface {
	PublishKeyRevoked(ctx context.Context, id string) error
	WatchKeyRevocations(ctx context.Context, onRevoke func(id string)) error
}

// AuthManager issues, verifies and revokes API keys and access tokens.
type AuthManager struct {
	keys    store.APIKeyStore
	archive store.APIKeyArchive
	bus     RevocationBus
	cache   *KeyCache
	usage   *UsageRecorder
	tokens  *TokenIssuer
	audit   *Auditor
	metrics *Metrics
	prefix  string
	now     func() time.Time
}

type AuthOption func(*AuthManager)

// WithArchive mirrors key metadata to a durable archive.
func WithArchive(a store.APIKeyArchive) AuthOption {
	return func(m *AuthManager) { m.archive = a }
}

// WithRevocationBus publishes revocations to, and drops cached keys revoked
// by, other instances.
func WithRevocationBus(b RevocationBus) AuthOption {
	return func(m *AuthManager) { m.bus = b }
}

func WithAuditor(a *Auditor) AuthOption {
	return func(m *AuthManager) { m.audit = a }
}

func WithAuthMetrics(mt *Metrics) AuthOption {
	return func(m *AuthManager) { m.metrics = mt }
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) AuthOption {
	return func(m *AuthManager) { m.prefix = prefix }
}

// WithCacheTTL sets how long looked-up key records are trusted.
func WithCacheTTL(ttl time.Duration) AuthOption {
	return func(m *AuthManager) { m.cache = NewKeyCache(ttl) }
}

func NewAuthManager(keys store.APIKeyStore, tokens *TokenIssuer, usage *UsageRecorder, opts ...AuthOption) *AuthManager {
	m := &AuthManager{
		keys:   keys,
		tokens: tokens,
		usage:  usage,
		cache:  NewKeyCache(5 * time.Minute),
		prefix: DefaultKeyPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateAPIKey creates and stores a new key. The plaintext credential is
// returned once and never stored.
func (m *AuthManager) GenerateAPIKey(ctx context.Context, input GenerateInput) (string, *model.APIKey, error) {
	if err := validation.Owner(input.Owner); err != nil {
		return "", nil, NewBadRequest("invalid_request", err.Error())
	}
	if err := validation.Description(input.Description); err != nil {
		return "", nil, NewBadRequest("invalid_request", err.Error())
	}
	if err := validation.IPAllowList(input.IPAllowList); err != nil {
		return "", nil, NewBadRequest("invalid_request", err.Error())
	}
	if !input.Role.Valid() {
		return "", nil, NewBadRequest("invalid_request", "role is invalid")
	}
	if input.Class == "" {
		input.Class = model.KeyClassStandard
	}

	now := m.now().UTC()
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, secret, err := generateKeyParts()
		if err != nil {
			log.Error().Err(err).Msg("failed to generate API key")
			return "", nil, NewInternal("internal_error", "Failed to create API key")
		}
		credential := m.prefix + "_" + id + "_" + secret

		key := &model.APIKey{
			ID:          id,
			KeyHash:     SHA256Hex(credential),
			Owner:       input.Owner,
			Role:        input.Role,
			Class:       input.Class,
			CreatedAt:   now,
			ExpiresAt:   input.Class.ExpiresAt(now),
			Active:      true,
			Description: input.Description,
			IPAllowList: input.IPAllowList,
		}

		err = m.keys.CreateAPIKey(ctx, key)
		if errors.Is(err, store.ErrKeyExists) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("owner", input.Owner).Msg("failed to create API key")
			return "", nil, NewUnavailable("store_unavailable", "Failed to create API key")
		}

		if m.archive != nil {
			if err := m.archive.ArchiveAPIKey(ctx, key); err != nil {
				log.Error().Err(err).Str("id", id).Msg("failed to archive API key")
			}
		}
		m.audit.Record(ctx, model.AdmissionEvent{Kind: model.EventKeyCreated, Identity: key.Owner, APIKeyID: key.ID})
		log.Info().Str("id", id).Str("owner", key.Owner).Str("role", key.Role.String()).Msg("api key created")
		return credential, key, nil
	}
	return "", nil, NewInternal("internal_error", "Failed to allocate a unique API key id")
}

// Authenticate verifies a plaintext credential. Rejections are returned as a
// failed result; the error is reserved for an unreachable store.
func (m *AuthManager) Authenticate(ctx context.Context, credential, clientIP string) (*model.AuthResult, error) {
	id, ok := m.parseCredential(credential)
	if !ok {
		return m.fail("api_key", "invalid", ReasonInvalidKey), nil
	}

	key, err := m.cache.Load(ctx, id, m.keys.GetAPIKey)
	if errors.Is(err, store.ErrNotFound) {
		return m.fail("api_key", "invalid", ReasonInvalidKey), nil
	}
	if err != nil {
		m.metrics.outcome("api_key", "store_unavailable")
		log.Error().Err(err).Str("key_id", id).Msg("api key lookup failed")
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if subtle.ConstantTimeCompare([]byte(SHA256Hex(credential)), []byte(key.KeyHash)) != 1 {
		return m.fail("api_key", "invalid", ReasonInvalidKey), nil
	}
	if !key.Active {
		return m.fail("api_key", "disabled", ReasonKeyDisabled), nil
	}
	now := m.now()
	if key.Expired(now) {
		return m.fail("api_key", "expired", ReasonKeyExpired), nil
	}
	if !key.AllowsIP(clientIP) {
		return m.fail("api_key", "ip_denied", ReasonIPNotAllowed), nil
	}

	if m.usage != nil {
		m.usage.Record(ctx, key.ID, key.Owner, now)
	}
	m.metrics.outcome("api_key", "success")

	key.KeyHash = ""
	profile := model.ProfileFor(key.Role)
	return &model.AuthResult{
		Success:   true,
		Identity:  key.Owner,
		Role:      key.Role,
		APIKey:    key,
		RateLimit: &profile,
	}, nil
}

// parseCredential checks "<prefix>_<id>_<secret>" and returns the id. The
// prefix may itself contain underscores.
func (m *AuthManager) parseCredential(credential string) (string, bool) {
	if validation.Credential(credential) != nil {
		return "", false
	}
	rest, ok := strings.CutPrefix(credential, m.prefix+"_")
	if !ok {
		return "", false
	}
	parts := strings.Split(rest, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[0], true
}

// AuthenticateRequest picks the credential to check: X-API-Key first, then a
// bearer value, which is verified as a token when it is JWT-shaped. Requests
// without credentials authenticate as anonymous.
func (m *AuthManager) AuthenticateRequest(ctx context.Context, creds Credentials) (*model.AuthResult, error) {
	switch {
	case creds.APIKey != "":
		return m.Authenticate(ctx, creds.APIKey, creds.ClientIP)
	case creds.Bearer != "" && isTokenShaped(creds.Bearer):
		return m.VerifyToken(creds.Bearer), nil
	case creds.Bearer != "":
		return m.Authenticate(ctx, creds.Bearer, creds.ClientIP)
	default:
		m.metrics.outcome("anonymous", "success")
		return model.Anonymous(), nil
	}
}

func isTokenShaped(s string) bool {
	return strings.Count(s, ".") == 2
}

// Revoke deactivates a key and drops it from the cache.
func (m *AuthManager) Revoke(ctx context.Context, id string) error {
	key, err := m.keys.GetAPIKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return NewNotFound("not_found", "API key not found")
	}
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("failed to load API key")
		return NewUnavailable("store_unavailable", "Failed to revoke API key")
	}
	if !key.Active {
		return NewBadRequest("invalid_status", "API key is already revoked")
	}

	if err := m.keys.SetAPIKeyActive(ctx, id, false); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewNotFound("not_found", "API key not found")
		}
		log.Error().Err(err).Str("id", id).Msg("failed to revoke API key")
		return NewUnavailable("store_unavailable", "Failed to revoke API key")
	}
	m.cache.Invalidate(id)
	if m.bus != nil {
		if err := m.bus.PublishKeyRevoked(ctx, id); err != nil {
			log.Warn().Err(err).Str("id", id).Msg("failed to broadcast API key revocation")
		}
	}

	if m.archive != nil {
		if err := m.archive.MarkAPIKeyRevoked(ctx, id, m.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("id", id).Msg("failed to archive API key revocation")
		}
	}
	m.audit.Record(ctx, model.AdmissionEvent{Kind: model.EventKeyRevoked, Identity: key.Owner, APIKeyID: id})
	return nil
}

// WatchRevocations drops keys revoked elsewhere from the local cache until ctx
// is done.
func (m *AuthManager) WatchRevocations(ctx context.Context) error {
	if m.bus == nil {
		<-ctx.Done()
		return nil
	}
	return m.bus.WatchKeyRevocations(ctx, m.cache.Invalidate)
}

// IssueToken signs an access token for identity.
func (m *AuthManager) IssueToken(identity string, role model.Role, ttl time.Duration) (string, time.Time, error) {
	if m.tokens == nil {
		return "", time.Time{}, NewUnavailable("tokens_disabled", "Token issuing is not configured")
	}
	return m.tokens.Issue(identity, role, ttl)
}

// VerifyToken authenticates an access token. Invalid tokens yield a failed
// result.
func (m *AuthManager) VerifyToken(token string) *model.AuthResult {
	if m.tokens == nil {
		return m.fail("token", "invalid", ReasonInvalidToken)
	}
	claims, err := m.tokens.Verify(token)
	if err != nil {
		log.Debug().Err(err).Msg("token rejected")
		return m.fail("token", "invalid", ReasonInvalidToken)
	}
	m.metrics.outcome("token", "success")
	profile := model.ProfileFor(claims.Role)
	return &model.AuthResult{
		Success:   true,
		Identity:  claims.Subject,
		Role:      claims.Role,
		RateLimit: &profile,
	}
}

func (m *AuthManager) HasRole(result *model.AuthResult, required model.Role) bool {
	return result.HasRole(required)
}

func (m *AuthManager) IsAdmin(result *model.AuthResult) bool {
	return result.IsAdmin()
}

// GetKey returns the masked view of a key, falling back to the archive once
// the shared record has expired.
func (m *AuthManager) GetKey(ctx context.Context, id string) (*model.KeySummary, error) {
	key, err := m.keys.GetAPIKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) && m.archive != nil {
		key, err = m.archive.GetArchivedAPIKey(ctx, id)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewNotFound("not_found", "API key not found")
	}
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("failed to get API key")
		return nil, NewUnavailable("store_unavailable", "Failed to get API key")
	}
	summary := m.summarize(key)
	return &summary, nil
}

// ListKeys returns the owner's keys with masked credentials.
func (m *AuthManager) ListKeys(ctx context.Context, owner string) ([]model.KeySummary, error) {
	if err := validation.Owner(owner); err != nil {
		return nil, NewBadRequest("invalid_request", err.Error())
	}
	keys, err := m.keys.ListAPIKeysByOwner(ctx, owner)
	if err != nil {
		log.Error().Err(err).Str("owner", owner).Msg("failed to list API keys")
		return nil, NewUnavailable("store_unavailable", "Failed to list API keys")
	}
	out := make([]model.KeySummary, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.summarize(k))
	}
	return out, nil
}

// Usage reports the owner's keys and hourly request counts for the last day.
func (m *AuthManager) Usage(ctx context.Context, owner string) (*model.UsageReport, error) {
	keys, err := m.ListKeys(ctx, owner)
	if err != nil {
		return nil, err
	}
	history, err := m.keys.UsageHistory(ctx, owner, usageHistory, m.now())
	if err != nil {
		log.Error().Err(err).Str("owner", owner).Msg("failed to read usage history")
		return nil, NewUnavailable("store_unavailable", "Failed to read usage")
	}

	report := &model.UsageReport{Owner: owner, Keys: keys, History: history}
	for _, p := range history {
		report.TotalRequests += p.Requests
	}
	return report, nil
}

// EnsureBootstrapAdmin issues a permanent admin key for owner unless the
// owner already holds an active one. The credential is empty when nothing was
// issued.
func (m *AuthManager) EnsureBootstrapAdmin(ctx context.Context, owner string) (string, error) {
	keys, err := m.keys.ListAPIKeysByOwner(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("list bootstrap keys: %w", err)
	}
	now := m.now()
	for _, k := range keys {
		if k.Role == model.RoleAdmin && k.Active && !k.Expired(now) {
			return "", nil
		}
	}

	credential, _, err := m.GenerateAPIKey(ctx, GenerateInput{
		Owner:       owner,
		Role:        model.RoleAdmin,
		Class:       model.KeyClassPermanent,
		Description: "bootstrap admin key",
	})
	if err != nil {
		return "", fmt.Errorf("generate bootstrap key: %w", err)
	}
	return credential, nil
}

func (m *AuthManager) summarize(k *model.APIKey) model.KeySummary {
	return model.KeySummary{
		ID:          k.ID,
		Masked:      MaskKey(m.prefix, k.ID),
		Role:        k.Role,
		Class:       k.Class,
		Active:      k.Active,
		Description: k.Description,
		CreatedAt:   k.CreatedAt,
		ExpiresAt:   k.ExpiresAt,
		UsageCount:  k.UsageCount,
		LastUsedAt:  k.LastUsedAt,
	}
}

func (m *AuthManager) fail(method, outcome, reason string) *model.AuthResult {
	m.metrics.outcome(method, outcome)
	return model.Failed(reason)
}

// MaskKey renders a key for display without its secret.
func MaskKey(prefix, id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return prefix + "_" + id + "..."
}

func generateKeyParts() (id, secret string, err error) {
	b := make([]byte, keyIDBytes+keySecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("crypto/rand failed: %w", err)
	}
	return hex.EncodeToString(b[:keyIDBytes]), hex.EncodeToString(b[keyIDBytes:]), nil
}

// SHA256Hex returns the hex-encoded SHA-256 hash of the input.
func SHA256Hex(input string) string {
	h := sha256.Sum256([]byte(input))
	return hex.EncodeToString(h[:])
}
