// Package authgate validates delegate tokens before any control-plane RPC
// is allowed through.
//
// The gate sits on the hot path of every List/Context/Heartbeat call from
// every delegate in every account, so it authenticates in bounded, mostly
// cached time: the account key and the default-token status sit in
// short-TTL read-through caches, and only the slow path (named per-delegate
// tokens) hits the credential source directly.
//
// Staleness up to the cache TTL is an accepted, bounded trade-off: a
// revoked default token may still authenticate for up to the TTL window.
package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/raulk/clock"

	"github.com/taskplane/taskplane/internal/authtoken"
	"github.com/taskplane/taskplane/internal/logging"
	"github.com/taskplane/taskplane/internal/metrics"
	"github.com/taskplane/taskplane/types"
)

// Cache identifiers reported to metrics.
const (
	cacheAccountKey  = "account_key"
	cacheTokenStatus = "token_status"
)

// Config tunes the gate's caches.
type Config struct {
	// AccountKeyTTL is how long a loaded account key stays cached.
	AccountKeyTTL time.Duration

	// TokenStatusTTL is how long the default-token status stays cached.
	// Kept shorter than AccountKeyTTL so revocation propagates faster than
	// key rotation needs to.
	TokenStatusTTL time.Duration

	// CacheSize bounds each cache's entry count.
	CacheSize int
}

// SetDefaults fills in missing configuration values.
func (c *Config) SetDefaults() {
	if c.AccountKeyTTL <= 0 {
		c.AccountKeyTTL = 5 * time.Minute
	}
	if c.TokenStatusTTL <= 0 {
		c.TokenStatusTTL = 2 * time.Minute
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 4096
	}
}

// Option configures optional Gate dependencies.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithClock sets the clock used for token expiry checks.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// Gate authenticates delegate calls against account credentials.
//
// Stateless per call beyond its caches; safe for concurrent use.
type Gate struct {
	source types.CredentialSource

	keyCache    *expirable.LRU[string, []byte]
	statusCache *expirable.LRU[string, types.TokenStatus]

	logger  types.Logger
	metrics types.MetricsCollector
	clock   clock.Clock
}

// New creates a gate over the given credential source.
func New(source types.CredentialSource, cfg Config, opts ...Option) *Gate {
	cfg.SetDefaults()

	g := &Gate{
		source:      source,
		keyCache:    expirable.NewLRU[string, []byte](cfg.CacheSize, nil, cfg.AccountKeyTTL),
		statusCache: expirable.NewLRU[string, types.TokenStatus](cfg.CacheSize, nil, cfg.TokenStatusTTL),
		logger:      logging.NewNop(),
		metrics:     metrics.NewNop(),
		clock:       clock.New(),
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Authenticate validates the presented token for (accountID, delegateID).
//
// Validation order:
//  1. fast legacy path: decrypt against the account's shared key, skipped
//     when the cached default-token status is revoked
//  2. the account's active named tokens; a match tags the identity with
//     the token name for audit
//  3. revoked named tokens, only to distinguish "using a revoked token"
//     from "token is garbage"
//
// A token that decrypts but carries a past expiry fails with
// types.ErrExpiredToken regardless of which path matched.
func (g *Gate) Authenticate(ctx context.Context, accountID, delegateID, token string) (types.CallIdentity, error) {
	if accountID == "" || token == "" {
		g.metrics.RecordAuthOutcome("access_denied")
		return types.CallIdentity{}, types.ErrAccessDenied
	}

	identity, err := g.authenticate(ctx, accountID, delegateID, token)
	if err != nil {
		g.metrics.RecordAuthOutcome(outcomeFor(err))
		return types.CallIdentity{}, err
	}

	g.metrics.RecordAuthOutcome("ok")

	return identity, nil
}

func (g *Gate) authenticate(ctx context.Context, accountID, delegateID, token string) (types.CallIdentity, error) {
	key, err := g.accountKey(ctx, accountID)
	if err != nil {
		return types.CallIdentity{}, err
	}

	status, err := g.defaultTokenStatus(ctx, accountID)
	if err != nil {
		return types.CallIdentity{}, err
	}

	// Fast legacy path: the account's single shared key. Skipped entirely
	// when the default token is known revoked.
	if status != types.TokenRevoked {
		if claims, err := authtoken.Decrypt(key, token); err == nil {
			if claims.Expired(g.clock.Now()) {
				return types.CallIdentity{}, types.ErrExpiredToken
			}
			if claims.AccountID != accountID {
				return types.CallIdentity{}, types.ErrInvalidToken
			}

			return types.CallIdentity{AccountID: accountID, DelegateID: delegateID}, nil
		}
	}

	tokens, err := g.source.DelegateTokens(ctx, accountID)
	if err != nil {
		return types.CallIdentity{}, fmt.Errorf("load delegate tokens: %w", err)
	}

	for _, t := range tokens {
		if t.Status != types.TokenActive {
			continue
		}

		claims, err := authtoken.Decrypt(t.Value, token)
		if err != nil {
			continue
		}

		if claims.Expired(g.clock.Now()) {
			return types.CallIdentity{}, types.ErrExpiredToken
		}
		if claims.AccountID != accountID {
			return types.CallIdentity{}, types.ErrInvalidToken
		}

		return types.CallIdentity{AccountID: accountID, DelegateID: delegateID, TokenName: t.Name}, nil
	}

	// Nothing active matched. Walk revoked tokens purely so a delegate
	// running on retired credentials produces a specific, loggable failure.
	for _, t := range tokens {
		if t.Status != types.TokenRevoked {
			continue
		}

		if _, err := authtoken.Decrypt(t.Value, token); err == nil {
			g.logger.Warn("delegate presented revoked token",
				"account", accountID, "delegate", delegateID, "token", t.Name)

			return types.CallIdentity{}, types.ErrRevokedToken
		}
	}

	return types.CallIdentity{}, types.ErrInvalidToken
}

// accountKey returns the account's shared key, read through the cache.
func (g *Gate) accountKey(ctx context.Context, accountID string) ([]byte, error) {
	if key, ok := g.keyCache.Get(accountID); ok {
		g.metrics.RecordAuthCache(cacheAccountKey, true)
		return key, nil
	}

	g.metrics.RecordAuthCache(cacheAccountKey, false)

	key, err := g.source.AccountKey(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, types.ErrAccessDenied
	}

	g.keyCache.Add(accountID, key)

	return key, nil
}

// defaultTokenStatus returns the default token's status, read through the
// cache.
func (g *Gate) defaultTokenStatus(ctx context.Context, accountID string) (types.TokenStatus, error) {
	if status, ok := g.statusCache.Get(accountID); ok {
		g.metrics.RecordAuthCache(cacheTokenStatus, true)
		return status, nil
	}

	g.metrics.RecordAuthCache(cacheTokenStatus, false)

	status, err := g.source.DefaultTokenStatus(ctx, accountID)
	if err != nil {
		return types.TokenActive, fmt.Errorf("load default token status: %w", err)
	}

	g.statusCache.Add(accountID, status)

	return status, nil
}

// Invalidate drops the cached credentials for accountID. Provisioning
// flows call this after rotating keys so the next call reloads.
func (g *Gate) Invalidate(accountID string) {
	g.keyCache.Remove(accountID)
	g.statusCache.Remove(accountID)
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, types.ErrExpiredToken):
		return "expired"
	case errors.Is(err, types.ErrRevokedToken):
		return "revoked"
	case errors.Is(err, types.ErrInvalidToken):
		return "invalid"
	case errors.Is(err, types.ErrAccessDenied):
		return "access_denied"
	default:
		return "error"
	}
}
