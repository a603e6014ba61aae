package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/taskplane/taskplane/internal/kvutil"
	"github.com/taskplane/taskplane/internal/natsutil"
	"github.com/taskplane/taskplane/types"
)

const accountKeyPrefix = "acct."

// CredentialConfig configures the credentials bucket.
type CredentialConfig struct {
	// Bucket is the bucket name for account credentials.
	Bucket string

	// Replicas is the JetStream replica count.
	Replicas int
}

// SetDefaults fills in missing configuration values.
func (c *CredentialConfig) SetDefaults() {
	if c.Bucket == "" {
		c.Bucket = "taskplane-credentials"
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
}

// AccountCredentials is the stored credential set of one account.
type AccountCredentials struct {
	// Key is the account's single shared token key (the legacy/default
	// path of the auth gate).
	Key []byte `json:"key"`

	// DefaultStatus is the provisioning status of the default token.
	DefaultStatus types.TokenStatus `json:"default_status"`

	// Tokens are the named per-delegate tokens, active and revoked.
	Tokens []types.DelegateToken `json:"tokens,omitempty"`
}

// CredentialStore is a NATS KV backed types.CredentialSource with
// provisioning helpers for operators.
type CredentialStore struct {
	kv jetstream.KeyValue
}

// Compile-time assertion that CredentialStore implements CredentialSource.
var _ types.CredentialSource = (*CredentialStore)(nil)

// NewCredentialStore creates or opens the credentials bucket.
func NewCredentialStore(ctx context.Context, js jetstream.JetStream, cfg CredentialConfig) (*CredentialStore, error) {
	cfg.SetDefaults()

	kv, err := kvutil.EnsureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Replicas: cfg.Replicas,
		Storage:  jetstream.FileStorage,
	}, 0)
	if err != nil {
		return nil, natsutil.WrapStoreErr("open credentials bucket", err)
	}

	return &CredentialStore{kv: kv}, nil
}

func (c *CredentialStore) load(ctx context.Context, accountID string) (*AccountCredentials, uint64, error) {
	entry, err := c.kv.Get(ctx, accountKeyPrefix+accountID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("account %s: %w", accountID, types.ErrAccessDenied)
		}

		return nil, 0, natsutil.WrapStoreErr("get account credentials", err)
	}

	var creds AccountCredentials
	if err := json.Unmarshal(entry.Value(), &creds); err != nil {
		return nil, 0, fmt.Errorf("decode account credentials: %w", err)
	}

	return &creds, entry.Revision(), nil
}

// AccountKey returns the account's shared token key.
func (c *CredentialStore) AccountKey(ctx context.Context, accountID string) ([]byte, error) {
	creds, _, err := c.load(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if len(creds.Key) == 0 {
		return nil, fmt.Errorf("account %s has no key: %w", accountID, types.ErrAccessDenied)
	}

	return creds.Key, nil
}

// DefaultTokenStatus returns the default token's provisioning status.
func (c *CredentialStore) DefaultTokenStatus(ctx context.Context, accountID string) (types.TokenStatus, error) {
	creds, _, err := c.load(ctx, accountID)
	if err != nil {
		return types.TokenActive, err
	}

	return creds.DefaultStatus, nil
}

// DelegateTokens returns the account's named tokens.
func (c *CredentialStore) DelegateTokens(ctx context.Context, accountID string) ([]types.DelegateToken, error) {
	creds, _, err := c.load(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return creds.Tokens, nil
}

// PutAccount provisions or replaces an account's credential set.
func (c *CredentialStore) PutAccount(ctx context.Context, accountID string, creds AccountCredentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode account credentials: %w", err)
	}

	if _, err := c.kv.Put(ctx, accountKeyPrefix+accountID, data); err != nil {
		return natsutil.WrapStoreErr("put account credentials", err)
	}

	return nil
}

// RevokeDefaultToken marks the account's default token revoked.
//
// Takes effect for delegates within the auth gate's status cache TTL.
func (c *CredentialStore) RevokeDefaultToken(ctx context.Context, accountID string) error {
	return c.mutate(ctx, accountID, func(creds *AccountCredentials) {
		creds.DefaultStatus = types.TokenRevoked
	})
}

// UpsertDelegateToken adds or replaces a named token.
func (c *CredentialStore) UpsertDelegateToken(ctx context.Context, accountID string, token types.DelegateToken) error {
	return c.mutate(ctx, accountID, func(creds *AccountCredentials) {
		for i, existing := range creds.Tokens {
			if existing.Name == token.Name {
				creds.Tokens[i] = token
				return
			}
		}

		creds.Tokens = append(creds.Tokens, token)
	})
}

// RevokeDelegateToken marks the named token revoked, keeping it listed so
// the auth gate can report its use specifically.
func (c *CredentialStore) RevokeDelegateToken(ctx context.Context, accountID, name string) error {
	return c.mutate(ctx, accountID, func(creds *AccountCredentials) {
		for i, existing := range creds.Tokens {
			if existing.Name == name {
				creds.Tokens[i].Status = types.TokenRevoked
				return
			}
		}
	})
}

// mutate applies fn under a revision CAS, retrying on conflicts.
func (c *CredentialStore) mutate(ctx context.Context, accountID string, fn func(*AccountCredentials)) error {
	for attempt := 0; attempt < defaultCASRetries; attempt++ {
		creds, rev, err := c.load(ctx, accountID)
		if err != nil {
			return err
		}

		fn(creds)

		data, err := json.Marshal(creds)
		if err != nil {
			return fmt.Errorf("encode account credentials: %w", err)
		}

		_, err = c.kv.Update(ctx, accountKeyPrefix+accountID, data, rev)
		if err == nil {
			return nil
		}

		if natsutil.IsConnectivityError(err) {
			return natsutil.WrapStoreErr("update account credentials", err)
		}
	}

	return fmt.Errorf("update account %s credentials: retries exhausted", accountID)
}
