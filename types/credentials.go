package types

import "context"

// TokenStatus is the provisioning state of a delegate token.
type TokenStatus int

const (
	// TokenActive means the token may authenticate delegate calls.
	TokenActive TokenStatus = iota

	// TokenRevoked means the token has been retired and must be rejected.
	// Revocation takes effect within the auth gate's cache TTL window.
	TokenRevoked
)

// String returns the string representation of the status.
func (s TokenStatus) String() string {
	switch s {
	case TokenActive:
		return "Active"
	case TokenRevoked:
		return "Revoked"
	default:
		return "Unknown"
	}
}

// DelegateToken is a named per-delegate credential for an account.
//
// Value is the symmetric key the token was minted with, not the token
// itself; the auth gate attempts decryption of a presented token against
// each candidate key.
type DelegateToken struct {
	// Name identifies the token for audit purposes.
	Name string `json:"name"`

	// Value is the 32-byte AES key backing the token.
	Value []byte `json:"value"`

	// Status is the provisioning state.
	Status TokenStatus `json:"status"`
}

// CredentialSource resolves account credentials for the auth gate.
//
// Implementations back the gate's read-through caches and may block on
// external storage; the gate bounds how often they are consulted via TTLs.
type CredentialSource interface {
	// AccountKey returns the account's single shared ("default") token key.
	// Returns ErrAccessDenied when the account is unknown.
	AccountKey(ctx context.Context, accountID string) ([]byte, error)

	// DefaultTokenStatus returns the provisioning status of the account's
	// default token.
	DefaultTokenStatus(ctx context.Context, accountID string) (TokenStatus, error)

	// DelegateTokens returns all named per-delegate tokens for the account,
	// both active and revoked.
	DelegateTokens(ctx context.Context, accountID string) ([]DelegateToken, error)
}

// CallIdentity is the authenticated identity of a delegate RPC, produced by
// the auth gate and attached to the call context before the handler runs.
type CallIdentity struct {
	// AccountID is the authenticated tenant.
	AccountID string

	// DelegateID is the calling delegate.
	DelegateID string

	// TokenName is the named token that authenticated the call, or empty
	// when the account's default token was used. Recorded for audit.
	TokenName string
}
