package taskplane

import (
	"time"

	"github.com/taskplane/taskplane/internal/authtoken"
)

// MintDelegateToken creates a token a delegate can present on the RPC
// channel, encrypted with the given account or named-token key.
//
// A zero expiry mints a non-expiring token. The key must be 32 bytes; it is
// either the account's shared key or the Value of a provisioned named
// token.
//
// Example:
//
//	token, err := taskplane.MintDelegateToken(key, "acme", "delegate-1", time.Now().Add(24*time.Hour))
func MintDelegateToken(key []byte, accountID, delegateID string, expiry time.Time) (string, error) {
	claims := authtoken.Claims{
		AccountID:  accountID,
		DelegateID: delegateID,
	}
	if !expiry.IsZero() {
		claims.ExpiresAt = expiry.Unix()
	}

	return authtoken.Mint(key, claims)
}
