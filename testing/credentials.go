package testing

import (
	"context"
	"sync"

	"github.com/taskplane/taskplane/types"
)

// MemoryCredentials is an in-memory types.CredentialSource for auth gate
// tests. All mutators are safe for concurrent use with the source methods.
type MemoryCredentials struct {
	mu       sync.Mutex
	accounts map[string]*memAccount
}

type memAccount struct {
	key           []byte
	defaultStatus types.TokenStatus
	tokens        []types.DelegateToken
}

var _ types.CredentialSource = (*MemoryCredentials)(nil)

// NewMemoryCredentials creates an empty credential source.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{accounts: make(map[string]*memAccount)}
}

// SetAccount registers (or replaces) an account with the given default
// token key, marked active.
func (m *MemoryCredentials) SetAccount(accountID string, key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts[accountID] = &memAccount{
		key:           append([]byte(nil), key...),
		defaultStatus: types.TokenActive,
	}
}

// RevokeDefault marks the account's default token revoked.
func (m *MemoryCredentials) RevokeDefault(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acct, ok := m.accounts[accountID]; ok {
		acct.defaultStatus = types.TokenRevoked
	}
}

// AddToken adds a named delegate token to the account.
func (m *MemoryCredentials) AddToken(accountID string, token types.DelegateToken) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acct, ok := m.accounts[accountID]; ok {
		acct.tokens = append(acct.tokens, token)
	}
}

// RevokeToken marks the named delegate token revoked.
func (m *MemoryCredentials) RevokeToken(accountID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return
	}

	for i := range acct.tokens {
		if acct.tokens[i].Name == name {
			acct.tokens[i].Status = types.TokenRevoked
		}
	}
}

func (m *MemoryCredentials) AccountKey(ctx context.Context, accountID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, types.ErrAccessDenied
	}

	return append([]byte(nil), acct.key...), nil
}

func (m *MemoryCredentials) DefaultTokenStatus(ctx context.Context, accountID string) (types.TokenStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return types.TokenRevoked, types.ErrAccessDenied
	}

	return acct.defaultStatus, nil
}

func (m *MemoryCredentials) DelegateTokens(ctx context.Context, accountID string) ([]types.DelegateToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, types.ErrAccessDenied
	}

	out := make([]types.DelegateToken, len(acct.tokens))
	copy(out, acct.tokens)

	return out, nil
}
