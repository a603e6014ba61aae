package authgate

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/taskplane/taskplane/internal/authtoken"
	tptest "github.com/taskplane/taskplane/testing"
	"github.com/taskplane/taskplane/types"
)

func newKey(t *testing.T) []byte {
	t.Helper()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	return key
}

func mint(t *testing.T, key []byte, claims authtoken.Claims) string {
	t.Helper()

	token, err := authtoken.Mint(key, claims)
	require.NoError(t, err)

	return token
}

func TestAuthenticateDefaultToken(t *testing.T) {
	creds := tptest.NewMemoryCredentials()
	key := newKey(t)
	creds.SetAccount("acme", key)

	gate := New(creds, Config{})
	token := mint(t, key, authtoken.Claims{AccountID: "acme"})

	identity, err := gate.Authenticate(context.Background(), "acme", "delegate-1", token)
	require.NoError(t, err)
	require.Equal(t, "acme", identity.AccountID)
	require.Equal(t, "delegate-1", identity.DelegateID)
	require.Empty(t, identity.TokenName)
}

func TestAuthenticateNamedToken(t *testing.T) {
	creds := tptest.NewMemoryCredentials()
	creds.SetAccount("acme", newKey(t))

	namedKey := newKey(t)
	creds.AddToken("acme", types.DelegateToken{
		Name:   "ci-runner",
		Value:  namedKey,
		Status: types.TokenActive,
	})

	gate := New(creds, Config{})
	token := mint(t, namedKey, authtoken.Claims{AccountID: "acme"})

	identity, err := gate.Authenticate(context.Background(), "acme", "delegate-1", token)
	require.NoError(t, err)
	require.Equal(t, "ci-runner", identity.TokenName)
}

func TestAuthenticateRevokedDefaultSkipsSharedKey(t *testing.T) {
	creds := tptest.NewMemoryCredentials()
	key := newKey(t)
	creds.SetAccount("acme", key)
	creds.RevokeDefault("acme")

	gate := New(creds, Config{})
	token := mint(t, key, authtoken.Claims{AccountID: "acme"})

	// The token decrypts fine against the shared key, but that path must
	// not even be attempted once the default token is revoked.
	_, err := gate.Authenticate(context.Background(), "acme", "delegate-1", token)
	require.ErrorIs(t, err, types.ErrInvalidToken)
}

func TestAuthenticateRevokedNamedToken(t *testing.T) {
	creds := tptest.NewMemoryCredentials()
	creds.SetAccount("acme", newKey(t))

	revokedKey := newKey(t)
	creds.AddToken("acme", types.DelegateToken{
		Name:   "retired",
		Value:  revokedKey,
		Status: types.TokenRevoked,
	})

	gate := New(creds, Config{})
	token := mint(t, revokedKey, authtoken.Claims{AccountID: "acme"})

	_, err := gate.Authenticate(context.Background(), "acme", "delegate-1", token)
	require.ErrorIs(t, err, types.ErrRevokedToken)
}

func TestAuthenticateExpiredToken(t *testing.T) {
	creds := tptest.NewMemoryCredentials()
	key := newKey(t)
	creds.SetAccount("acme", key)

	mock := clock.NewMock()
	mock.Set(time.Unix(5000, 0))

	gate := New(creds, Config{}, WithClock(mock))
	token := mint(t, key, authtoken.Claims{AccountID: "acme", ExpiresAt: 4000})

	_, err := gate.Authenticate(context.Background(), "acme", "delegate-1", token)
	require.ErrorIs(t, err, types.ErrExpiredToken)

	// Same token is fine when the clock is behind the expiry.
	mock.Set(time.Unix(3000, 0))
	gate.Invalidate("acme")

	_, err = gate.Authenticate(context.Background(), "acme", "delegate-1", token)
	require.NoError(t, err)
}

func TestAuthenticateWrongAccountClaims(t *testing.T) {
	creds := tptest.NewMemoryCredentials()
	key := newKey(t)
	creds.SetAccount("acme", key)

	gate := New(creds, Config{})
	token := mint(t, key, authtoken.Claims{AccountID: "someone-else"})

	_, err := gate.Authenticate(context.Background(), "acme", "delegate-1", token)
	require.ErrorIs(t, err, types.ErrInvalidToken)
}

func TestAuthenticateUnknownAccount(t *testing.T) {
	gate := New(tptest.NewMemoryCredentials(), Config{})

	_, err := gate.Authenticate(context.Background(), "ghost", "delegate-1", "anything")
	require.ErrorIs(t, err, types.ErrAccessDenied)
}

func TestAuthenticateMissingIdentity(t *testing.T) {
	gate := New(tptest.NewMemoryCredentials(), Config{})

	_, err := gate.Authenticate(context.Background(), "", "delegate-1", "token")
	require.ErrorIs(t, err, types.ErrAccessDenied)

	_, err = gate.Authenticate(context.Background(), "acme", "delegate-1", "")
	require.ErrorIs(t, err, types.ErrAccessDenied)
}

func TestRevocationVisibleWithinTTL(t *testing.T) {
	creds := tptest.NewMemoryCredentials()
	key := newKey(t)
	creds.SetAccount("acme", key)

	// Tiny real TTLs: the expirable cache keeps wall-clock time internally,
	// so this test sleeps instead of using the mock clock.
	gate := New(creds, Config{
		AccountKeyTTL:  50 * time.Millisecond,
		TokenStatusTTL: 20 * time.Millisecond,
	})

	token := mint(t, key, authtoken.Claims{AccountID: "acme"})

	_, err := gate.Authenticate(context.Background(), "acme", "delegate-1", token)
	require.NoError(t, err)

	creds.RevokeDefault("acme")

	// Still cached as active immediately after revocation.
	_, err = gate.Authenticate(context.Background(), "acme", "delegate-1", token)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := gate.Authenticate(context.Background(), "acme", "delegate-1", token)
		return err != nil
	}, time.Second, 10*time.Millisecond, "revocation never propagated past the cache TTL")
}

func TestInvalidateBypassesCaches(t *testing.T) {
	creds := tptest.NewMemoryCredentials()
	key := newKey(t)
	creds.SetAccount("acme", key)

	gate := New(creds, Config{})
	token := mint(t, key, authtoken.Claims{AccountID: "acme"})

	_, err := gate.Authenticate(context.Background(), "acme", "delegate-1", token)
	require.NoError(t, err)

	creds.RevokeDefault("acme")
	gate.Invalidate("acme")

	_, err = gate.Authenticate(context.Background(), "acme", "delegate-1", token)
	require.ErrorIs(t, err, types.ErrInvalidToken)
}
