package natskv

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	tptest "github.com/taskplane/taskplane/testing"
	"github.com/taskplane/taskplane/types"
)

func newTestCredentialStore(t *testing.T) *CredentialStore {
	t.Helper()

	_, nc := tptest.StartEmbeddedNATS(t)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	cs, err := NewCredentialStore(context.Background(), js, CredentialConfig{
		Bucket: "test-credentials",
	})
	require.NoError(t, err)

	return cs
}

func randomKey(t *testing.T) []byte {
	t.Helper()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	return key
}

func TestPutAccountAndLoad(t *testing.T) {
	cs := newTestCredentialStore(t)
	ctx := context.Background()

	key := randomKey(t)

	require.NoError(t, cs.PutAccount(ctx, "acme", AccountCredentials{
		Key:           key,
		DefaultStatus: types.TokenActive,
	}))

	got, err := cs.AccountKey(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, key, got)

	status, err := cs.DefaultTokenStatus(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, types.TokenActive, status)

	tokens, err := cs.DelegateTokens(ctx, "acme")
	require.NoError(t, err)
	require.Empty(t, tokens)
}

func TestUnknownAccountIsAccessDenied(t *testing.T) {
	cs := newTestCredentialStore(t)
	ctx := context.Background()

	_, err := cs.AccountKey(ctx, "ghost")
	require.ErrorIs(t, err, types.ErrAccessDenied)

	_, err = cs.DefaultTokenStatus(ctx, "ghost")
	require.ErrorIs(t, err, types.ErrAccessDenied)

	_, err = cs.DelegateTokens(ctx, "ghost")
	require.ErrorIs(t, err, types.ErrAccessDenied)
}

func TestAccountWithoutKey(t *testing.T) {
	cs := newTestCredentialStore(t)
	ctx := context.Background()

	require.NoError(t, cs.PutAccount(ctx, "acme", AccountCredentials{}))

	_, err := cs.AccountKey(ctx, "acme")
	require.ErrorIs(t, err, types.ErrAccessDenied)
}

func TestRevokeDefaultToken(t *testing.T) {
	cs := newTestCredentialStore(t)
	ctx := context.Background()

	require.NoError(t, cs.PutAccount(ctx, "acme", AccountCredentials{Key: randomKey(t)}))
	require.NoError(t, cs.RevokeDefaultToken(ctx, "acme"))

	status, err := cs.DefaultTokenStatus(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, types.TokenRevoked, status)

	// The key itself survives revocation; only the status flips.
	_, err = cs.AccountKey(ctx, "acme")
	require.NoError(t, err)
}

func TestDelegateTokenLifecycle(t *testing.T) {
	cs := newTestCredentialStore(t)
	ctx := context.Background()

	require.NoError(t, cs.PutAccount(ctx, "acme", AccountCredentials{Key: randomKey(t)}))

	tokenKey := randomKey(t)
	require.NoError(t, cs.UpsertDelegateToken(ctx, "acme", types.DelegateToken{
		Name:   "ci-runner",
		Value:  tokenKey,
		Status: types.TokenActive,
	}))

	tokens, err := cs.DelegateTokens(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.Equal(t, "ci-runner", tokens[0].Name)
	require.Equal(t, types.TokenActive, tokens[0].Status)

	// Upsert replaces in place rather than appending.
	rotated := randomKey(t)
	require.NoError(t, cs.UpsertDelegateToken(ctx, "acme", types.DelegateToken{
		Name:   "ci-runner",
		Value:  rotated,
		Status: types.TokenActive,
	}))

	tokens, err = cs.DelegateTokens(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.Equal(t, rotated, tokens[0].Value)

	// Revocation keeps the token listed for specific failure reporting.
	require.NoError(t, cs.RevokeDelegateToken(ctx, "acme", "ci-runner"))

	tokens, err = cs.DelegateTokens(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.Equal(t, types.TokenRevoked, tokens[0].Status)
}

func TestRevokeUnknownTokenIsNoop(t *testing.T) {
	cs := newTestCredentialStore(t)
	ctx := context.Background()

	require.NoError(t, cs.PutAccount(ctx, "acme", AccountCredentials{Key: randomKey(t)}))
	require.NoError(t, cs.RevokeDelegateToken(ctx, "acme", "never-provisioned"))
}
