package identity_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsignond/gsignond-go/internal/acm"
	"github.com/gsignond/gsignond-go/internal/identity"
	"github.com/gsignond/gsignond-go/internal/secctx"
	"github.com/gsignond/gsignond-go/internal/ssoerr"
	"github.com/gsignond/gsignond-go/internal/storage/metadatadb"
	"github.com/gsignond/gsignond-go/internal/storage/secretdb"
)

type staticMethods map[string][]string

func (m staticMethods) Mechanisms(method string) ([]string, bool) {
	mechs, ok := m[method]
	return mechs, ok
}

func newTestDeps(t *testing.T) identity.Deps {
	t.Helper()
	metaDB, err := metadatadb.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = metaDB.Close() })

	secretDB, err := secretdb.Open(filepath.Join(t.TempDir(), "secret.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = secretDB.Close() })

	return identity.Deps{
		MetaDB:   metaDB,
		SecretDB: secretDB,
		ACM:      acm.New(),
		Methods:  staticMethods{"password": {"plain"}, "digest": {"md5"}},
	}
}

func TestStoreThenGetInfoHonorsUseCheck(t *testing.T) {
	deps := newTestDeps(t)
	owner := secctx.New("owner-app")
	other := secctx.New("other-app")

	id := identity.New(owner, deps)
	ctx := context.Background()

	storedID, err := id.Store(ctx, owner, metadatadb.Info{
		Username:    "alice",
		StoreSecret: true,
		Methods:     map[string][]string{"password": {"plain"}},
		ACL:         secctx.ACL{owner},
	}, "s3cr3t")
	require.NoError(t, err)
	assert.NotZero(t, storedID)

	info, err := id.GetInfo(owner)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Username)

	_, err = id.GetInfo(other)
	require.Error(t, err)
	assert.Equal(t, ssoerr.PermissionDenied, ssoerr.KindOf(err))
}

func TestGetAuthSessionDistinguishesUnknownFromUnavailable(t *testing.T) {
	deps := newTestDeps(t)
	owner := secctx.New("owner-app")
	id := identity.New(owner, deps)
	ctx := context.Background()

	_, err := id.Store(ctx, owner, metadatadb.Info{
		Username: "bob",
		Methods:  map[string][]string{"password": {"plain"}},
		ACL:      secctx.ACL{owner},
	}, "")
	require.NoError(t, err)

	_, err = id.GetAuthSession(owner, "does-not-exist")
	require.Error(t, err)
	assert.Equal(t, ssoerr.MethodNotKnown, ssoerr.KindOf(err))

	_, err = id.GetAuthSession(owner, "digest")
	require.Error(t, err)
	assert.Equal(t, ssoerr.MethodNotAvailable, ssoerr.KindOf(err))

	sess, err := id.GetAuthSession(owner, "password")
	require.NoError(t, err)
	assert.NotNil(t, sess)
}

func TestGetAuthSessionNewIdentityPermitsAnyKnownMethod(t *testing.T) {
	deps := newTestDeps(t)
	owner := secctx.New("owner-app")
	id := identity.New(owner, deps)

	// Unstored identity: no Methods map yet, but the known "password"
	// method is still reachable by its creator.
	sess, err := id.GetAuthSession(owner, "password")
	require.NoError(t, err)
	assert.NotNil(t, sess)
}

func TestVerifySecretChecksAgainstSecretDB(t *testing.T) {
	deps := newTestDeps(t)
	owner := secctx.New("owner-app")
	id := identity.New(owner, deps)
	ctx := context.Background()

	_, err := id.Store(ctx, owner, metadatadb.Info{
		Username:    "carol",
		StoreSecret: true,
		ACL:         secctx.ACL{owner},
	}, "hunter2")
	require.NoError(t, err)

	ok, err := id.VerifySecret(ctx, owner, "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = id.VerifySecret(ctx, owner, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCredentialReturnsStoredSecretForSessionUse(t *testing.T) {
	deps := newTestDeps(t)
	owner := secctx.New("owner-app")
	id := identity.New(owner, deps)
	ctx := context.Background()

	_, err := id.Store(ctx, owner, metadatadb.Info{
		Username:    "dave",
		StoreSecret: true,
		ACL:         secctx.ACL{owner},
	}, "topsecret")
	require.NoError(t, err)

	view, data, err := id.Credential(ctx)
	require.NoError(t, err)
	assert.True(t, view.HasStoredSecret)
	username, _ := data.GetString("username")
	password, _ := data.GetString("password")
	assert.Equal(t, "dave", username)
	assert.Equal(t, "topsecret", password)
}

func TestRemoveDeletesFromBothStores(t *testing.T) {
	deps := newTestDeps(t)
	owner := secctx.New("owner-app")
	id := identity.New(owner, deps)
	ctx := context.Background()

	storedID, err := id.Store(ctx, owner, metadatadb.Info{
		Username:    "erin",
		StoreSecret: true,
		ACL:         secctx.ACL{owner},
	}, "pw")
	require.NoError(t, err)

	require.NoError(t, id.Remove(ctx, owner))

	_, err = deps.MetaDB.GetIdentity(ctx, storedID)
	assert.ErrorIs(t, err, metadatadb.ErrNotFound)

	_, err = deps.SecretDB.LoadCredentials(ctx, storedID)
	assert.ErrorIs(t, err, secretdb.ErrNotFound)

	assert.Equal(t, identity.StateRemoved, id.State())
}

func TestRemoveRequiresOwner(t *testing.T) {
	deps := newTestDeps(t)
	owner := secctx.New("owner-app")
	other := secctx.New("other-app")
	id := identity.New(owner, deps)
	ctx := context.Background()

	_, err := id.Store(ctx, owner, metadatadb.Info{Username: "frank", ACL: secctx.ACL{owner}}, "")
	require.NoError(t, err)

	err = id.Remove(ctx, other)
	require.Error(t, err)
	assert.Equal(t, ssoerr.PermissionDenied, ssoerr.KindOf(err))
}
