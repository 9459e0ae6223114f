package daemon_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsignond/gsignond-go/internal/acm"
	"github.com/gsignond/gsignond-go/internal/daemon"
	"github.com/gsignond/gsignond-go/internal/dictionary"
	"github.com/gsignond/gsignond-go/internal/plugin/factory"
	"github.com/gsignond/gsignond-go/internal/plugin/ssotest"
	"github.com/gsignond/gsignond-go/internal/secctx"
	"github.com/gsignond/gsignond-go/internal/ssoerr"
	"github.com/gsignond/gsignond-go/internal/storage/metadatadb"
	"github.com/gsignond/gsignond-go/internal/storage/secretdb"
	"github.com/gsignond/gsignond-go/internal/storage/storagemgr"
	"github.com/gsignond/gsignond-go/internal/uibroker"
)

type noopAgent struct{}

func (noopAgent) Show(context.Context, string, *dictionary.Dictionary) error { return nil }
func (noopAgent) Close() error                                              { return nil }

func newTestDaemon(t *testing.T) *daemon.Daemon {
	t.Helper()
	metaDB, err := metadatadb.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = metaDB.Close() })

	secretDB, err := secretdb.Open(filepath.Join(t.TempDir(), "secret.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = secretDB.Close() })

	storage := storagemgr.NewPlain(t.TempDir())

	f := factory.New(func(_ context.Context, method string) (factory.Driver, error) {
		return ssotest.New(method), nil
	}, time.Minute, nil)

	broker := uibroker.New(noopAgent{}, nil)

	return daemon.New(daemon.Config{
		ACM:             acm.New(),
		MetaDB:          metaDB,
		SecretDB:        secretDB,
		Storage:         storage,
		Factory:         f,
		Broker:          broker,
		Methods:         map[string][]string{"password": {"plain"}},
		IdentityTimeout: time.Minute,
	})
}

func TestQueryMethodsAndMechanisms(t *testing.T) {
	d := newTestDaemon(t)

	assert.Equal(t, []string{"password"}, d.QueryMethods())

	mechs, err := d.QueryMechanisms("password")
	require.NoError(t, err)
	assert.Equal(t, []string{"plain"}, mechs)

	_, err = d.QueryMechanisms("nope")
	require.Error(t, err)
	assert.Equal(t, ssoerr.MethodNotKnown, ssoerr.KindOf(err))
}

func TestRegisterStoreThenGetIdentityRoundTrips(t *testing.T) {
	d := newTestDaemon(t)
	owner := secctx.New("app")
	ctx := context.Background()

	handle, _ := d.RegisterNewIdentity(owner)

	id, err := d.Store(ctx, handle, owner, metadatadb.Info{
		Username: "alice",
		ACL:      secctx.ACL{owner},
	}, "")
	require.NoError(t, err)
	require.NotZero(t, id)

	_, info, err := d.GetIdentity(ctx, id, owner)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Username)
}

func TestGetIdentityUnknownIDIsNotFound(t *testing.T) {
	d := newTestDaemon(t)
	_, _, err := d.GetIdentity(context.Background(), 999, secctx.New("app"))
	require.Error(t, err)
	assert.Equal(t, ssoerr.IdentityNotFound, ssoerr.KindOf(err))
}

func TestQueryIdentitiesRequiresKeychainContext(t *testing.T) {
	d := newTestDaemon(t)
	other := secctx.New("not-keychain")
	_, err := d.QueryIdentities(context.Background(), other, metadatadb.Filter{})
	require.Error(t, err)
	assert.Equal(t, ssoerr.PermissionDenied, ssoerr.KindOf(err))
}

func TestClearRequiresKeychainContextAndResetsRegistry(t *testing.T) {
	d := newTestDaemon(t)
	owner := secctx.New("app")
	ctx := context.Background()

	handle, _ := d.RegisterNewIdentity(owner)
	_, err := d.Store(ctx, handle, owner, metadatadb.Info{Username: "bob", ACL: secctx.ACL{owner}}, "")
	require.NoError(t, err)

	err = d.Clear(ctx, owner)
	require.Error(t, err)
	assert.Equal(t, ssoerr.PermissionDenied, ssoerr.KindOf(err))

	require.NoError(t, d.Clear(ctx, acm.New().KeychainContext()))

	ids, err := d.QueryIdentities(ctx, acm.New().KeychainContext(), metadatadb.Filter{})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReapIdentitiesDropsIdleOnly(t *testing.T) {
	d := newTestDaemon(t)
	owner := secctx.New("app")
	d.RegisterNewIdentity(owner)

	assert.Equal(t, 0, d.ReapIdentities())
}
