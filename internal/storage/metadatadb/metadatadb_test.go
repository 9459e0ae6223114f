package metadatadb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsignond/gsignond-go/internal/secctx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInsertOrUpdateIdentityAssignsID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	owner := secctx.New("label-a")
	id, err := db.InsertOrUpdateIdentity(ctx, Info{
		Username:    "alice",
		StoreSecret: true,
		Caption:     "Alice's account",
		Realms:      []string{"example.com", "example.org"},
		Methods:     map[string][]string{"password": {"plain"}},
		ACL:         secctx.ACL{owner},
		Owner:       owner,
		Type:        1,
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	info, err := db.GetIdentity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Username)
	assert.Equal(t, []string{"example.com", "example.org"}, info.Realms)
	assert.Equal(t, []string{"plain"}, info.Methods["password"])
	assert.True(t, info.ACL.Contains(owner))
	assert.Equal(t, owner, info.Owner)
}

func TestInsertOrUpdateIdentityUpdatesExisting(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	owner := secctx.New("label-a")

	id, err := db.InsertOrUpdateIdentity(ctx, Info{Username: "alice", Owner: owner, Realms: []string{"a"}})
	require.NoError(t, err)

	_, err = db.InsertOrUpdateIdentity(ctx, Info{ID: id, Username: "alice2", Owner: owner, Realms: []string{"b", "c"}})
	require.NoError(t, err)

	info, err := db.GetIdentity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice2", info.Username)
	assert.Equal(t, []string{"b", "c"}, info.Realms)
}

func TestGetIdentityNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetIdentity(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryIdentitiesByOwner(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ownerA := secctx.New("label-a")
	ownerB := secctx.New("label-b")

	_, err := db.InsertOrUpdateIdentity(ctx, Info{Username: "a1", Owner: ownerA})
	require.NoError(t, err)
	_, err = db.InsertOrUpdateIdentity(ctx, Info{Username: "b1", Owner: ownerB})
	require.NoError(t, err)

	results, err := db.QueryIdentities(ctx, Filter{Owner: &ownerA})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a1", results[0].Username)
}

func TestRemoveIdentity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	owner := secctx.New("label-a")

	id, err := db.InsertOrUpdateIdentity(ctx, Info{Username: "alice", Owner: owner})
	require.NoError(t, err)

	require.NoError(t, db.RemoveIdentity(ctx, id))
	_, err = db.GetIdentity(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, db.RemoveIdentity(ctx, id), ErrNotFound)
}

func TestReferencesAreIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	owner := secctx.New("label-a")

	id, err := db.InsertOrUpdateIdentity(ctx, Info{Username: "alice", Owner: owner})
	require.NoError(t, err)

	require.NoError(t, db.InsertReference(ctx, id, owner, "session1"))
	require.NoError(t, db.InsertReference(ctx, id, owner, "session1"))

	names, err := db.ListReferences(ctx, id, owner)
	require.NoError(t, err)
	assert.Equal(t, []string{"session1"}, names)

	require.NoError(t, db.RemoveReference(ctx, id, owner, "session1"))
	names, err = db.ListReferences(ctx, id, owner)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestInsertMethodIsStable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id1, err := db.InsertMethod(ctx, "password")
	require.NoError(t, err)
	id2, err := db.InsertMethod(ctx, "password")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	got, err := db.GetMethodID(ctx, "password")
	require.NoError(t, err)
	assert.Equal(t, id1, got)

	_, err = db.GetMethodID(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClearRemovesAllRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	owner := secctx.New("label-a")

	_, err := db.InsertOrUpdateIdentity(ctx, Info{Username: "alice", Owner: owner})
	require.NoError(t, err)

	require.NoError(t, db.Clear(ctx))

	results, err := db.QueryIdentities(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}
