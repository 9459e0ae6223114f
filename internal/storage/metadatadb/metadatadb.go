// Package metadatadb is the public store (C2): identities, methods,
// realms, ACLs, owners, and named references. It follows the teacher's
// store.go pattern (internal/store in the ReleaseParty backend) for
// opening a modernc.org/sqlite-backed *sql.DB with an idempotent
// migration step, adapted to the identity schema gsignond's daemon/db
// layer persists (gsignond-identity-info-internal.h field names).
package metadatadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gsignond/gsignond-go/internal/secctx"
)

// Info is the value persisted for an identity, mirroring spec.md's
// IdentityInfo. Secret is never stored here; it lives only in the
// Secret DB (secretdb package).
type Info struct {
	ID                uint32
	Username          string
	UsernameIsSecret  bool
	StoreSecret       bool
	Caption           string
	Realms            []string
	Methods           map[string][]string // method name -> sorted mechanisms
	ACL               secctx.ACL
	Owner             secctx.Context
	Validated         bool
	Type              int32
	RefCount          uint32
}

// Filter narrows query_identities to rows matching the non-zero fields.
type Filter struct {
	Owner   *secctx.Context
	Type    *int32
	Caption *string
}

var ErrNotFound = errors.New("metadatadb: identity not found")

// DB wraps the identity metadata store.
type DB struct {
	conn *sql.DB
}

// Open creates the database file's parent directory if needed, opens a
// single-connection sqlite handle (matching the teacher's MaxOpenConns(1)
// choice for a file-backed embedded store) and runs migrations.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("metadatadb: path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("metadatadb: mkdir: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metadatadb: open: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn}
	if err := db.migrate(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS methods (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS identities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL DEFAULT '',
			username_is_secret INTEGER NOT NULL DEFAULT 0,
			store_secret INTEGER NOT NULL DEFAULT 0,
			caption TEXT NOT NULL DEFAULT '',
			owner_system TEXT NOT NULL,
			owner_application TEXT NOT NULL,
			validated INTEGER NOT NULL DEFAULT 0,
			type INTEGER NOT NULL DEFAULT 0,
			ref_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS identity_realms (
			identity_id INTEGER NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			realm TEXT NOT NULL,
			PRIMARY KEY (identity_id, realm)
		);`,
		`CREATE TABLE IF NOT EXISTS identity_methods (
			identity_id INTEGER NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			method_id INTEGER NOT NULL REFERENCES methods(id),
			mechanism TEXT NOT NULL,
			PRIMARY KEY (identity_id, method_id, mechanism)
		);`,
		`CREATE TABLE IF NOT EXISTS identity_acl (
			identity_id INTEGER NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			system TEXT NOT NULL,
			application TEXT NOT NULL,
			PRIMARY KEY (identity_id, system, application)
		);`,
		`CREATE TABLE IF NOT EXISTS identity_references (
			identity_id INTEGER NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			owner_system TEXT NOT NULL,
			owner_application TEXT NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (identity_id, owner_system, owner_application, name)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("metadatadb: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	if db == nil || db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Clear deletes every row from every table, keeping the schema.
func (db *DB) Clear(ctx context.Context) error {
	for _, table := range []string{"identity_references", "identity_acl", "identity_methods", "identity_realms", "identities", "methods"} {
		if _, err := db.conn.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("metadatadb: clear %s: %w", table, err)
		}
	}
	return nil
}

// InsertOrUpdateIdentity persists info. A zero info.ID inserts a new row
// and returns the assigned id; a non-zero id updates the existing row.
func (db *DB) InsertOrUpdateIdentity(ctx context.Context, info Info) (uint32, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("metadatadb: begin: %w", err)
	}
	defer tx.Rollback()

	id := info.ID
	if id == 0 {
		res, err := tx.ExecContext(ctx, `INSERT INTO identities
			(username, username_is_secret, store_secret, caption, owner_system, owner_application, validated, type, ref_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			info.Username, info.UsernameIsSecret, info.StoreSecret, info.Caption,
			info.Owner.System, info.Owner.Application, info.Validated, info.Type, info.RefCount)
		if err != nil {
			return 0, fmt.Errorf("metadatadb: insert identity: %w", err)
		}
		inserted, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("metadatadb: last insert id: %w", err)
		}
		id = uint32(inserted)
	} else {
		_, err := tx.ExecContext(ctx, `UPDATE identities SET
			username=?, username_is_secret=?, store_secret=?, caption=?,
			owner_system=?, owner_application=?, validated=?, type=?, ref_count=?
			WHERE id=?`,
			info.Username, info.UsernameIsSecret, info.StoreSecret, info.Caption,
			info.Owner.System, info.Owner.Application, info.Validated, info.Type, info.RefCount, id)
		if err != nil {
			return 0, fmt.Errorf("metadatadb: update identity: %w", err)
		}
		for _, table := range []string{"identity_realms", "identity_methods", "identity_acl"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE identity_id=?", id); err != nil {
				return 0, fmt.Errorf("metadatadb: reset %s: %w", table, err)
			}
		}
	}

	for _, realm := range info.Realms {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO identity_realms (identity_id, realm) VALUES (?, ?)`, id, realm); err != nil {
			return 0, fmt.Errorf("metadatadb: insert realm: %w", err)
		}
	}
	for method, mechanisms := range info.Methods {
		methodID, err := db.insertMethodTx(ctx, tx, method)
		if err != nil {
			return 0, err
		}
		for _, mech := range mechanisms {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO identity_methods (identity_id, method_id, mechanism) VALUES (?, ?, ?)`, id, methodID, mech); err != nil {
				return 0, fmt.Errorf("metadatadb: insert method mechanism: %w", err)
			}
		}
	}
	for _, peer := range info.ACL {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO identity_acl (identity_id, system, application) VALUES (?, ?, ?)`, id, peer.System, peer.Application); err != nil {
			return 0, fmt.Errorf("metadatadb: insert acl: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("metadatadb: commit: %w", err)
	}
	return id, nil
}

// GetIdentity loads the identity with the given id, or ErrNotFound.
func (db *DB) GetIdentity(ctx context.Context, id uint32) (*Info, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, username, username_is_secret, store_secret, caption,
		owner_system, owner_application, validated, type, ref_count FROM identities WHERE id=?`, id)

	info := &Info{Methods: map[string][]string{}}
	if err := row.Scan(&info.ID, &info.Username, &info.UsernameIsSecret, &info.StoreSecret, &info.Caption,
		&info.Owner.System, &info.Owner.Application, &info.Validated, &info.Type, &info.RefCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metadatadb: get identity: %w", err)
	}

	if err := db.loadAssociations(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (db *DB) loadAssociations(ctx context.Context, info *Info) error {
	realmRows, err := db.conn.QueryContext(ctx, `SELECT realm FROM identity_realms WHERE identity_id=? ORDER BY realm`, info.ID)
	if err != nil {
		return fmt.Errorf("metadatadb: query realms: %w", err)
	}
	defer realmRows.Close()
	for realmRows.Next() {
		var realm string
		if err := realmRows.Scan(&realm); err != nil {
			return fmt.Errorf("metadatadb: scan realm: %w", err)
		}
		info.Realms = append(info.Realms, realm)
	}

	methodRows, err := db.conn.QueryContext(ctx, `SELECT m.name, im.mechanism FROM identity_methods im
		JOIN methods m ON m.id = im.method_id WHERE im.identity_id=? ORDER BY m.name, im.mechanism`, info.ID)
	if err != nil {
		return fmt.Errorf("metadatadb: query methods: %w", err)
	}
	defer methodRows.Close()
	for methodRows.Next() {
		var method, mech string
		if err := methodRows.Scan(&method, &mech); err != nil {
			return fmt.Errorf("metadatadb: scan method: %w", err)
		}
		info.Methods[method] = append(info.Methods[method], mech)
	}

	aclRows, err := db.conn.QueryContext(ctx, `SELECT system, application FROM identity_acl WHERE identity_id=? ORDER BY system, application`, info.ID)
	if err != nil {
		return fmt.Errorf("metadatadb: query acl: %w", err)
	}
	defer aclRows.Close()
	for aclRows.Next() {
		var ctxVal secctx.Context
		if err := aclRows.Scan(&ctxVal.System, &ctxVal.Application); err != nil {
			return fmt.Errorf("metadatadb: scan acl: %w", err)
		}
		info.ACL = append(info.ACL, ctxVal)
	}
	return nil
}

// QueryIdentities returns every identity matching filter's non-nil fields.
func (db *DB) QueryIdentities(ctx context.Context, filter Filter) ([]Info, error) {
	query := `SELECT id FROM identities WHERE 1=1`
	var args []any
	if filter.Owner != nil {
		query += ` AND owner_system=? AND owner_application=?`
		args = append(args, filter.Owner.System, filter.Owner.Application)
	}
	if filter.Type != nil {
		query += ` AND type=?`
		args = append(args, *filter.Type)
	}
	if filter.Caption != nil {
		query += ` AND caption=?`
		args = append(args, *filter.Caption)
	}
	query += ` ORDER BY id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metadatadb: query identities: %w", err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("metadatadb: scan id: %w", err)
		}
		ids = append(ids, id)
	}

	results := make([]Info, 0, len(ids))
	for _, id := range ids {
		info, err := db.GetIdentity(ctx, id)
		if err != nil {
			return nil, err
		}
		results = append(results, *info)
	}
	return results, nil
}

// RemoveIdentity deletes an identity and its associations. Cascading
// foreign keys take care of realms/methods/acl/references; the caller is
// responsible for removing the corresponding Secret DB rows first so that
// no Secret DB row ever outlives its Metadata row.
func (db *DB) RemoveIdentity(ctx context.Context, id uint32) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM identities WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("metadatadb: remove identity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("metadatadb: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertReference records name as held by owner over identity id. It is
// idempotent: inserting the same (id, owner, name) twice is a no-op.
func (db *DB) InsertReference(ctx context.Context, id uint32, owner secctx.Context, name string) error {
	_, err := db.conn.ExecContext(ctx, `INSERT OR IGNORE INTO identity_references
		(identity_id, owner_system, owner_application, name) VALUES (?, ?, ?, ?)`,
		id, owner.System, owner.Application, name)
	if err != nil {
		return fmt.Errorf("metadatadb: insert reference: %w", err)
	}
	return nil
}

// RemoveReference deletes the named reference held by owner, if present.
func (db *DB) RemoveReference(ctx context.Context, id uint32, owner secctx.Context, name string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM identity_references
		WHERE identity_id=? AND owner_system=? AND owner_application=? AND name=?`,
		id, owner.System, owner.Application, name)
	if err != nil {
		return fmt.Errorf("metadatadb: remove reference: %w", err)
	}
	return nil
}

// ListReferences returns the reference names owner holds over identity id.
func (db *DB) ListReferences(ctx context.Context, id uint32, owner secctx.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT name FROM identity_references
		WHERE identity_id=? AND owner_system=? AND owner_application=? ORDER BY name`,
		id, owner.System, owner.Application)
	if err != nil {
		return nil, fmt.Errorf("metadatadb: list references: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("metadatadb: scan reference: %w", err)
		}
		names = append(names, name)
	}
	return names, nil
}

// InsertMethod registers method name if not already known and returns its id.
func (db *DB) InsertMethod(ctx context.Context, name string) (uint32, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("metadatadb: begin: %w", err)
	}
	defer tx.Rollback()
	id, err := db.insertMethodTx(ctx, tx, name)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("metadatadb: commit: %w", err)
	}
	return id, nil
}

func (db *DB) insertMethodTx(ctx context.Context, tx *sql.Tx, name string) (uint32, error) {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO methods (name) VALUES (?)`, name); err != nil {
		return 0, fmt.Errorf("metadatadb: insert method: %w", err)
	}
	var id uint32
	if err := tx.QueryRowContext(ctx, `SELECT id FROM methods WHERE name=?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("metadatadb: select method id: %w", err)
	}
	return id, nil
}

// GetMethodID returns the id assigned to method name, or ErrNotFound.
func (db *DB) GetMethodID(ctx context.Context, name string) (uint32, error) {
	var id uint32
	err := db.conn.QueryRowContext(ctx, `SELECT id FROM methods WHERE name=?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("metadatadb: get method id: %w", err)
	}
	return id, nil
}
