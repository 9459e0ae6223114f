// Package secretdb is the encrypted store (C3): per-identity credentials
// and per-(identity, method) opaque blobs. Schema and connection handling
// follow the same modernc.org/sqlite pattern as metadatadb; the method
// contract (load/update/remove_credentials, check_credentials,
// load/update/remove_data) mirrors gsignond-secret-storage.c's virtual
// table exactly, including check_credentials comparing against a loaded
// row rather than a separate query.
package secretdb

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("secretdb: not found")

// Credential is the (identity_id, username, password) triple the spec
// calls Credential. It lives only in the Secret DB.
type Credential struct {
	IdentityID uint32
	Username   string
	Password   string
}

// DB wraps the secret store. The file backing it is expected to live in
// the directory the Storage Manager (C4) mounts, so by the time Open is
// called the parent directory should already exist with the right mode;
// Open still creates it defensively for the plain (non-mounted) case.
type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("secretdb: path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("secretdb: mkdir: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("secretdb: open: %w", err)
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
		`CREATE TABLE IF NOT EXISTS credentials (
			identity_id INTEGER PRIMARY KEY,
			username TEXT NOT NULL,
			password TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS method_data (
			identity_id INTEGER NOT NULL,
			method_id INTEGER NOT NULL,
			data_key TEXT NOT NULL,
			data_value BLOB NOT NULL,
			PRIMARY KEY (identity_id, method_id, data_key)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("secretdb: migrate: %w", err)
		}
	}
	return nil
}

func (db *DB) Close() error {
	if db == nil || db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Clear deletes every row from every table, keeping the schema.
func (db *DB) Clear(ctx context.Context) error {
	for _, table := range []string{"credentials", "method_data"} {
		if _, err := db.conn.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("secretdb: clear %s: %w", table, err)
		}
	}
	return nil
}

// LoadCredentials returns the stored credential for id, or ErrNotFound.
func (db *DB) LoadCredentials(ctx context.Context, id uint32) (*Credential, error) {
	cred := &Credential{IdentityID: id}
	err := db.conn.QueryRowContext(ctx, `SELECT username, password FROM credentials WHERE identity_id=?`, id).
		Scan(&cred.Username, &cred.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("secretdb: load credentials: %w", err)
	}
	return cred, nil
}

// UpdateCredentials upserts cred, keyed by IdentityID.
func (db *DB) UpdateCredentials(ctx context.Context, cred Credential) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO credentials (identity_id, username, password) VALUES (?, ?, ?)
		ON CONFLICT(identity_id) DO UPDATE SET username=excluded.username, password=excluded.password`,
		cred.IdentityID, cred.Username, cred.Password)
	if err != nil {
		return fmt.Errorf("secretdb: update credentials: %w", err)
	}
	return nil
}

// RemoveCredentials deletes the credential row for id, if present.
func (db *DB) RemoveCredentials(ctx context.Context, id uint32) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM credentials WHERE identity_id=?`, id); err != nil {
		return fmt.Errorf("secretdb: remove credentials: %w", err)
	}
	return nil
}

// CheckCredentials loads the stored credential for cred.IdentityID and
// compares both fields in constant time, matching
// _gsignond_secret_storage_check_credentials's load-then-compare shape.
func (db *DB) CheckCredentials(ctx context.Context, cred Credential) (bool, error) {
	stored, err := db.LoadCredentials(ctx, cred.IdentityID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	userMatch := subtle.ConstantTimeCompare([]byte(stored.Username), []byte(cred.Username)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(stored.Password), []byte(cred.Password)) == 1
	return userMatch && passMatch, nil
}

// LoadData returns the opaque blob map stored for (id, methodID), or
// ErrNotFound if nothing has been stored for that pair.
func (db *DB) LoadData(ctx context.Context, id, methodID uint32) (map[string][]byte, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT data_key, data_value FROM method_data WHERE identity_id=? AND method_id=?`, id, methodID)
	if err != nil {
		return nil, fmt.Errorf("secretdb: load data: %w", err)
	}
	defer rows.Close()

	data := map[string][]byte{}
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("secretdb: scan data: %w", err)
		}
		data[key] = value
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return data, nil
}

// UpdateData replaces the blob map stored for (id, methodID) with data.
func (db *DB) UpdateData(ctx context.Context, id, methodID uint32, data map[string][]byte) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("secretdb: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM method_data WHERE identity_id=? AND method_id=?`, id, methodID); err != nil {
		return fmt.Errorf("secretdb: reset data: %w", err)
	}
	for key, value := range data {
		if _, err := tx.ExecContext(ctx, `INSERT INTO method_data (identity_id, method_id, data_key, data_value) VALUES (?, ?, ?, ?)`,
			id, methodID, key, value); err != nil {
			return fmt.Errorf("secretdb: insert data: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("secretdb: commit: %w", err)
	}
	return nil
}

// RemoveData deletes the blob map stored for (id, methodID), if present.
func (db *DB) RemoveData(ctx context.Context, id, methodID uint32) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM method_data WHERE identity_id=? AND method_id=?`, id, methodID); err != nil {
		return fmt.Errorf("secretdb: remove data: %w", err)
	}
	return nil
}
