//go:build js && wasm

package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
	"github.com/rs/zerolog"

	"github.com/kittclouds/corekit/internal/errs"
)

// BrowserBackend is the js/wasm KVBackend, grounded on the teacher's
// cmd/wasm/main.go + internal/store/sqlite_store.go: a pure-Go SQLite engine
// (ncruces/go-sqlite3, wazero-backed, no cgo) running inside the same wasm
// binary, fronted here by a single generic key-value table instead of the
// teacher's per-entity-kind relational schema.
type BrowserBackend struct {
	db     *sql.DB
	logger zerolog.Logger
}

const browserSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
	bucket TEXT NOT NULL,
	key    TEXT NOT NULL,
	value  BLOB NOT NULL,
	PRIMARY KEY (bucket, key)
);
`

// OpenBrowser opens (creating if absent) the in-browser SQLite database at
// dsn, typically an OPFS-backed path the teacher's JS host supplies.
func OpenBrowser(dsn string, logger *zerolog.Logger) (*BrowserBackend, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.Corrupt, fmt.Sprintf("storage: open browser db %s", dsn), err)
	}
	if _, err := db.Exec(browserSchema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Corrupt, "storage: init browser schema", err)
	}
	return &BrowserBackend{db: db, logger: defaultLogger(logger)}, nil
}

func (b *BrowserBackend) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrap(errs.Corrupt, "storage: get", err)
	}
	return value, true, nil
}

func (b *BrowserBackend) Put(ctx context.Context, bucket, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO kv_store (bucket, key, value) VALUES (?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value`, bucket, key, value)
	if err != nil {
		return errs.Wrap(errs.Corrupt, "storage: put", err)
	}
	return nil
}

func (b *BrowserBackend) Delete(ctx context.Context, bucket, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM kv_store WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return errs.Wrap(errs.Corrupt, "storage: delete", err)
	}
	return nil
}

func (b *BrowserBackend) ForEach(ctx context.Context, bucket string, fn func(KeyValue) error) error {
	rows, err := b.db.QueryContext(ctx, `SELECT key, value FROM kv_store WHERE bucket = ?`, bucket)
	if err != nil {
		return errs.Wrap(errs.Corrupt, "storage: foreach", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kv KeyValue
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return errs.Wrap(errs.Corrupt, "storage: foreach scan", err)
		}
		if err := fn(kv); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *BrowserBackend) Count(ctx context.Context, bucket string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_store WHERE bucket = ?`, bucket).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.Corrupt, "storage: count", err)
	}
	return n, nil
}

// Transaction runs fn against a real database/sql transaction: the pure-Go
// SQLite engine gives the browser backend the same synchronous-commit
// guarantee as BoltBackend, unlike a raw IndexedDB object store.
func (b *BrowserBackend) Transaction(ctx context.Context, fn func(tx KVBackend) error) error {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Corrupt, "storage: begin transaction", err)
	}
	scoped := &browserTxBackend{tx: sqlTx}
	if err := fn(scoped); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return errs.Wrap(errs.Corrupt, "storage: commit transaction", err)
	}
	return nil
}

func (b *BrowserBackend) Close() error {
	return b.db.Close()
}

type browserTxBackend struct {
	tx *sql.Tx
}

func (t *browserTxBackend) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	var value []byte
	err := t.tx.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (t *browserTxBackend) Put(ctx context.Context, bucket, key string, value []byte) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO kv_store (bucket, key, value) VALUES (?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value`, bucket, key, value)
	return err
}

func (t *browserTxBackend) Delete(ctx context.Context, bucket, key string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM kv_store WHERE bucket = ? AND key = ?`, bucket, key)
	return err
}

func (t *browserTxBackend) ForEach(ctx context.Context, bucket string, fn func(KeyValue) error) error {
	rows, err := t.tx.QueryContext(ctx, `SELECT key, value FROM kv_store WHERE bucket = ?`, bucket)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var kv KeyValue
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return err
		}
		if err := fn(kv); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (t *browserTxBackend) Count(ctx context.Context, bucket string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_store WHERE bucket = ?`, bucket).Scan(&n)
	return n, err
}

func (t *browserTxBackend) Transaction(ctx context.Context, fn func(tx KVBackend) error) error {
	return fn(t)
}

func (t *browserTxBackend) Close() error { return nil }
