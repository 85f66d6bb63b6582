package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Register the modernc sqlite driver under the name "sqlite"
	_ "modernc.org/sqlite"
)

const createKVTable = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	version    INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
)`

// SQLiteClient is a single-node Store for local runs. Expiry is evaluated
// against now on every read; expired rows linger until overwritten or deleted.
type SQLiteClient struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path with WAL mode and a busy
// timeout. Use ":memory:" in tests.
func OpenSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil, fmt.Errorf("repository: OpenSQLite: parent directory %q does not exist", dir)
		}
	}
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: OpenSQLite: open %q: %w", path, err)
	}
	// :memory: databases are per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: OpenSQLite: ping %q: %w", path, err)
	}
	return db, nil
}

// NewSQLite creates the kv table if needed and returns a Store over db.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLiteClient, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	if _, err := db.ExecContext(ctx, createKVTable); err != nil {
		return nil, fmt.Errorf("repository: NewSQLite: create table: %w", err)
	}
	return &SQLiteClient{db: db, now: time.Now}, nil
}

func (c *SQLiteClient) nowMillis() int64 {
	return c.now().UnixMilli()
}

// Put overwrites key, bumps its version and resets its expiry.
func (c *SQLiteClient) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateWrite("Put", key, ttl); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, version, expires_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = kv.version + 1,
			expires_at = excluded.expires_at`,
		key, value, c.nowMillis()+ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	return nil
}

// Get returns the live item stored under key.
func (c *SQLiteClient) Get(ctx context.Context, key string) (Item, error) {
	var it Item
	err := c.db.QueryRowContext(ctx,
		`SELECT value, version FROM kv WHERE key = ? AND expires_at > ?`,
		key, c.nowMillis()).Scan(&it.Value, &it.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("repository: Get: %w", err)
	}
	return it, nil
}

// Delete removes key and reports whether a live row was there. Expired rows
// are purged as well but do not count.
func (c *SQLiteClient) Delete(ctx context.Context, key string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND expires_at > ?`, key, c.nowMillis())
	if err != nil {
		return false, fmt.Errorf("repository: Delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: Delete rows affected: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return false, fmt.Errorf("repository: Delete purge: %w", err)
	}
	return n > 0, nil
}

// ListKeys returns live keys starting with prefix in key order.
func (c *SQLiteClient) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' AND expires_at > ? ORDER BY key`,
		escapeLike(prefix)+"%", c.nowMillis())
	if err != nil {
		return nil, fmt.Errorf("repository: ListKeys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("repository: ListKeys scan: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListKeys rows: %w", err)
	}
	return keys, nil
}

// PutVersioned writes key only if its version equals expected. Each branch is
// a single statement so SQLite's write lock makes the check atomic.
func (c *SQLiteClient) PutVersioned(ctx context.Context, key string, value []byte, ttl time.Duration, expected int64) (int64, error) {
	if err := validateWrite("PutVersioned", key, ttl); err != nil {
		return 0, err
	}
	now := c.nowMillis()
	expiresAt := now + ttl.Milliseconds()

	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = c.db.ExecContext(ctx, `
			INSERT INTO kv (key, value, version, expires_at) VALUES (?, ?, 1, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				version = 1,
				expires_at = excluded.expires_at
			WHERE kv.expires_at <= ?`,
			key, value, expiresAt, now)
	} else {
		res, err = c.db.ExecContext(ctx, `
			UPDATE kv SET value = ?, version = version + 1, expires_at = ?
			WHERE key = ? AND version = ? AND expires_at > ?`,
			value, expiresAt, key, expected, now)
	}
	if err != nil {
		return 0, fmt.Errorf("repository: PutVersioned: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repository: PutVersioned rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrVersionConflict
	}
	return expected + 1, nil
}

// Ping checks the connection.
func (c *SQLiteClient) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
