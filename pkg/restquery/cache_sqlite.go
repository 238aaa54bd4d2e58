package restquery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	// SQLite driver registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/fivetwenty-io/restquery/internal/constants"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteCacheConfig configures the SQLite cache.
type SQLiteCacheConfig struct {
	// Path of the database file
	Path string `json:"path" yaml:"path" mapstructure:"path" validate:"required"`

	// Table holding the entries
	Table string `json:"table" yaml:"table" mapstructure:"table"`

	// CleanupInterval is the interval for deleting expired rows
	CleanupInterval string `json:"cleanup_interval" yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// SQLiteCache persists query results in a SQLite table so they survive
// process restarts.
type SQLiteCache struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// NewSQLiteCache opens the database and creates the cache table.
func NewSQLiteCache(ctx context.Context, config *SQLiteCacheConfig) (*SQLiteCache, error) {
	if config == nil || config.Path == "" {
		return nil, ErrSQLiteConfigRequired
	}

	table := config.Table
	if table == "" {
		table = constants.DefaultSQLiteTable
	}

	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, table)
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite cache: %w", err)
	}

	// One connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+table+` (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}

	return &SQLiteCache{db: db, table: table, now: time.Now}, nil
}

func (c *SQLiteCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	var (
		data      []byte
		createdAt int64
		expiresAt int64
	)

	row := c.db.QueryRowContext(ctx, `SELECT data, created_at, expires_at FROM `+c.table+` WHERE key = ?`, key)

	err := row.Scan(&data, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	entry := &CacheEntry{
		Data:      data,
		CreatedAt: fromUnixNano(createdAt),
		ExpiresAt: fromUnixNano(expiresAt),
	}

	if entry.Expired(c.now()) {
		_ = c.Delete(ctx, key)

		return nil, ErrEntryExpired
	}

	return entry, nil
}

func (c *SQLiteCache) Set(ctx context.Context, key string, entry *CacheEntry) error {
	if entry == nil {
		return ErrNilCacheEntry
	}

	_, err := c.db.ExecContext(ctx, `INSERT INTO `+c.table+` (key, data, created_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		key, entry.Data, toUnixNano(entry.CreatedAt), toUnixNano(entry.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	return nil
}

func (c *SQLiteCache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM `+c.table+` WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	return nil
}

// DeletePrefix removes every key starting with prefix.
func (c *SQLiteCache) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM `+c.table+` WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return fmt.Errorf("failed to delete prefix %s: %w", prefix, err)
	}

	return nil
}

func (c *SQLiteCache) Clear(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM `+c.table)
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", c.table, err)
	}

	return nil
}

func (c *SQLiteCache) Has(ctx context.Context, key string) bool {
	var found int

	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM `+c.table+` WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, c.now().UnixNano()).Scan(&found)

	return err == nil
}

func (c *SQLiteCache) Stats(ctx context.Context) (CacheStats, error) {
	var stats CacheStats

	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM `+c.table).
		Scan(&stats.Entries, &stats.Bytes)
	if err != nil {
		return CacheStats{}, fmt.Errorf("failed to read stats: %w", err)
	}

	return stats, nil
}

// Cleanup deletes expired rows.
func (c *SQLiteCache) Cleanup() {
	_, _ = c.db.Exec(`DELETE FROM `+c.table+` WHERE expires_at != 0 AND expires_at <= ?`, c.now().UnixNano())
}

// Close closes the database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n)
}
