package vansify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Cache store names. Reconcilers namespace them per user.
const (
	StoreChats         = "chats"
	StoreNotifications = "notifications"
)

// Cache is the local key/value store used for offline display. Records are
// JSON encoded.
type Cache interface {
	Put(ctx context.Context, store, key string, record any) error
	Get(ctx context.Context, store, key string, dst any) (bool, error)
	Delete(ctx context.Context, store, key string) error
	List(ctx context.Context, store string) ([]json.RawMessage, error)
	// Replace swaps the whole store for records, keyed by record key.
	Replace(ctx context.Context, store string, records map[string]any) error
	Close() error
}

var errCacheClosed = errors.New("cache closed")

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory Cache.
type MemoryCache struct {
	mu     sync.RWMutex
	stores map[string]map[string][]byte
	closed bool
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{stores: make(map[string]map[string][]byte)}
}

func (c *MemoryCache) Put(_ context.Context, store, key string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errCacheClosed
	}
	s, ok := c.stores[store]
	if !ok {
		s = make(map[string][]byte)
		c.stores[store] = s
	}
	s[key] = data
	return nil
}

func (c *MemoryCache) Get(_ context.Context, store, key string, dst any) (bool, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false, errCacheClosed
	}
	data, ok := c.stores[store][key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode record: %w", err)
	}
	return true, nil
}

func (c *MemoryCache) Delete(_ context.Context, store, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errCacheClosed
	}
	delete(c.stores[store], key)
	return nil
}

// List returns the records of store ordered by key.
func (c *MemoryCache) List(_ context.Context, store string) ([]json.RawMessage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, errCacheClosed
	}
	s := c.stores[store]
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		out = append(out, json.RawMessage(append([]byte(nil), s[k]...)))
	}
	return out, nil
}

func (c *MemoryCache) Replace(_ context.Context, store string, records map[string]any) error {
	s := make(map[string][]byte, len(records))
	for k, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", k, err)
		}
		s[k] = data
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errCacheClosed
	}
	c.stores[store] = s
	return nil
}

func (c *MemoryCache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.stores = make(map[string]map[string][]byte)
	c.mu.Unlock()
	return nil
}

// ============================================================================
// SQLiteCache
// ============================================================================

// SQLiteCache is a Cache persisted in a single SQLite file.
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteCache opens (creating if needed) the cache at path. ":memory:"
// gives a private in-memory database.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	c := &SQLiteCache{db: db, now: time.Now}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCache) migrate() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			store      TEXT    NOT NULL,
			key        TEXT    NOT NULL,
			data       BLOB    NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (store, key)
		)`)
	if err != nil {
		return fmt.Errorf("migrate cache: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Put(ctx context.Context, store, key string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO records (store, key, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (store, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		store, key, data, c.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", store, key, err)
	}
	return nil
}

func (c *SQLiteCache) Get(ctx context.Context, store, key string, dst any) (bool, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, `SELECT data FROM records WHERE store = ? AND key = ?`, store, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", store, key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode record: %w", err)
	}
	return true, nil
}

func (c *SQLiteCache) Delete(ctx context.Context, store, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM records WHERE store = ? AND key = ?`, store, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", store, key, err)
	}
	return nil
}

// List returns the records of store ordered by key.
func (c *SQLiteCache) List(ctx context.Context, store string) ([]json.RawMessage, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT data FROM records WHERE store = ? ORDER BY key`, store)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", store, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list %s: %w", store, err)
		}
		out = append(out, json.RawMessage(data))
	}
	return out, rows.Err()
}

func (c *SQLiteCache) Replace(ctx context.Context, store string, records map[string]any) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace %s: %w", store, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE store = ?`, store); err != nil {
		return fmt.Errorf("replace %s: %w", store, err)
	}
	now := c.now().UnixMilli()
	for key, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (store, key, data, updated_at) VALUES (?, ?, ?, ?)`,
			store, key, data, now); err != nil {
			return fmt.Errorf("replace %s/%s: %w", store, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace %s: %w", store, err)
	}
	return nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
