package sqlite

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Tommyz123/AI-notary/pkg/models"
)

// Cache is a TTL-bounded response cache backed by SQLite. Entries are keyed
// by a deterministic fingerprint of the request and are never mutated in
// place, only overwritten. Reads of expired entries report a miss.
type Cache struct {
	db     *sql.DB
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS api_cache (
	cache_key TEXT PRIMARY KEY,
	response TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON api_cache (expires_at);
`

// New opens the cache database at the given path and creates the schema.
func New(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, now: time.Now}, nil
}

// Key computes the cache fingerprint for a request. The digest covers the
// ordered message sequence, model, temperature and response-length budget.
// Unordered fields are serialized through a map, which encoding/json emits
// in sorted key order, so field ordering never changes the digest.
func Key(messages []models.ChatMessage, model string, temperature float64, maxTokens int) string {
	payload := map[string]any{
		"messages":    messages,
		"model":       model,
		"temperature": temperature,
		"max_tokens":  maxTokens,
	}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get retrieves a cached response. It reports a miss when the key is absent,
// the entry has expired, or the read fails: the cache is an optimization, so
// storage errors fall open toward the upstream call.
func (c *Cache) Get(key string) (string, bool) {
	var response string
	var expiresAt time.Time

	err := c.db.QueryRow(
		`SELECT response, expires_at FROM api_cache WHERE cache_key = ?`,
		key,
	).Scan(&response, &expiresAt)

	if err != nil {
		c.misses.Add(1)
		return "", false
	}

	if !c.now().Before(expiresAt) {
		c.misses.Add(1)
		return "", false
	}

	c.hits.Add(1)
	return response, true
}

// Put stores a response with the given TTL, overwriting any prior entry at
// the same key.
func (c *Cache) Put(key, response string, ttl time.Duration) error {
	now := c.now().UTC()
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO api_cache (cache_key, response, created_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		key, response, now, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// SweepExpired removes all entries whose expiry has passed and returns the
// number removed. Safe to call on any schedule; a sweep with nothing expired
// is a no-op.
func (c *Cache) SweepExpired() (int64, error) {
	res, err := c.db.Exec(`DELETE FROM api_cache WHERE expires_at <= ?`, c.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM api_cache`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired entries
// are removed.
func (c *Cache) Clear(expiredOnly bool) error {
	if expiredOnly {
		_, err := c.SweepExpired()
		return err
	}
	if _, err := c.db.Exec(`DELETE FROM api_cache`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
