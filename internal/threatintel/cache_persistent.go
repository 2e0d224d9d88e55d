package threatintel

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog/log"

	"github.com/dshield/mcp-analytics/internal/model"
)

// PersistentCache is the second cache tier: a local sqlite-backed
// key/value store with a longer TTL than the in-memory tier. Writes are
// asynchronous and never block the caller; a single writer goroutine
// drains a bounded channel of pending writes so no two goroutines ever
// hold a sqlite write transaction at once. On channel overflow the
// oldest pending write is dropped — the persistent tier is best-effort,
// never a source of backpressure on the hot path.
type PersistentCache struct {
	db        *sql.DB
	writes    chan writeRequest
	closing   chan struct{}
	closeOnce sync.Once
}

type writeRequest struct {
	key       string
	payload   []byte
	expiresAt int64
}

const persistentCacheSchema = `
CREATE TABLE IF NOT EXISTS threatintel_cache (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);`

// OpenPersistentCache opens (creating if necessary) the sqlite-backed
// store at path, sweeps already-expired entries, and starts the writer
// goroutine. The caller owns calling Close on shutdown.
func OpenPersistentCache(path string, writeQueueDepth int) (*PersistentCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // single-writer discipline; modernc.org/sqlite serializes anyway
	if _, err := db.Exec(persistentCacheSchema); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`DELETE FROM threatintel_cache WHERE expires_at < ?`, time.Now().Unix()); err != nil {
		log.Warn().Err(err).Msg("threatintel: startup sweep of expired cache entries failed")
	}

	if writeQueueDepth <= 0 {
		writeQueueDepth = 256
	}
	c := &PersistentCache{db: db, writes: make(chan writeRequest, writeQueueDepth), closing: make(chan struct{})}
	go c.run()
	return c, nil
}

// Get reads a cached value synchronously; reads never go through the write
// queue. They share the single open database connection with the writer,
// so a read waits while a write transaction is in progress.
func (c *PersistentCache) Get(ctx context.Context, key string) (model.ThreatIntelResult, bool, error) {
	row := c.db.QueryRowContext(ctx, `SELECT value, expires_at FROM threatintel_cache WHERE key = ?`, key)
	var payload []byte
	var expiresAt int64
	if err := row.Scan(&payload, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return model.ThreatIntelResult{}, false, nil
		}
		return model.ThreatIntelResult{}, false, err
	}
	if time.Now().Unix() > expiresAt {
		return model.ThreatIntelResult{}, false, nil
	}
	var value model.ThreatIntelResult
	if err := json.Unmarshal(payload, &value); err != nil {
		return model.ThreatIntelResult{}, false, err
	}
	return value, true, nil
}

// PutAsync enqueues a write without blocking the caller. If the queue is
// full, the oldest pending write is dropped to make room.
func (c *PersistentCache) PutAsync(key string, value model.ThreatIntelResult, ttl time.Duration) {
	payload, err := json.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("threatintel: failed to encode cache entry")
		return
	}
	req := writeRequest{key: key, payload: payload, expiresAt: time.Now().Add(ttl).Unix()}

	select {
	case c.writes <- req:
		return
	default:
	}
	select {
	case <-c.writes:
	default:
	}
	select {
	case c.writes <- req:
	default:
	}
}

func (c *PersistentCache) run() {
	for {
		select {
		case req := <-c.writes:
			c.writeOne(req)
		case <-c.closing:
			return
		}
	}
}

func (c *PersistentCache) writeOne(req writeRequest) {
	tx, err := c.db.Begin()
	if err != nil {
		log.Warn().Err(err).Msg("threatintel: persistent cache write transaction failed to start")
		return
	}
	if _, err := tx.Exec(`INSERT INTO threatintel_cache(key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		req.key, req.payload, req.expiresAt); err != nil {
		tx.Rollback()
		log.Warn().Err(err).Str("key", req.key).Msg("threatintel: persistent cache write failed")
		return
	}
	if err := tx.Commit(); err != nil {
		log.Warn().Err(err).Str("key", req.key).Msg("threatintel: persistent cache commit failed")
	}
}

// Close stops the writer goroutine and closes the database handle.
// Idempotent, matching the teardown contract for the process's shared
// state.
func (c *PersistentCache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.db.Close()
	})
	return err
}
