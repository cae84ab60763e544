package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Tag is a named code symbol extracted from a source file (function,
// type, method, etc.), identified by the syntax-tree query that found it.
type Tag struct {
	Path string
	Name string
	Kind string // "def" | "ref"
	Line int
}

// TagExtractor pulls Tags out of a single file's contents. Concrete
// implementations run language-specific syntax-tree queries; this
// package only defines the cache around them.
type TagExtractor interface {
	Extract(path string, contents []byte) ([]Tag, error)
}

// TagCache memoizes TagExtractor results per file, keyed by path and
// invalidated by mtime, with a double-check lock pattern: the fast path
// takes a read lock to check whether the cached mtime is still current,
// and only escalates to a write lock (re-checking mtime again before
// doing the expensive extraction) on a miss. This avoids serializing all
// readers behind a single mutex for the common case where nothing
// changed, mirroring the original Rust tag cache's double-check
// optimistic locking.
type TagCache struct {
	db        *sql.DB
	extractor TagExtractor
	mu        sync.RWMutex
}

// OpenTagCache opens (creating if necessary) the tag cache database at
// workspaceRoot/.retrieval/tags.db.
func OpenTagCache(ctx context.Context, workspaceRoot string, extractor TagExtractor) (*TagCache, error) {
	path := filepath.Join(workspaceRoot, ".retrieval", "tags.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tag cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS file_tags (
	path  TEXT PRIMARY KEY,
	mtime INTEGER NOT NULL,
	tags  TEXT NOT NULL
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init tag cache schema: %w", err)
	}
	return &TagCache{db: db, extractor: extractor}, nil
}

// Close releases the underlying database handle.
func (c *TagCache) Close() error { return c.db.Close() }

// Get returns the tags for path, extracting and caching them if the
// cached entry is missing or stale relative to the file's current mtime.
func (c *TagCache) Get(ctx context.Context, path string) ([]Tag, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	mtime := info.ModTime().UnixNano()

	// Fast path: read lock, check cached mtime.
	c.mu.RLock()
	cached, cachedMtime, hit := c.lookup(ctx, path)
	c.mu.RUnlock()
	if hit && cachedMtime == mtime {
		return cached, nil
	}

	// Slow path: escalate to write lock and re-check, since another
	// goroutine may have refreshed this exact path while we waited.
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, cachedMtime, hit = c.lookup(ctx, path)
	if hit && cachedMtime == mtime {
		return cached, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	tags, err := c.extractor.Extract(path, contents)
	if err != nil {
		return nil, fmt.Errorf("failed to extract tags from %s: %w", path, err)
	}

	if err := c.store(ctx, path, mtime, tags); err != nil {
		return nil, err
	}
	return tags, nil
}

func (c *TagCache) lookup(ctx context.Context, path string) ([]Tag, int64, bool) {
	row := c.db.QueryRowContext(ctx, `SELECT mtime, tags FROM file_tags WHERE path = ?;`, path)
	var mtime int64
	var raw string
	if err := row.Scan(&mtime, &raw); err != nil {
		return nil, 0, false
	}
	tags, err := decodeTags(raw)
	if err != nil {
		return nil, 0, false
	}
	return tags, mtime, true
}

func (c *TagCache) store(ctx context.Context, path string, mtime int64, tags []Tag) error {
	raw, err := encodeTags(tags)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
INSERT INTO file_tags (path, mtime, tags) VALUES (?, ?, ?)
ON CONFLICT(path) DO UPDATE SET mtime = excluded.mtime, tags = excluded.tags
WHERE excluded.mtime >= file_tags.mtime;
`, path, mtime, raw)
	if err != nil {
		return fmt.Errorf("failed to store tags for %s: %w", path, err)
	}
	return nil
}

// Invalidate drops the cached entry for path, forcing the next Get to
// re-extract regardless of mtime (used after an external write the
// filesystem watcher reports with an unreliable mtime resolution).
func (c *TagCache) Invalidate(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `DELETE FROM file_tags WHERE path = ?;`, path)
	return err
}
