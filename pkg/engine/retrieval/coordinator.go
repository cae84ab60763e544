package retrieval

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"turnengine/pkg/logger"
)

// Embedder turns text into a vector for similarity search. Concrete
// implementations call out to whatever embedding model the provider
// transport is configured with; this package only needs the interface.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Progress reports incremental status for a long-running retrieval
// operation (initial index build, large rewrite, etc.) so a caller can
// stream it back to the user instead of blocking silently.
type Progress struct {
	Stage   string
	Done    int
	Total   int
	Message string
}

// UnifiedCoordinator owns the chunk index, tag cache, rewrite cache, and
// recent-files LRU for one workspace, runs the search pipeline (BM25,
// plus vector search when enabled), and watches the workspace with a
// debounced fsnotify watcher that invalidates changed files' cached tags
// without re-scanning on every keystroke. The EnableRepomap flag is
// recorded but no repomap pipeline is run.
type UnifiedCoordinator struct {
	workspaceRoot string
	chunks        *ChunkIndex
	tags          *TagCache
	rewrites      *RewriteCache
	recent        *RecentFiles
	embedder      Embedder

	enableVector bool
	enableRepomap bool

	watcher      *fsnotify.Watcher
	debounce     time.Duration
	pendingMu    sync.Mutex
	pendingPaths map[string]struct{}
	debounceTimer *time.Timer
}

// Config controls which pipelines UnifiedCoordinator runs.
type Config struct {
	EnableVector  bool
	EnableRepomap bool
	Debounce      time.Duration
}

// DefaultConfig returns sensible defaults: vector search on, repomap on,
// 500ms debounce.
func DefaultConfig() Config {
	return Config{EnableVector: true, EnableRepomap: true, Debounce: 500 * time.Millisecond}
}

// NewUnifiedCoordinator wires a coordinator over an already-open chunk
// index and tag cache; it creates its own rewrite cache and recent-files LRU.
func NewUnifiedCoordinator(workspaceRoot string, chunks *ChunkIndex, tags *TagCache, embedder Embedder, cfg Config) (*UnifiedCoordinator, error) {
	c := &UnifiedCoordinator{
		workspaceRoot: workspaceRoot,
		chunks:        chunks,
		tags:          tags,
		rewrites:      NewRewriteCache(512, 24*time.Hour),
		recent:        NewRecentFiles(64),
		embedder:      embedder,
		enableVector:  cfg.EnableVector,
		enableRepomap: cfg.EnableRepomap,
		debounce:      cfg.Debounce,
		pendingPaths:  make(map[string]struct{}),
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	c.watcher = w
	if err := w.Add(workspaceRoot); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch workspace root: %w", err)
	}

	go c.watchLoop()
	return c, nil
}

// Close stops the file watcher and releases resources the coordinator
// does not own exclusively (the chunk index and tag cache are closed by
// their owner, not here).
func (c *UnifiedCoordinator) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

func (c *UnifiedCoordinator) watchLoop() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if shouldIgnore(ev.Name) {
				continue
			}
			c.schedule(ev.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("retrieval", "file watcher error", map[string]any{"error": err.Error()})
		}
	}
}

func shouldIgnore(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.Contains(path, ".retrieval"+string(filepath.Separator))
}

// schedule debounces repeated change events on the same file (e.g. an
// editor's save-as-multiple-writes) into a single tag-cache invalidation after the
// configured debounce window has elapsed with no further events.
func (c *UnifiedCoordinator) schedule(path string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	c.pendingPaths[path] = struct{}{}
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	c.debounceTimer = time.AfterFunc(c.debounce, c.flushPending)
}

func (c *UnifiedCoordinator) flushPending() {
	c.pendingMu.Lock()
	paths := make([]string, 0, len(c.pendingPaths))
	for p := range c.pendingPaths {
		paths = append(paths, p)
	}
	c.pendingPaths = make(map[string]struct{})
	c.pendingMu.Unlock()

	ctx := context.Background()
	for _, p := range paths {
		if err := c.tags.Invalidate(ctx, p); err != nil {
			logger.Warn("retrieval", "tag invalidation failed", map[string]any{"path": p, "error": err.Error()})
		}
	}
}

// SearchResult is one ranked hit from Search, fusing BM25 and (if
// enabled) vector similarity.
type SearchResult struct {
	Chunk      Chunk
	Score      float64
	SourceRank map[string]int
}

// Search runs the BM25 and vector pipelines concurrently (via errgroup)
// and fuses them with reciprocal-rank fusion. If query rewriting
// produced a cached expansion it is used for BM25; the raw query is
// always used for embedding.
func (c *UnifiedCoordinator) Search(ctx context.Context, query string, k int) ([]SearchResult, error) {
	effectiveQuery := query
	if rewritten, ok := c.rewrites.Get(query); ok {
		effectiveQuery = rewritten
	}

	var bm25Res []BM25Result
	var vecRes []VectorResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := c.chunks.SearchBM25(gctx, effectiveQuery, k)
		if err != nil {
			return err
		}
		bm25Res = res
		return nil
	})
	if c.enableVector && c.embedder != nil {
		g.Go(func() error {
			vec, err := c.embedder.Embed(gctx, query)
			if err != nil {
				// embedding failure degrades to BM25-only, it does not
				// fail the whole search.
				logger.Warn("retrieval", "embedding failed, continuing bm25-only", map[string]any{"error": err.Error()})
				return nil
			}
			res, err := c.chunks.SearchVector(gctx, vec, k)
			if err != nil {
				return err
			}
			vecRes = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("search pipeline failed: %w", err)
	}

	byID := make(map[string]Chunk, len(bm25Res)+len(vecRes))
	sources := make(map[string][]string, 2)

	bm25IDs := make([]string, len(bm25Res))
	for i, r := range bm25Res {
		bm25IDs[i] = r.Chunk.ID
		byID[r.Chunk.ID] = r.Chunk
	}
	sources["bm25"] = bm25IDs

	if len(vecRes) > 0 {
		vecIDs := make([]string, len(vecRes))
		for i, r := range vecRes {
			vecIDs[i] = r.Chunk.ID
			byID[r.Chunk.ID] = r.Chunk
		}
		sources["vector"] = vecIDs
	}

	fused := hydrate(FuseReciprocalRank(sources), byID)
	if len(fused) > k {
		fused = fused[:k]
	}

	out := make([]SearchResult, len(fused))
	for i, f := range fused {
		out[i] = SearchResult{Chunk: f.Chunk, Score: f.Score, SourceRank: f.SourceRank}
	}
	return out, nil
}

// TouchRecent records a file as recently accessed for ranking bias and
// compaction restore purposes.
func (c *UnifiedCoordinator) TouchRecent(path string) { c.recent.Touch(path) }

// RecentPaths returns recently touched paths, most recent first.
func (c *UnifiedCoordinator) RecentPaths() []string { return c.recent.List() }

// CacheRewrite stores an expanded/rewritten query for future reuse.
func (c *UnifiedCoordinator) CacheRewrite(original, rewritten string) {
	c.rewrites.Put(original, rewritten)
}
