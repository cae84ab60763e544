// Package retrieval implements code-aware context retrieval: a tag
// extractor and cache over source files, a chunk index searchable by
// BM25 and vector similarity with reciprocal-rank fusion, a rewrite
// cache for expanded queries, and a recent-files LRU.
package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// Chunk is one retrievable unit of source text.
type Chunk struct {
	ID        string
	Path      string
	StartLine int
	EndLine   int
	Text      string
	Embedding []float32
}

// ChunkIndex stores chunks in SQLite and serves BM25 (via SQLite FTS5)
// and vector (in-process cosine) search over them.
type ChunkIndex struct {
	db *sql.DB
}

// OpenChunkIndex opens (creating if necessary) the chunk index database
// at workspaceRoot/.retrieval/chunks.db.
func OpenChunkIndex(ctx context.Context, workspaceRoot string) (*ChunkIndex, error) {
	path := filepath.Join(workspaceRoot, ".retrieval", "chunks.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk index: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	id         TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	start_line INTEGER NOT NULL,
	end_line   INTEGER NOT NULL,
	text       TEXT NOT NULL,
	embedding  BLOB
);
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	id UNINDEXED, text, tokenize='porter unicode61'
);
CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init chunk index schema: %w", err)
	}
	return &ChunkIndex{db: db}, nil
}

// Close releases the underlying database handle.
func (c *ChunkIndex) Close() error { return c.db.Close() }

// Upsert inserts or replaces a chunk and its FTS row.
func (c *ChunkIndex) Upsert(ctx context.Context, ch Chunk) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	emb, err := encodeEmbedding(ch.Embedding)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO chunks (id, path, start_line, end_line, text, embedding)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET path=excluded.path, start_line=excluded.start_line,
	end_line=excluded.end_line, text=excluded.text, embedding=excluded.embedding;
`, ch.ID, ch.Path, ch.StartLine, ch.EndLine, ch.Text, emb); err != nil {
		return fmt.Errorf("failed to upsert chunk: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE id = ?;`, ch.ID); err != nil {
		return fmt.Errorf("failed to clear fts row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO chunks_fts (id, text) VALUES (?, ?);`, ch.ID, ch.Text); err != nil {
		return fmt.Errorf("failed to insert fts row: %w", err)
	}

	return tx.Commit()
}

// DeleteByPath removes every chunk belonging to path (used when a file
// is re-indexed or removed).
func (c *ChunkIndex) DeleteByPath(ctx context.Context, path string) error {
	rows, err := c.db.QueryContext(ctx, `SELECT id FROM chunks WHERE path = ?;`, path)
	if err != nil {
		return fmt.Errorf("failed to list chunk ids: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?;`, id); err != nil {
			return err
		}
		if _, err := c.db.ExecContext(ctx, `DELETE FROM chunks_fts WHERE id = ?;`, id); err != nil {
			return err
		}
	}
	return nil
}

// BM25Result is a full-text search hit with its FTS5 bm25() score.
type BM25Result struct {
	Chunk Chunk
	Score float64 // SQLite FTS5 bm25(): more negative is more relevant
}

// SearchBM25 runs an FTS5 query and returns up to k hits ordered by
// relevance (best first).
func (c *ChunkIndex) SearchBM25(ctx context.Context, query string, k int) ([]BM25Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	rows, err := c.db.QueryContext(ctx, `
SELECT c.id, c.path, c.start_line, c.end_line, c.text, bm25(chunks_fts) AS rank
FROM chunks_fts JOIN chunks c ON c.id = chunks_fts.id
WHERE chunks_fts MATCH ?
ORDER BY rank LIMIT ?;
`, query, k)
	if err != nil {
		return nil, fmt.Errorf("bm25 search failed: %w", err)
	}
	defer rows.Close()

	var out []BM25Result
	for rows.Next() {
		var r BM25Result
		if err := rows.Scan(&r.Chunk.ID, &r.Chunk.Path, &r.Chunk.StartLine, &r.Chunk.EndLine, &r.Chunk.Text, &r.Score); err != nil {
			return nil, fmt.Errorf("failed to scan bm25 row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// VectorResult is a vector-similarity hit.
type VectorResult struct {
	Chunk Chunk
	Score float64 // cosine similarity, higher is better
}

// SearchVector computes cosine similarity between query and every
// embedded chunk in-process, returning the top k. This is adequate at
// the scale of a single workspace's chunk count; it intentionally does
// not shell out to an external vector database (see DESIGN.md).
func (c *ChunkIndex) SearchVector(ctx context.Context, query []float32, k int) ([]VectorResult, error) {
	if len(query) == 0 {
		return nil, nil
	}
	rows, err := c.db.QueryContext(ctx, `SELECT id, path, start_line, end_line, text, embedding FROM chunks WHERE embedding IS NOT NULL;`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunks for vector search: %w", err)
	}
	defer rows.Close()

	var all []VectorResult
	for rows.Next() {
		var ch Chunk
		var emb []byte
		if err := rows.Scan(&ch.ID, &ch.Path, &ch.StartLine, &ch.EndLine, &ch.Text, &emb); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		vec, err := decodeEmbedding(emb)
		if err != nil {
			continue
		}
		all = append(all, VectorResult{Chunk: ch, Score: cosineSimilarity(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func encodeEmbedding(v []float32) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf, nil
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}
