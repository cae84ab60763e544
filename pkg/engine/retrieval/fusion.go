package retrieval

import "sort"

// FusedResult is a chunk that survived fusion across one or more ranked
// result lists, carrying its per-source rank contributions for
// debugging/display.
type FusedResult struct {
	Chunk      Chunk
	Score      float64
	SourceRank map[string]int // 1-based rank within each contributing source
}

// reciprocalRankConstant is the standard RRF damping constant (k=60),
// chosen so that a result's rank dominates over a source's absolute
// score scale — the reason RRF is preferred here over manifold's
// normalized-weighted-sum (alpha*bm25 + beta*cosine): BM25 and cosine
// scores live on different, hard-to-compare scales, while rank position
// is directly comparable across sources.
const reciprocalRankConstant = 60.0

// FuseReciprocalRank combines ranked result lists from multiple
// retrieval sources (e.g. "bm25", "vector", "recency") into one ordered
// list using Reciprocal Rank Fusion: score(d) = sum over sources of
// 1/(k + rank_source(d)).
func FuseReciprocalRank(sources map[string][]string) []FusedResult {
	scores := make(map[string]float64)
	sourceRank := make(map[string]map[string]int)

	for source, ids := range sources {
		for i, id := range ids {
			rank := i + 1
			scores[id] += 1.0 / (reciprocalRankConstant + float64(rank))
			if sourceRank[id] == nil {
				sourceRank[id] = make(map[string]int)
			}
			sourceRank[id][source] = rank
		}
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j] // deterministic tiebreak
	})

	out := make([]FusedResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, FusedResult{
			Chunk:      Chunk{ID: id},
			Score:      scores[id],
			SourceRank: sourceRank[id],
		})
	}
	return out
}

// hydrate attaches the full Chunk bodies to fused results given a lookup
// built from the contributing result sets.
func hydrate(fused []FusedResult, byID map[string]Chunk) []FusedResult {
	out := make([]FusedResult, 0, len(fused))
	for _, f := range fused {
		if ch, ok := byID[f.Chunk.ID]; ok {
			f.Chunk = ch
			out = append(out, f)
		}
	}
	return out
}
