package retrieval

import "testing"

func TestFuseReciprocalRankCombinesSources(t *testing.T) {
	fused := FuseReciprocalRank(map[string][]string{
		"bm25":   {"a", "b", "c"},
		"vector": {"b", "a", "d"},
	})
	if len(fused) != 4 {
		t.Fatalf("expected 4 distinct ids, got %d", len(fused))
	}
	// "a" and "b" each appear in both lists near the top, so one of them
	// should outrank "c" and "d" which only appear in one list.
	top := fused[0].Chunk.ID
	if top != "a" && top != "b" {
		t.Fatalf("expected a dual-source id to rank first, got %q", top)
	}
}

func TestFuseReciprocalRankDeterministicTiebreak(t *testing.T) {
	f1 := FuseReciprocalRank(map[string][]string{"bm25": {"x", "y"}})
	f2 := FuseReciprocalRank(map[string][]string{"bm25": {"x", "y"}})
	if len(f1) != len(f2) {
		t.Fatalf("expected same length")
	}
	for i := range f1 {
		if f1[i].Chunk.ID != f2[i].Chunk.ID {
			t.Fatalf("expected deterministic ordering across runs")
		}
	}
}

func TestRewriteCacheRoundTrip(t *testing.T) {
	c := NewRewriteCache(2, 0)
	c.Put("find auth bug", "find auth bug OR authn OR authentication")
	if got, ok := c.Get("find auth bug"); !ok || got == "" {
		t.Fatalf("expected cached rewrite, got %q ok=%v", got, ok)
	}
}

func TestRewriteCacheEvictsLRU(t *testing.T) {
	c := NewRewriteCache(1, 0)
	c.Put("q1", "r1")
	c.Put("q2", "r2")
	if _, ok := c.Get("q1"); ok {
		t.Fatalf("expected q1 to be evicted once capacity exceeded")
	}
	if _, ok := c.Get("q2"); !ok {
		t.Fatalf("expected q2 to remain cached")
	}
}

func TestRecentFilesMostRecentFirst(t *testing.T) {
	r := NewRecentFiles(2)
	r.Touch("a.go")
	r.Touch("b.go")
	r.Touch("a.go")
	list := r.List()
	if len(list) != 2 || list[0] != "a.go" || list[1] != "b.go" {
		t.Fatalf("expected [a.go b.go], got %v", list)
	}
}
