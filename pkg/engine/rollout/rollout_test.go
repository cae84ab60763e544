package rollout

import (
	"context"
	"testing"

	"turnengine/pkg/engine/api"
)

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, "conv-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	seq0, err := log.Append(ctx, Item{Kind: ItemMessage, Message: &api.LLMMessage{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	seq1, err := log.Append(ctx, Item{Kind: ItemMessage, Message: &api.LLMMessage{Role: "assistant", Content: "hello"}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq1 != seq0+1 {
		t.Fatalf("expected monotonic seq, got %d then %d", seq0, seq1)
	}

	items, err := log.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
}

func TestReopenResumesSeq(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	log1, err := Open(dir, "conv-2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := log1.Append(ctx, Item{Kind: ItemMessage, Message: &api.LLMMessage{Role: "user", Content: "x"}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	log2, err := Open(dir, "conv-2")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	seq, err := log2.Append(ctx, Item{Kind: ItemMessage, Message: &api.LLMMessage{Role: "user", Content: "y"}})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if seq != 3 {
		t.Fatalf("expected seq 3 after reopen, got %d", seq)
	}
}

func TestEffectiveHistoryAppliesRollback(t *testing.T) {
	items := []Item{
		{Seq: 0, Kind: ItemMessage, Message: &api.LLMMessage{Role: "user", Content: "a"}},
		{Seq: 1, Kind: ItemMessage, Message: &api.LLMMessage{Role: "assistant", Content: "b"}},
		{Seq: 2, Kind: ItemRollback, Rollback: &RollbackMarker{CutSeq: 1}},
		{Seq: 3, Kind: ItemMessage, Message: &api.LLMMessage{Role: "user", Content: "c"}},
	}
	live := EffectiveHistory(items)
	if len(live) != 3 {
		t.Fatalf("expected 3 live items after rollback, got %d", len(live))
	}
	if live[0].Seq != 0 {
		t.Fatalf("expected first live item to be seq 0, got %d", live[0].Seq)
	}
}

func TestEffectiveHistoryCollapsesCompaction(t *testing.T) {
	items := []Item{
		{Seq: 0, Kind: ItemMessage, Message: &api.LLMMessage{Role: "user", Content: "a"}},
		{Seq: 1, Kind: ItemMessage, Message: &api.LLMMessage{Role: "assistant", Content: "b"}},
		{Seq: 2, Kind: ItemCompaction, Compaction: &CompactionMarker{SummarySeq: 2, Summary: "summary of a,b"}},
		{Seq: 3, Kind: ItemMessage, Message: &api.LLMMessage{Role: "user", Content: "c"}},
	}
	live := EffectiveHistory(items)
	if len(live) != 2 {
		t.Fatalf("expected summary + 1 trailing item, got %d", len(live))
	}
	if live[0].Message.Content != "summary of a,b" {
		t.Fatalf("expected summary content, got %q", live[0].Message.Content)
	}
}
