package reconcile

import (
	"testing"

	"turnengine/pkg/engine/api"
)

func TestReconcileMergesStreamingAssistantDeltas(t *testing.T) {
	raw := []api.LLMMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "Hel"},
		{Role: "assistant", Content: "Hello"},
		{Role: "assistant", Content: "Hello there"},
	}
	got := New().Reconcile(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[1].Content != "Hello there" {
		t.Fatalf("expected merged assistant content, got %q", got[1].Content)
	}
}

func TestReconcileDropsOrphanToolResult(t *testing.T) {
	raw := []api.LLMMessage{
		{Role: "user", Content: "do it"},
		{Role: "tool", ToolCallID: "call_1", Content: "stray result"},
		{Role: "assistant", Content: "ok", ToolCalls: []api.LLMToolCall{{ID: "call_2", Name: "ls"}}},
		{Role: "tool", ToolCallID: "call_2", Content: "files"},
	}
	got := New().Reconcile(raw)
	for _, m := range got {
		if m.Role == "tool" && m.ToolCallID == "call_1" {
			t.Fatalf("orphan tool result for call_1 should have been dropped")
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages after dropping orphan, got %d", len(got))
	}
}

func TestTrimKeepsToolResultWithItsCall(t *testing.T) {
	r := &Reconciler{KeepLastMessages: 2}
	raw := []api.LLMMessage{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "ok", ToolCalls: []api.LLMToolCall{{ID: "c1", Name: "ls"}}},
		{Role: "tool", ToolCallID: "c1", Content: "result"},
	}
	got := r.Reconcile(raw)
	if len(got) != 2 {
		t.Fatalf("expected assistant+tool pair kept together, got %d messages", len(got))
	}
	if got[0].Role != "assistant" || got[1].Role != "tool" {
		t.Fatalf("expected assistant followed by tool, got %+v", got)
	}
}
