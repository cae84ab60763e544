// Package reconcile merges streamed model output and tool results into a
// clean transcript suitable for replay as LLM request history.
package reconcile

import (
	"turnengine/pkg/engine/api"
)

// Reconciler rebuilds a flat message transcript from rollout items,
// applying the assistant-merge rule, dropping orphaned tool results, and
// trimming to the last N messages.
type Reconciler struct {
	// KeepLastMessages caps the returned transcript to the last N
	// messages (0 means unbounded).
	KeepLastMessages int
}

// New creates a Reconciler with no trimming.
func New() *Reconciler {
	return &Reconciler{}
}

// Reconcile folds a sequence of raw messages (in arrival order, which may
// include consecutive partial assistant messages emitted during
// streaming, plus tool-call/tool-result pairs) into the canonical
// transcript:
//
//   - Consecutive assistant messages merge: a later assistant message
//     that is a superset-by-prefix of the accumulated text replaces it;
//     any other later assistant message is appended to it (streaming
//     delta append); any trailing ToolCalls from later messages are
//     unioned onto the merged message.
//   - A tool message whose ToolCallID does not match any tool_call id
//     seen so far in an earlier message is dropped (orphan result).
//   - The result is then trimmed to the last KeepLastMessages messages,
//     extended backward where needed so that the window never starts in
//     the middle of an assistant message's tool results.
func (r *Reconciler) Reconcile(raw []api.LLMMessage) []api.LLMMessage {
	merged := mergeAssistantRuns(raw)
	cleaned := dropOrphanToolResults(merged)
	if r.KeepLastMessages > 0 {
		cleaned = trimToLastMessages(cleaned, r.KeepLastMessages)
	}
	return cleaned
}

func mergeAssistantRuns(raw []api.LLMMessage) []api.LLMMessage {
	var out []api.LLMMessage
	for _, m := range raw {
		if m.Role == "assistant" && len(out) > 0 && out[len(out)-1].Role == "assistant" {
			prev := &out[len(out)-1]
			switch {
			case len(m.Content) >= len(prev.Content) && hasPrefix(m.Content, prev.Content):
				// Prefix-superset replace: later message is the fuller
				// version of the same streamed turn.
				prev.Content = m.Content
			default:
				// Not a continuation of the same stream; treat as a
				// streaming delta append.
				prev.Content += m.Content
			}
			prev.ToolCalls = unionToolCalls(prev.ToolCalls, m.ToolCalls)
			continue
		}
		out = append(out, m)
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	if len(prefix) > len(s) {
		return false
	}
	return s[:len(prefix)] == prefix
}

func unionToolCalls(a, b []api.LLMToolCall) []api.LLMToolCall {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a))
	for _, tc := range a {
		seen[tc.ID] = true
	}
	out := a
	for _, tc := range b {
		if !seen[tc.ID] {
			out = append(out, tc)
			seen[tc.ID] = true
		}
	}
	return out
}

func dropOrphanToolResults(msgs []api.LLMMessage) []api.LLMMessage {
	knownCalls := make(map[string]bool)
	out := make([]api.LLMMessage, 0, len(msgs))
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			knownCalls[tc.ID] = true
		}
		if m.Role == "tool" && !knownCalls[m.ToolCallID] {
			continue // orphan: no earlier assistant tool_call with this id
		}
		out = append(out, m)
	}
	return out
}

// trimToLastMessages keeps the last n messages but never starts the kept
// window in the middle of an assistant/tool-result group: it walks
// backward from the desired cut point to the nearest preceding boundary
// (a non-tool message) so that every kept tool message still has its
// originating assistant tool_call in the window.
func trimToLastMessages(msgs []api.LLMMessage, n int) []api.LLMMessage {
	if len(msgs) <= n {
		return msgs
	}
	cut := len(msgs) - n
	for cut > 0 && msgs[cut].Role == "tool" {
		cut--
	}
	return msgs[cut:]
}
