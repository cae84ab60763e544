// Package rollout implements the append-only per-conversation log that
// backs turn replay and history reconciliation.
package rollout

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"turnengine/pkg/engine/api"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Item Types
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// ItemKind identifies the kind of a rollout item.
type ItemKind string

const (
	ItemMessage    ItemKind = "message"
	ItemToolCall   ItemKind = "tool_call"
	ItemToolResult ItemKind = "tool_result"
	ItemRollback   ItemKind = "rollback"
	ItemCompaction ItemKind = "compaction"
	ItemMeta       ItemKind = "meta"
)

// Item is a single entry in the rollout log. Exactly one payload field
// is populated depending on Kind.
type Item struct {
	Seq       int64           `json:"seq"`
	Kind      ItemKind        `json:"kind"`
	Ts        time.Time       `json:"ts"`
	TurnID    string          `json:"turn_id,omitempty"`
	Message   *api.LLMMessage `json:"message,omitempty"`
	ToolCall  *api.ToolCallPayload `json:"tool_call,omitempty"`
	ToolResult *api.ToolResultPayload `json:"tool_result,omitempty"`
	Rollback  *RollbackMarker `json:"rollback,omitempty"`
	Compaction *CompactionMarker `json:"compaction,omitempty"`
	Meta      map[string]any  `json:"meta,omitempty"`
}

// RollbackMarker records that the items appended before it with
// Seq >= CutSeq are excluded from the effective history projection.
type RollbackMarker struct {
	CutSeq int64  `json:"cut_seq"`
	Reason string `json:"reason,omitempty"`
}

// CompactionMarker records a compaction boundary: in EffectiveHistory,
// items before the last compaction marker are replaced by Summary plus
// the items whose seqs ReplacementHistory lists. With ReplacementHistory
// empty only Summary remains; no budget-based selection is made.
type CompactionMarker struct {
	SummarySeq         int64    `json:"summary_seq"`
	Summary            string   `json:"summary"`
	ReplacementHistory []int64  `json:"replacement_history,omitempty"` // seqs kept verbatim; empty keeps none
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Log
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Log is an append-only per-conversation rollout log backed by one JSONL
// file per conversation, named rollout-<RFC3339-ish timestamp>-<uuid>.jsonl.
type Log struct {
	baseDir        string
	conversationID string
	filePath       string
	mu             sync.Mutex
	nextSeq        int64
}

// Open opens (creating if necessary) the rollout log for conversationID
// under workspaceRoot/rollouts. If a log file for this conversation
// already exists it is reused and nextSeq resumes after the last entry.
func Open(workspaceRoot, conversationID string) (*Log, error) {
	baseDir := filepath.Join(workspaceRoot, "rollouts")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create rollouts directory: %w", err)
	}

	existing, err := findExisting(baseDir, conversationID)
	if err != nil {
		return nil, err
	}

	l := &Log{baseDir: baseDir, conversationID: conversationID}
	if existing != "" {
		l.filePath = existing
		lastSeq, err := lastSeqOf(existing)
		if err != nil {
			return nil, err
		}
		l.nextSeq = lastSeq + 1
		return l, nil
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	name := fmt.Sprintf("rollout-%s-%s.jsonl", stamp, conversationID)
	l.filePath = filepath.Join(baseDir, name)
	return l, nil
}

func findExisting(baseDir, conversationID string) (string, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to list rollouts: %w", err)
	}
	suffix := conversationID + ".jsonl"
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), suffix) {
			return filepath.Join(baseDir, e.Name()), nil
		}
	}
	return "", nil
}

func lastSeqOf(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open rollout file: %w", err)
	}
	defer f.Close()

	var last int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var it Item
		if err := json.Unmarshal(scanner.Bytes(), &it); err != nil {
			continue // tolerate a torn trailing line from a crash mid-write
		}
		if it.Seq > last {
			last = it.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan rollout file: %w", err)
	}
	return last, nil
}

// NewConversationID generates a fresh 128-bit conversation identifier.
func NewConversationID() string {
	return uuid.NewString()
}

// Append writes it to the log, assigning Seq and Ts if unset, and
// returns the assigned sequence number. Writes are append-only: the
// underlying file is opened O_APPEND so a torn write never corrupts a
// prior line.
func (l *Log) Append(ctx context.Context, it Item) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if it.Ts.IsZero() {
		it.Ts = time.Now()
	}
	it.Seq = l.nextSeq
	l.nextSeq++

	line, err := json.Marshal(it)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal rollout item: %w", err)
	}

	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open rollout file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("failed to append rollout item: %w", err)
	}
	return it.Seq, nil
}

// Scan returns every item physically present in the log, in append order,
// including items that a rollback or compaction marker later excludes
// from the effective history.
func (l *Log) Scan(ctx context.Context) ([]Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.filePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open rollout file: %w", err)
	}
	defer f.Close()

	var items []Item
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var it Item
		if err := json.Unmarshal(scanner.Bytes(), &it); err != nil {
			continue
		}
		items = append(items, it)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan rollout file: %w", err)
	}
	return items, nil
}

// EffectiveHistory projects Scan's raw item list down to the items that
// currently count as conversation history: each rollback marker drops
// the items before it with Seq >= its CutSeq, and spans covered by a
// compaction marker are collapsed to that marker's summary (plus any seqs
// ReplacementHistory names to keep verbatim).
func EffectiveHistory(items []Item) []Item {
	live := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Kind == ItemRollback && it.Rollback != nil {
			kept := live[:0]
			for _, l := range live {
				if l.Seq < it.Rollback.CutSeq {
					kept = append(kept, l)
				}
			}
			live = kept
		}
		live = append(live, it)
	}

	var lastCompaction *Item
	for i := range live {
		if live[i].Kind == ItemCompaction {
			lastCompaction = &live[i]
		}
	}
	if lastCompaction == nil {
		return live
	}

	keep := map[int64]bool{}
	for _, seq := range lastCompaction.Compaction.ReplacementHistory {
		keep[seq] = true
	}

	out := make([]Item, 0, len(live))
	summaryInjected := false
	for _, it := range live {
		if it.Seq > lastCompaction.Seq {
			out = append(out, it)
			continue
		}
		if it.Seq == lastCompaction.Seq {
			if !summaryInjected {
				out = append(out, Item{
					Seq:  it.Seq,
					Kind: ItemMessage,
					Ts:   it.Ts,
					Message: &api.LLMMessage{
						Role:    "system",
						Content: lastCompaction.Compaction.Summary,
					},
				})
				summaryInjected = true
			}
			continue
		}
		if len(keep) > 0 && keep[it.Seq] {
			out = append(out, it)
		}
	}
	return out
}

// Rollback appends a rollback marker cutting all earlier items with
// Seq >= cutSeq out of EffectiveHistory. It does not delete or rewrite prior lines,
// preserving the append-only invariant.
func (l *Log) Rollback(ctx context.Context, cutSeq int64, reason string) (int64, error) {
	return l.Append(ctx, Item{Kind: ItemRollback, Rollback: &RollbackMarker{CutSeq: cutSeq, Reason: reason}})
}

// Path returns the backing JSONL file path.
func (l *Log) Path() string { return l.filePath }

// LastSeq returns the highest seq assigned so far, or -1 if the log is
// empty.
func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// ConversationID returns the ID this log was opened for.
func (l *Log) ConversationID() string { return l.conversationID }

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Stream adapter
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// ItemStream is a pull-based reader over a live-growing rollout file,
// mirroring store.fileEventStream's shape.
type ItemStream struct {
	file    *os.File
	scanner *bufio.Scanner
}

// Stream opens a forward-only reader positioned at the start of the log.
func (l *Log) Stream() (*ItemStream, error) {
	f, err := os.Open(l.filePath)
	if os.IsNotExist(err) {
		return &ItemStream{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open rollout file: %w", err)
	}
	return &ItemStream{file: f, scanner: bufio.NewScanner(f)}, nil
}

func (s *ItemStream) Recv() (Item, error) {
	if s.scanner == nil {
		return Item{}, io.EOF
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return Item{}, err
		}
		return Item{}, io.EOF
	}
	var it Item
	if err := json.Unmarshal(s.scanner.Bytes(), &it); err != nil {
		return Item{}, err
	}
	return it, nil
}

func (s *ItemStream) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
