// Package ptyexec manages long-lived pseudoterminal sessions: interactive
// shells the model can write to and read from across multiple tool calls,
// plus fire-and-forget background tasks with cooperative cancellation.
package ptyexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"

	"turnengine/pkg/engine/api"
)

// ringBufferBytes bounds how much output a session retains; older bytes
// are dropped in favor of newer ones, matching the teacher ShellTool's
// stdout/stderr truncation philosophy generalized to a live stream.
const ringBufferBytes = 256 * 1024

// Session is one long-lived PTY-backed process.
type Session struct {
	ID        string
	cmd       *exec.Cmd
	pty       *os.File
	mu        sync.Mutex
	buf       ringBuffer
	lastRead  time.Time
	done      chan struct{}
	exitErr   error
	cancel    context.CancelFunc
	startedAt time.Time
	idle      *idleMonitor
}

// Manager tracks all open sessions for a workspace.
type Manager struct {
	workspaceRoot string
	mu            sync.Mutex
	sessions      map[string]*Session
	nextID        int
}

// NewManager creates a session manager rooted at workspaceRoot.
func NewManager(workspaceRoot string) *Manager {
	return &Manager{workspaceRoot: workspaceRoot, sessions: make(map[string]*Session)}
}

// Open starts command under a new PTY and begins buffering its output in
// the background. The returned Session is immediately usable for
// Write/Read/Kill; the caller does not block for the command to exit.
func (m *Manager) Open(ctx context.Context, command string, env []string) (*Session, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = m.workspaceRoot
	cmd.Env = append(append([]string{}, os.Environ()...), env...)

	f, err := pty.Start(cmd)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("pty-%d", m.nextID)
	m.mu.Unlock()

	s := &Session{
		ID:        id,
		cmd:       cmd,
		pty:       f,
		done:      make(chan struct{}),
		cancel:    cancel,
		startedAt: time.Now(),
		lastRead:  time.Now(),
	}
	s.idle = newIdleMonitor(s, defaultIdleTimeout)

	var g errgroup.Group
	g.Go(func() error { s.pump(); return nil })
	g.Go(func() error { s.idle.watch(runCtx); return nil })

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	return s, nil
}

// pump reads from the PTY master into the session's ring buffer until
// EOF (process exit or PTY close), then records the exit status.
func (s *Session) pump() {
	defer close(s.done)
	buf := make([]byte, 4096)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(buf[:n])
			s.lastRead = time.Now()
			s.mu.Unlock()
		}
		if err != nil {
			break
		}
	}
	s.exitErr = s.cmd.Wait()
}

// Write sends input to the session's PTY (e.g. a line of interactive
// input, or a control character like Ctrl-C).
func (s *Session) Write(data []byte) error {
	_, err := s.pty.Write(data)
	return err
}

// Read returns everything currently buffered since the last Read call,
// i.e. it drains and resets the ring buffer (a watch-and-advance cursor,
// not a re-readable snapshot).
func (s *Session) Read() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf.Drain()
	return out
}

// Running reports whether the underlying process has not yet exited.
func (s *Session) Running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the session's process exits or ctx is canceled.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill terminates the session's process and closes its PTY.
func (s *Session) Kill() error {
	s.cancel()
	_ = s.pty.Close()
	return nil
}

// Get looks up a session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close terminates and forgets every open session (used at engine
// shutdown so no orphaned child processes survive the turn driver).
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		_ = s.Kill()
		delete(m.sessions, id)
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// idle monitor
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// defaultIdleTimeout kills a session whose PTY has produced no output
// for this long (writes to the session do not reset it), so a hung interactive session
// (e.g. a REPL waiting on a prompt it will never get) doesn't leak.
const defaultIdleTimeout = 30 * time.Minute

type idleMonitor struct {
	session *Session
	timeout time.Duration
}

func newIdleMonitor(s *Session, timeout time.Duration) *idleMonitor {
	return &idleMonitor{session: s, timeout: timeout}
}

func (m *idleMonitor) watch(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.session.done:
			return
		case <-ticker.C:
			m.session.mu.Lock()
			idleFor := time.Since(m.session.lastRead)
			m.session.mu.Unlock()
			if idleFor > m.timeout {
				_ = m.session.Kill()
				return
			}
		}
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Background tasks (non-interactive, fire-and-forget)
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Task is a spawned background command with its own cancellation token
// and final result, independent of the turn that spawned it.
type Task struct {
	ID         string
	CancelFunc context.CancelFunc
	resultCh   chan api.ToolResult
}

// SpawnTask runs command to completion in the background and makes its
// result available via Result once finished, without blocking the
// caller. A distinct cancellation token lets a later tool call cancel it
// cooperatively.
func (m *Manager) SpawnTask(command, dir string) *Task {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("task-%d", m.nextID)
	m.mu.Unlock()

	t := &Task{ID: id, CancelFunc: cancel, resultCh: make(chan api.ToolResult, 1)}

	go func() {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = dir
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		err := cmd.Run()
		if ctx.Err() == context.Canceled {
			t.resultCh <- api.ToolResult{Status: "error", Error: "canceled", Content: out.String()}
			return
		}
		if err != nil {
			t.resultCh <- api.ToolResult{Status: "error", Error: err.Error(), Content: out.String()}
			return
		}
		t.resultCh <- api.ToolResult{Status: "success", Content: out.String()}
	}()

	return t
}

// Result blocks until the task finishes or ctx is canceled.
func (t *Task) Result(ctx context.Context) (api.ToolResult, error) {
	select {
	case r := <-t.resultCh:
		return r, nil
	case <-ctx.Done():
		return api.ToolResult{}, ctx.Err()
	}
}

// Cancel requests cooperative cancellation of the background task.
func (t *Task) Cancel() { t.CancelFunc() }

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// ring buffer
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// ringBuffer accumulates bytes up to ringBufferBytes, dropping the
// oldest data once full, and supports draining (read + clear).
type ringBuffer struct {
	data []byte
}

func (r *ringBuffer) Write(p []byte) {
	r.data = append(r.data, p...)
	if len(r.data) > ringBufferBytes {
		r.data = r.data[len(r.data)-ringBufferBytes:]
	}
}

func (r *ringBuffer) Drain() []byte {
	out := r.data
	r.data = nil
	return out
}
