package ptyexec

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestSessionRunsAndProducesOutput(t *testing.T) {
	m := NewManager(t.TempDir())
	s, err := m.Open(context.Background(), "echo hello-pty", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	out := string(s.Read())
	if !strings.Contains(out, "hello-pty") {
		t.Fatalf("expected output to contain hello-pty, got %q", out)
	}
}

func TestSpawnTaskReturnsResult(t *testing.T) {
	m := NewManager(t.TempDir())
	task := m.SpawnTask("echo background-task", t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := task.Result(ctx)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Status != "success" {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.Contains(res.Content, "background-task") {
		t.Fatalf("expected output, got %q", res.Content)
	}
}

func TestSpawnTaskCancel(t *testing.T) {
	m := NewManager(t.TempDir())
	task := m.SpawnTask("sleep 5", t.TempDir())
	task.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := task.Result(ctx)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Status != "error" {
		t.Fatalf("expected canceled task to report error status, got %+v", res)
	}
}
