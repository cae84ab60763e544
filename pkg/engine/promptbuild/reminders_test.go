package promptbuild

import (
	"context"
	"testing"

	"turnengine/pkg/engine/api"
)

func TestThrottleFiresOnFirstCall(t *testing.T) {
	calls := 0
	gen := ReminderFunc{FuncName: "t", Fn: func(ctx context.Context, state *api.State) (string, bool) {
		calls++
		return "reminder", true
	}}
	th := NewThrottle(gen, 3)
	content, ok := th.Generate(context.Background(), &api.State{})
	if !ok || content != "reminder" {
		t.Fatalf("expected first call to fire, got ok=%v content=%q", ok, content)
	}
	if calls != 1 {
		t.Fatalf("expected generator invoked once, got %d", calls)
	}
}

func TestThrottleSkipsIntermediateTurns(t *testing.T) {
	calls := 0
	gen := ReminderFunc{FuncName: "t", Fn: func(ctx context.Context, state *api.State) (string, bool) {
		calls++
		return "x", true
	}}
	th := NewThrottle(gen, 3)
	var fired []bool
	for i := 0; i < 6; i++ {
		_, ok := th.Generate(context.Background(), &api.State{})
		fired = append(fired, ok)
	}
	// turns 0,3 fire (period 3): true,false,false,true,false,false
	want := []bool{true, false, false, true, false, false}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("turn %d: expected fired=%v, got %v (all=%v)", i, want[i], fired[i], fired)
		}
	}
}

func TestRunRemindersJoinsMultipleGenerators(t *testing.T) {
	gens := []ReminderGenerator{
		ReminderFunc{FuncName: "a", Fn: func(ctx context.Context, state *api.State) (string, bool) { return "alpha", true }},
		ReminderFunc{FuncName: "b", Fn: func(ctx context.Context, state *api.State) (string, bool) { return "", false }},
		ReminderFunc{FuncName: "c", Fn: func(ctx context.Context, state *api.State) (string, bool) { return "charlie", true }},
	}
	out := RunReminders(context.Background(), &api.State{}, gens)
	if out == "" {
		t.Fatalf("expected non-empty reminders")
	}
}
