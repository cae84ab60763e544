package promptbuild

import (
	"context"
	"sync"

	"turnengine/pkg/engine/api"
)

// ReminderGenerator produces a system-reminder block for the current
// turn, or ok=false to contribute nothing this turn.
type ReminderGenerator interface {
	Name() string
	Generate(ctx context.Context, state *api.State) (content string, ok bool)
}

// ReminderFunc adapts a plain function to ReminderGenerator.
type ReminderFunc struct {
	FuncName string
	Fn       func(ctx context.Context, state *api.State) (string, bool)
}

func (f ReminderFunc) Name() string { return f.FuncName }
func (f ReminderFunc) Generate(ctx context.Context, state *api.State) (string, bool) {
	return f.Fn(ctx, state)
}

// Throttle wraps a ReminderGenerator so it only fires once every
// everyNTurns turns (1 = every turn, 0/negative treated as 1), and
// always fires on its very first call regardless of N — a reminder
// that never has a chance to show itself once is as good as absent.
type Throttle struct {
	gen         ReminderGenerator
	everyNTurns int

	mu    sync.Mutex
	calls int
}

// NewThrottle wraps gen with a firing period of everyNTurns turns.
func NewThrottle(gen ReminderGenerator, everyNTurns int) *Throttle {
	if everyNTurns <= 0 {
		everyNTurns = 1
	}
	return &Throttle{gen: gen, everyNTurns: everyNTurns}
}

// Generate runs the wrapped generator only on the turns permitted by
// the throttle period; other turns return ok=false without invoking
// the underlying generator at all.
func (t *Throttle) Generate(ctx context.Context, state *api.State) (string, bool) {
	t.mu.Lock()
	n := t.calls
	t.calls++
	t.mu.Unlock()

	if n%t.everyNTurns != 0 {
		return "", false
	}
	return t.gen.Generate(ctx, state)
}

// Name passes through the wrapped generator's name.
func (t *Throttle) Name() string { return t.gen.Name() }

// RunReminders runs each generator in order and joins whatever content
// they produce this turn, for injection at a given section (typically
// SectionInjectEnd).
func RunReminders(ctx context.Context, state *api.State, gens []ReminderGenerator) string {
	a := NewAssembler()
	for _, g := range gens {
		if content, ok := g.Generate(ctx, state); ok {
			a.Append(SectionInjectEnd, content)
		}
	}
	return a.sections[SectionInjectEnd]
}
