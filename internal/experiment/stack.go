package experiment

import (
	"context"
	"slices"
	"sync"
)

// stack holds the active runs of one execution context, outermost first.
// parent is the active run of the context this stack was forked from.
type stack struct {
	mu     sync.Mutex
	runs   []*Run
	parent *Run
}

type stackKey struct{}

func stackFrom(ctx context.Context) *stack {
	s, _ := ctx.Value(stackKey{}).(*stack)
	return s
}

// withStack returns ctx carrying a run stack, creating one if needed.
func withStack(ctx context.Context) (context.Context, *stack) {
	if s := stackFrom(ctx); s != nil {
		return ctx, s
	}
	s := &stack{}
	return context.WithValue(ctx, stackKey{}, s), s
}

// Fork returns a context with its own empty run stack. Nested runs started
// in the fork become children of ctx's current run. Use one fork per
// goroutine that starts runs.
func Fork(ctx context.Context) context.Context {
	return context.WithValue(ctx, stackKey{}, &stack{parent: Current(ctx)})
}

// Current returns the innermost active run of ctx, or the fork parent when
// ctx has started none. Nil when there is neither.
func Current(ctx context.Context) *Run {
	s := stackFrom(ctx)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.runs); n > 0 {
		return s.runs[n-1]
	}
	if s.parent != nil && s.parent.Active() {
		return s.parent
	}
	return nil
}

// ActiveRuns returns the active runs started in ctx, outermost first.
func ActiveRuns(ctx context.Context) []*Run {
	s := stackFrom(ctx)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.runs)
}

func (s *stack) push(r *Run) {
	s.mu.Lock()
	s.runs = append(s.runs, r)
	s.mu.Unlock()
}

// drain removes and returns every run, innermost first.
func (s *stack) drain() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.runs)
	slices.Reverse(out)
	s.runs = nil
	return out
}

// above returns the runs nested inside r, innermost first.
func (s *stack) above(r *Run) []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.runs, r)
	if i < 0 {
		return nil
	}
	out := slices.Clone(s.runs[i+1:])
	slices.Reverse(out)
	return out
}

func (s *stack) remove(r *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.runs, r); i >= 0 {
		s.runs = slices.Delete(s.runs, i, i+1)
	}
}

func (s *stack) top() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.runs); n > 0 {
		return s.runs[n-1]
	}
	return nil
}
