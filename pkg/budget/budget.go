// Package budget enforces per-loop resource ceilings and stop triggers.
// Budgets answer "may another iteration start"; they never interrupt one
// already in flight.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Counter names tracked per loop.
const (
	CounterIterations = "iterations"
	CounterOracleRuns = "oracle_runs"
)

// StopTrigger names the condition that preempted a loop. Fired triggers are
// recorded permanently on the loop.
type StopTrigger string

const (
	TriggerIterationBudget   StopTrigger = "iteration_budget_exceeded"
	TriggerOracleRunBudget   StopTrigger = "oracle_run_budget_exceeded"
	TriggerWallclockBudget   StopTrigger = "wallclock_budget_exceeded"
	TriggerBlockingException StopTrigger = "blocking_exception_open"
)

// Action is what a fired trigger does to the loop.
type Action string

const (
	ActionPause Action = "pause"
	ActionClose Action = "close"
)

// TriggerPolicy maps each trigger to the action it forces. The mapping is
// injected configuration, not hard-coded behavior.
type TriggerPolicy map[StopTrigger]Action

// DefaultTriggerPolicy pauses on every trigger so an operator can inspect
// and resume; nothing closes a loop automatically.
func DefaultTriggerPolicy() TriggerPolicy {
	return TriggerPolicy{
		TriggerIterationBudget:   ActionPause,
		TriggerOracleRunBudget:   ActionPause,
		TriggerWallclockBudget:   ActionPause,
		TriggerBlockingException: ActionPause,
	}
}

// ActionFor resolves the action for a trigger, pausing when unmapped.
func (p TriggerPolicy) ActionFor(trigger StopTrigger) Action {
	if a, ok := p[trigger]; ok {
		return a
	}
	return ActionPause
}

// Budget is the resource ceiling triple of one loop.
type Budget struct {
	MaxIterations int           `json:"max_iterations" yaml:"max_iterations"`
	MaxOracleRuns int           `json:"max_oracle_runs" yaml:"max_oracle_runs"`
	MaxWallclock  time.Duration `json:"max_wallclock" yaml:"max_wallclock"`
}

// DefaultBudget returns the standard ceilings.
func DefaultBudget() Budget {
	return Budget{
		MaxIterations: 5,
		MaxOracleRuns: 25,
		MaxWallclock:  16 * time.Hour,
	}
}

// Validate rejects non-positive ceilings.
func (b Budget) Validate() error {
	if b.MaxIterations <= 0 {
		return fmt.Errorf("budget: max_iterations must be positive")
	}
	if b.MaxOracleRuns <= 0 {
		return fmt.Errorf("budget: max_oracle_runs must be positive")
	}
	if b.MaxWallclock <= 0 {
		return fmt.Errorf("budget: max_wallclock must be positive")
	}
	return nil
}

// CounterStore tracks monotonically increasing per-loop counters. Incr must
// be atomic so concurrent iterations never under-count.
type CounterStore interface {
	Incr(ctx context.Context, loopID, counter string) (int64, error)
	Get(ctx context.Context, loopID, counter string) (int64, error)
}

// MemoryCounterStore is the in-process counter backend.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMemoryCounterStore returns an empty counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]int64)}
}

func key(loopID, counter string) string { return loopID + "/" + counter }

func (m *MemoryCounterStore) Incr(ctx context.Context, loopID, counter string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key(loopID, counter)]++
	return m.counters[key(loopID, counter)], nil
}

func (m *MemoryCounterStore) Get(ctx context.Context, loopID, counter string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key(loopID, counter)], nil
}
