package budget

import (
	"context"
	"fmt"
	"time"
)

// Decision is the outcome of a pre-iteration budget check.
type Decision struct {
	Proceed bool        `json:"proceed"`
	Trigger StopTrigger `json:"trigger,omitempty"`
	Action  Action      `json:"action,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// CheckInput describes the loop state the enforcer judges.
type CheckInput struct {
	LoopID                string
	Budget                Budget
	ActivatedAt           time.Time
	BlockingExceptionOpen bool
}

// Enforcer applies budget ceilings and stop triggers before each iteration.
type Enforcer struct {
	counters CounterStore
	policy   TriggerPolicy
	now      func() time.Time
}

// NewEnforcer builds an enforcer over the given counter backend. A nil
// policy gets the default pause-on-everything mapping.
func NewEnforcer(counters CounterStore, policy TriggerPolicy) *Enforcer {
	if policy == nil {
		policy = DefaultTriggerPolicy()
	}
	return &Enforcer{counters: counters, policy: policy, now: time.Now}
}

// CheckBeforeIteration evaluates the stop triggers in fixed order and
// returns the first that fires. Check order: iteration budget, oracle run
// budget, wall clock, blocking exception. A counter store error fails
// closed: no iteration proceeds on unknown counts.
func (e *Enforcer) CheckBeforeIteration(ctx context.Context, in CheckInput) (Decision, error) {
	if err := in.Budget.Validate(); err != nil {
		return Decision{}, err
	}

	iterations, err := e.counters.Get(ctx, in.LoopID, CounterIterations)
	if err != nil {
		return Decision{}, fmt.Errorf("budget: read iteration count for %s: %w", in.LoopID, err)
	}
	if iterations >= int64(in.Budget.MaxIterations) {
		return e.preempt(TriggerIterationBudget,
			fmt.Sprintf("%d iterations consumed of %d", iterations, in.Budget.MaxIterations)), nil
	}

	runs, err := e.counters.Get(ctx, in.LoopID, CounterOracleRuns)
	if err != nil {
		return Decision{}, fmt.Errorf("budget: read oracle run count for %s: %w", in.LoopID, err)
	}
	if runs >= int64(in.Budget.MaxOracleRuns) {
		return e.preempt(TriggerOracleRunBudget,
			fmt.Sprintf("%d oracle runs consumed of %d", runs, in.Budget.MaxOracleRuns)), nil
	}

	if !in.ActivatedAt.IsZero() {
		elapsed := e.now().Sub(in.ActivatedAt)
		if elapsed >= in.Budget.MaxWallclock {
			return e.preempt(TriggerWallclockBudget,
				fmt.Sprintf("%s elapsed of %s", elapsed.Round(time.Second), in.Budget.MaxWallclock)), nil
		}
	}

	if in.BlockingExceptionOpen {
		return e.preempt(TriggerBlockingException, "a blocking exception is open"), nil
	}

	return Decision{Proceed: true}, nil
}

// RecordIteration consumes one iteration from the loop's budget.
func (e *Enforcer) RecordIteration(ctx context.Context, loopID string) (int64, error) {
	return e.counters.Incr(ctx, loopID, CounterIterations)
}

// RecordOracleRun consumes one oracle run from the loop's budget.
func (e *Enforcer) RecordOracleRun(ctx context.Context, loopID string) (int64, error) {
	return e.counters.Incr(ctx, loopID, CounterOracleRuns)
}

func (e *Enforcer) preempt(trigger StopTrigger, reason string) Decision {
	return Decision{
		Proceed: false,
		Trigger: trigger,
		Action:  e.policy.ActionFor(trigger),
		Reason:  reason,
	}
}
