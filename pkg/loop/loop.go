// Package loop implements the governed work loop: its lifecycle state
// machine, its append-only event history, and the engine that runs budgeted,
// gated iterations against a work surface.
package loop

import (
	"errors"
	"fmt"
	"time"

	"github.com/loopgate/core/pkg/budget"
	"github.com/loopgate/core/pkg/refs"
	"github.com/loopgate/core/pkg/surface"
)

// State is a loop lifecycle state.
type State string

const (
	StateCreated State = "CREATED"
	StateActive  State = "ACTIVE"
	StatePaused  State = "PAUSED"
	StateClosed  State = "CLOSED"
)

// Event is a lifecycle transition request.
type Event string

const (
	EventActivate Event = "activate"
	EventPause    Event = "pause"
	EventResume   Event = "resume"
	EventClose    Event = "close"
)

// ErrInvalidTransition is returned for any (state, event) pair outside the
// transition table. Repeating an already-applied transition is invalid too:
// actions are idempotent-safe, not idempotent.
var ErrInvalidTransition = errors.New("loop: invalid transition")

var transitions = map[State]map[Event]State{
	StateCreated: {
		EventActivate: StateActive,
	},
	StateActive: {
		EventPause: StatePaused,
		EventClose: StateClosed,
	},
	StatePaused: {
		EventResume: StateActive,
		EventClose:  StateClosed,
	},
	// CLOSED is terminal.
}

// Transition is the pure lifecycle table. It touches no entity state.
func Transition(from State, event Event) (State, error) {
	if next, ok := transitions[from][event]; ok {
		return next, nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
}

// Exception is an open exception on a loop, created when a gate admitted
// with an exercised override. A blocking exception stops new iterations
// until resolved.
type Exception struct {
	ExceptionID string    `json:"exception_id"`
	OverrideID  string    `json:"override_id"`
	GateID      string    `json:"gate_id"`
	StageID     string    `json:"stage_id"`
	Blocking    bool      `json:"blocking"`
	OpenedAt    time.Time `json:"opened_at"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
}

// Open reports whether the exception is unresolved.
func (e Exception) Open() bool { return e.ResolvedAt.IsZero() }

// FiredTrigger is a permanently recorded stop trigger.
type FiredTrigger struct {
	Trigger budget.StopTrigger `json:"trigger"`
	Action  budget.Action      `json:"action"`
	Reason  string             `json:"reason"`
	FiredAt time.Time          `json:"fired_at"`
}

// Loop is the governed work loop entity. All mutation goes through the
// Engine; readers get snapshots.
type Loop struct {
	LoopID       string               `json:"loop_id"`
	Goal         string               `json:"goal"`
	State        State                `json:"state"`
	Budget       budget.Budget        `json:"budget"`
	WorkSurface  *surface.WorkSurface `json:"work_surface,omitempty"`
	DirectiveRef *refs.TypedRef       `json:"directive_ref,omitempty"`

	Iterations int64 `json:"iterations"`
	OracleRuns int64 `json:"oracle_runs"`

	// LastEventID and LastEventSeq identify the newest committed history
	// event for this loop, stamped on every append.
	LastEventID  string `json:"last_event_id,omitempty"`
	LastEventSeq uint64 `json:"last_event_seq,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`

	FiredTriggers []FiredTrigger `json:"fired_triggers,omitempty"`
	Exceptions    []Exception    `json:"exceptions,omitempty"`
}

// BlockingExceptionOpen reports whether any open exception blocks new
// iterations.
func (l *Loop) BlockingExceptionOpen() bool {
	for _, ex := range l.Exceptions {
		if ex.Blocking && ex.Open() {
			return true
		}
	}
	return false
}

// UnresolvedTrigger reports whether a fired trigger is still standing.
// Triggers are never deleted; resuming past one requires raising the
// corresponding budget so the enforcer stops firing it.
func (l *Loop) UnresolvedTrigger() bool {
	if len(l.FiredTriggers) == 0 {
		return false
	}
	last := l.FiredTriggers[len(l.FiredTriggers)-1]
	switch last.Trigger {
	case budget.TriggerIterationBudget:
		return l.Iterations >= int64(l.Budget.MaxIterations)
	case budget.TriggerOracleRunBudget:
		return l.OracleRuns >= int64(l.Budget.MaxOracleRuns)
	case budget.TriggerBlockingException:
		return l.BlockingExceptionOpen()
	case budget.TriggerWallclockBudget:
		// Standing unless the wallclock ceiling was raised.
		return !l.ActivatedAt.IsZero() && time.Since(l.ActivatedAt) >= l.Budget.MaxWallclock
	}
	return false
}

// snapshot returns a defensive copy for callers outside the engine lock.
func (l *Loop) snapshot() *Loop {
	cp := *l
	cp.FiredTriggers = append([]FiredTrigger(nil), l.FiredTriggers...)
	cp.Exceptions = append([]Exception(nil), l.Exceptions...)
	if l.WorkSurface != nil {
		ws := *l.WorkSurface
		ws.Stages = append([]surface.StageRecord(nil), l.WorkSurface.Stages...)
		cp.WorkSurface = &ws
	}
	return &cp
}
