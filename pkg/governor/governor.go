// Package governor drives loops autonomously: it polls active loops and
// starts an iteration whenever every precondition holds, recording each
// decision either way.
package governor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loopgate/core/pkg/identity"
	"github.com/loopgate/core/pkg/loop"
)

// Precondition failure reasons, first unsatisfied wins.
const (
	ReasonLoopNotActive        = "loop_not_active"
	ReasonIncompleteIteration  = "incomplete_iteration_exists"
	ReasonStopTriggerActive    = "stop_trigger_active"
	ReasonBudgetExhausted      = "budget_exhausted"
	ReasonBlockingException    = "blocking_exception_open"
	ReasonNoCandidateAvailable = "no_candidate_available"
)

// Candidate is a unit of work the governor can submit to a loop.
type Candidate struct {
	ID   string
	Path string
}

// CandidateSource supplies the next candidate for a loop. ok=false means
// nothing to evaluate right now.
type CandidateSource interface {
	Next(ctx context.Context, loopID string) (c Candidate, ok bool, err error)
}

// Decision is one recorded governor judgment about one loop.
type Decision struct {
	LoopID  string    `json:"loop_id"`
	Proceed bool      `json:"proceed"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Governor polls the engine's active loops under a rate limit and starts
// iterations when preconditions hold.
type Governor struct {
	engine  *loop.Engine
	source  CandidateSource
	limiter *rate.Limiter
	actor   *identity.Actor
	logger  *slog.Logger

	mu        sync.Mutex
	decisions []Decision

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config tunes the governor.
type Config struct {
	// PollsPerSecond bounds how often the governor sweeps active loops.
	PollsPerSecond float64
	// Burst is the rate limiter burst size.
	Burst int
}

// New builds a governor over an engine and candidate source. The governor
// acts as a SYSTEM actor.
func New(engine *loop.Engine, source CandidateSource, cfg Config, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollsPerSecond <= 0 {
		cfg.PollsPerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Governor{
		engine:  engine,
		source:  source,
		limiter: rate.NewLimiter(rate.Limit(cfg.PollsPerSecond), cfg.Burst),
		actor:   &identity.Actor{ID: "governor", Kind: identity.ActorSystem},
		logger:  logger,
	}
}

// Start launches the poll loop. Call Stop to shut down gracefully; Stop
// waits for any in-flight sweep to finish.
func (g *Governor) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			if err := g.limiter.Wait(ctx); err != nil {
				return
			}
			g.sweep(ctx)
		}
	}()
}

// Stop cancels polling and waits for the loop to exit.
func (g *Governor) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

// sweep examines every active loop once.
func (g *Governor) sweep(ctx context.Context) {
	for _, loopID := range g.engine.ActiveLoopIDs() {
		if ctx.Err() != nil {
			return
		}
		g.Tick(ctx, loopID)
	}
}

// Tick judges one loop and, when the preconditions hold, runs one
// iteration synchronously. The decision is recorded either way.
func (g *Governor) Tick(ctx context.Context, loopID string) Decision {
	d := g.judge(ctx, loopID)
	g.record(d)
	if !d.Proceed {
		return d
	}

	candidate, ok, err := g.source.Next(ctx, loopID)
	if err != nil || !ok {
		d.Proceed = false
		d.Reason = ReasonNoCandidateAvailable
		g.record(d)
		return d
	}

	_, err = g.engine.RunIteration(ctx, loop.IterationRequest{
		LoopID:        loopID,
		CandidateID:   candidate.ID,
		CandidatePath: candidate.Path,
		Actor:         g.actor,
	})
	if err != nil && !errors.Is(err, loop.ErrIterationInFlight) {
		g.logger.Warn("iteration failed", "loop_id", loopID, "error", err)
	}
	return d
}

// judge evaluates the preconditions in fixed order and returns the first
// unsatisfied one.
func (g *Governor) judge(ctx context.Context, loopID string) Decision {
	d := Decision{LoopID: loopID, At: time.Now().UTC()}

	snap, err := g.engine.Get(loopID)
	if err != nil || snap.State != loop.StateActive {
		d.Reason = ReasonLoopNotActive
		return d
	}
	if g.engine.HasInFlight(loopID) {
		d.Reason = ReasonIncompleteIteration
		return d
	}
	if snap.UnresolvedTrigger() {
		d.Reason = ReasonStopTriggerActive
		return d
	}
	if snap.Iterations >= int64(snap.Budget.MaxIterations) ||
		snap.OracleRuns >= int64(snap.Budget.MaxOracleRuns) {
		d.Reason = ReasonBudgetExhausted
		return d
	}
	if snap.BlockingExceptionOpen() {
		d.Reason = ReasonBlockingException
		return d
	}
	d.Proceed = true
	return d
}

func (g *Governor) record(d Decision) {
	g.mu.Lock()
	g.decisions = append(g.decisions, d)
	g.mu.Unlock()
	g.logger.Debug("governor decision",
		"loop_id", d.LoopID, "proceed", d.Proceed, "reason", d.Reason)
}

// Decisions returns a copy of every recorded decision.
func (g *Governor) Decisions() []Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Decision(nil), g.decisions...)
}
