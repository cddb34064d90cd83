package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopgate/core/pkg/canonicalize"
)

// Event types recorded in the loop event log.
const (
	EventTypeLoopCreated        = "loop.created"
	EventTypeLoopTransition     = "loop.transition"
	EventTypeIterationStarted   = "iteration.started"
	EventTypeIterationCompleted = "iteration.completed"
	EventTypeOracleRunRecorded  = "oracle_run.recorded"
	EventTypeGateVerdict        = "gate.verdict"
	EventTypeTriggerFired       = "trigger.fired"
	EventTypeExceptionOpened    = "exception.opened"
	EventTypeExceptionResolved  = "exception.resolved"
)

// EventEnvelope is one committed entry of a loop's history. Payload hashes
// use canonical encoding so the log can be re-verified byte for byte; the
// cumulative hash chains every entry to its predecessor.
type EventEnvelope struct {
	EventID        string                 `json:"event_id"`
	LoopID         string                 `json:"loop_id"`
	EventType      string                 `json:"event_type"`
	SequenceNumber uint64                 `json:"sequence_number"`
	CommittedAt    time.Time              `json:"committed_at"`
	PayloadHash    string                 `json:"payload_hash"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	ActorID        string                 `json:"actor_id,omitempty"`
}

// EventLog is the append-only history of loop transitions and iteration
// outcomes. Sequence numbers are per-log and gapless.
type EventLog interface {
	Append(ctx context.Context, event *EventEnvelope) (uint64, error)
	Range(ctx context.Context, loopID string, start, end uint64) ([]*EventEnvelope, error)
	LastSequence(ctx context.Context, loopID string) (uint64, error)
	Hash(ctx context.Context, loopID string) (string, error)
}

// chainHash folds one committed event into the cumulative chain.
func chainHash(prev string, event *EventEnvelope) (string, error) {
	h, err := canonicalize.CanonicalHash(map[string]interface{}{
		"event_id":        event.EventID,
		"sequence_number": event.SequenceNumber,
		"payload_hash":    event.PayloadHash,
		"previous_hash":   prev,
	})
	if err != nil {
		return "", fmt.Errorf("loop: compute chain hash: %w", err)
	}
	return h, nil
}

// newEnvelope fills identity and payload hash for an event about to commit.
func newEnvelope(loopID, eventType, actorID string, payload map[string]interface{}) (*EventEnvelope, error) {
	payloadHash, err := canonicalize.CanonicalHash(payload)
	if err != nil {
		return nil, fmt.Errorf("loop: hash event payload: %w", err)
	}
	return &EventEnvelope{
		EventID:     "evt_" + uuid.New().String(),
		LoopID:      loopID,
		EventType:   eventType,
		PayloadHash: payloadHash,
		Payload:     payload,
		ActorID:     actorID,
	}, nil
}

type memoryLogState struct {
	events []*EventEnvelope
	seq    uint64
	hash   string
}

// MemoryEventLog keeps per-loop histories in process.
type MemoryEventLog struct {
	mu    sync.RWMutex
	loops map[string]*memoryLogState
}

// NewMemoryEventLog returns an empty log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{loops: make(map[string]*memoryLogState)}
}

func (l *MemoryEventLog) Append(ctx context.Context, event *EventEnvelope) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.loops[event.LoopID]
	if !ok {
		state = &memoryLogState{}
		l.loops[event.LoopID] = state
	}
	state.seq++
	event.SequenceNumber = state.seq
	event.CommittedAt = time.Now().UTC()
	h, err := chainHash(state.hash, event)
	if err != nil {
		state.seq--
		return 0, err
	}
	state.hash = h
	state.events = append(state.events, event)
	return event.SequenceNumber, nil
}

func (l *MemoryEventLog) Range(ctx context.Context, loopID string, start, end uint64) ([]*EventEnvelope, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	state, ok := l.loops[loopID]
	if !ok {
		return []*EventEnvelope{}, nil
	}
	if start == 0 || start > end {
		return nil, fmt.Errorf("loop: invalid event range [%d, %d]", start, end)
	}
	maxSeq := uint64(len(state.events))
	if start > maxSeq {
		return []*EventEnvelope{}, nil
	}
	if end > maxSeq {
		end = maxSeq
	}
	out := make([]*EventEnvelope, end-start+1)
	copy(out, state.events[start-1:end])
	return out, nil
}

func (l *MemoryEventLog) LastSequence(ctx context.Context, loopID string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if state, ok := l.loops[loopID]; ok {
		return state.seq, nil
	}
	return 0, nil
}

func (l *MemoryEventLog) Hash(ctx context.Context, loopID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if state, ok := l.loops[loopID]; ok {
		return state.hash, nil
	}
	return "", nil
}

// VerifyChain recomputes the hash chain of a loop's full history and
// compares it to the log's recorded cumulative hash.
func VerifyChain(ctx context.Context, log EventLog, loopID string) error {
	last, err := log.LastSequence(ctx, loopID)
	if err != nil {
		return err
	}
	if last == 0 {
		return nil
	}
	events, err := log.Range(ctx, loopID, 1, last)
	if err != nil {
		return err
	}
	chain := ""
	for _, ev := range events {
		payloadHash, err := canonicalize.CanonicalHash(ev.Payload)
		if err != nil {
			return err
		}
		if payloadHash != ev.PayloadHash {
			return fmt.Errorf("loop %s: event %d payload hash mismatch", loopID, ev.SequenceNumber)
		}
		chain, err = chainHash(chain, ev)
		if err != nil {
			return err
		}
	}
	recorded, err := log.Hash(ctx, loopID)
	if err != nil {
		return err
	}
	if chain != recorded {
		return fmt.Errorf("loop %s: cumulative hash mismatch", loopID)
	}
	return nil
}
