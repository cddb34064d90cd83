package loop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from  State
		event Event
		to    State
		ok    bool
	}{
		{StateCreated, EventActivate, StateActive, true},
		{StateActive, EventPause, StatePaused, true},
		{StateActive, EventClose, StateClosed, true},
		{StatePaused, EventResume, StateActive, true},
		{StatePaused, EventClose, StateClosed, true},

		{StateCreated, EventPause, "", false},
		{StateCreated, EventResume, "", false},
		{StateCreated, EventClose, "", false},
		{StateActive, EventActivate, "", false},
		{StateActive, EventResume, "", false},
		{StatePaused, EventPause, "", false},
		{StatePaused, EventActivate, "", false},
		{StateClosed, EventActivate, "", false},
		{StateClosed, EventPause, "", false},
		{StateClosed, EventResume, "", false},
		{StateClosed, EventClose, "", false},
	}
	for _, tc := range cases {
		next, err := Transition(tc.from, tc.event)
		if tc.ok {
			require.NoError(t, err, "%s on %s", tc.event, tc.from)
			assert.Equal(t, tc.to, next)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s on %s", tc.event, tc.from)
		}
	}
}

func TestMemoryEventLogChain(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()

	for i := 0; i < 3; i++ {
		ev, err := newEnvelope("loop_a", EventTypeLoopTransition, "actor-1", map[string]interface{}{
			"step": i,
		})
		require.NoError(t, err)
		seq, err := log.Append(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}

	last, err := log.LastSequence(ctx, "loop_a")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	events, err := log.Range(ctx, "loop_a", 1, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.NotEmpty(t, events[0].PayloadHash)

	require.NoError(t, VerifyChain(ctx, log, "loop_a"))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()
	ev, err := newEnvelope("loop_b", EventTypeLoopTransition, "", map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	_, err = log.Append(ctx, ev)
	require.NoError(t, err)

	// Mutate the committed payload behind the log's back.
	events, err := log.Range(ctx, "loop_b", 1, 1)
	require.NoError(t, err)
	events[0].Payload["k"] = "tampered"

	assert.Error(t, VerifyChain(ctx, log, "loop_b"))
}

func TestEventLogsAreIsolatedPerLoop(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()
	for _, loopID := range []string{"loop_c", "loop_d"} {
		ev, err := newEnvelope(loopID, EventTypeLoopCreated, "", map[string]interface{}{})
		require.NoError(t, err)
		seq, err := log.Append(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), seq, "sequences are per loop")
	}
	hashC, err := log.Hash(ctx, "loop_c")
	require.NoError(t, err)
	hashD, err := log.Hash(ctx, "loop_d")
	require.NoError(t, err)
	assert.NotEqual(t, hashC, hashD, "chains differ because event ids differ")
}
