package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBudget(t *testing.T) {
	b := DefaultBudget()
	assert.Equal(t, 5, b.MaxIterations)
	assert.Equal(t, 25, b.MaxOracleRuns)
	assert.Equal(t, 16*time.Hour, b.MaxWallclock)
	assert.NoError(t, b.Validate())
}

func TestBudgetValidate(t *testing.T) {
	b := DefaultBudget()
	b.MaxIterations = 0
	assert.Error(t, b.Validate())

	b = DefaultBudget()
	b.MaxWallclock = -time.Second
	assert.Error(t, b.Validate())
}

func TestCheckProceedsUnderBudget(t *testing.T) {
	e := NewEnforcer(NewMemoryCounterStore(), nil)
	d, err := e.CheckBeforeIteration(context.Background(), CheckInput{
		LoopID:      "loop_1",
		Budget:      DefaultBudget(),
		ActivatedAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, d.Proceed)
	assert.Empty(t, d.Trigger)
}

func TestIterationBudgetFiresFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCounterStore()
	e := NewEnforcer(store, nil)

	// Exhaust both iteration and oracle run budgets; the iteration trigger
	// must win because the check order is fixed.
	for i := 0; i < 5; i++ {
		_, err := e.RecordIteration(ctx, "loop_2")
		require.NoError(t, err)
	}
	for i := 0; i < 25; i++ {
		_, err := e.RecordOracleRun(ctx, "loop_2")
		require.NoError(t, err)
	}

	d, err := e.CheckBeforeIteration(ctx, CheckInput{
		LoopID:      "loop_2",
		Budget:      DefaultBudget(),
		ActivatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, d.Proceed)
	assert.Equal(t, TriggerIterationBudget, d.Trigger)
	assert.Equal(t, ActionPause, d.Action)
}

func TestOracleRunBudget(t *testing.T) {
	ctx := context.Background()
	e := NewEnforcer(NewMemoryCounterStore(), nil)
	for i := 0; i < 25; i++ {
		_, err := e.RecordOracleRun(ctx, "loop_3")
		require.NoError(t, err)
	}
	d, err := e.CheckBeforeIteration(ctx, CheckInput{
		LoopID:      "loop_3",
		Budget:      DefaultBudget(),
		ActivatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, TriggerOracleRunBudget, d.Trigger)
}

func TestWallclockBudget(t *testing.T) {
	e := NewEnforcer(NewMemoryCounterStore(), nil)
	e.now = func() time.Time { return time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC) }

	d, err := e.CheckBeforeIteration(context.Background(), CheckInput{
		LoopID:      "loop_4",
		Budget:      DefaultBudget(),
		ActivatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), // 18h earlier
	})
	require.NoError(t, err)
	assert.Equal(t, TriggerWallclockBudget, d.Trigger)
}

func TestBlockingExceptionTrigger(t *testing.T) {
	e := NewEnforcer(NewMemoryCounterStore(), nil)
	d, err := e.CheckBeforeIteration(context.Background(), CheckInput{
		LoopID:                "loop_5",
		Budget:                DefaultBudget(),
		ActivatedAt:           time.Now(),
		BlockingExceptionOpen: true,
	})
	require.NoError(t, err)
	assert.Equal(t, TriggerBlockingException, d.Trigger)
}

func TestTriggerPolicyInjection(t *testing.T) {
	policy := TriggerPolicy{TriggerIterationBudget: ActionClose}
	e := NewEnforcer(NewMemoryCounterStore(), policy)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := e.RecordIteration(ctx, "loop_6")
		require.NoError(t, err)
	}
	d, err := e.CheckBeforeIteration(ctx, CheckInput{
		LoopID:      "loop_6",
		Budget:      DefaultBudget(),
		ActivatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, ActionClose, d.Action)

	// Unmapped triggers fall back to pause.
	assert.Equal(t, ActionPause, policy.ActionFor(TriggerWallclockBudget))
}

func TestMemoryCounterStoreConcurrentIncr(t *testing.T) {
	store := NewMemoryCounterStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Incr(ctx, "loop_7", CounterOracleRuns)
		}()
	}
	wg.Wait()
	n, err := store.Get(ctx, "loop_7", CounterOracleRuns)
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}
