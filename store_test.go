package sec

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStateStore runs the StateStore contract against a store implementation.
func testStateStore(t *testing.T, store StateStore) {
	ctx := context.Background()

	inst := &SagaInstance{
		ID:           uuid.New(),
		DefinitionID: "order",
		Status:       StatusCreated,
		Payload:      json.RawMessage(`{"order_id":"1"}`),
		History:      []StepExecutionRecord{},
	}
	require.NoError(t, store.Create(ctx, inst))
	assert.Equal(t, int64(1), inst.Version)
	assert.ErrorIs(t, store.Create(ctx, inst), ErrInstanceExists)

	_, err := store.Load(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	loaded, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, loaded.Status)
	assert.JSONEq(t, `{"order_id":"1"}`, string(loaded.Payload))

	// Advance to RUNNING with a pending record.
	loaded.Status = StatusRunning
	loaded.Attempt = 1
	loaded.DeadlineAt = time.Now().Add(time.Minute).Truncate(time.Millisecond)
	loaded.History = append(loaded.History, StepExecutionRecord{
		StepName: "ReserveInventory", Attempt: 1, Status: StepPending, RequestRef: "key", Timestamp: time.Now(),
	})
	require.NoError(t, store.CompareAndSwap(ctx, loaded, 1))
	assert.Equal(t, int64(2), loaded.Version)

	// A writer holding the old version loses.
	stale, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	stale.CurrentStepIndex = 2
	assert.ErrorIs(t, store.CompareAndSwap(ctx, stale, 1), ErrVersionConflict)

	got, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 0, got.CurrentStepIndex)
	require.Len(t, got.History, 1)
	assert.Equal(t, "key", got.History[0].RequestRef)
	assert.True(t, got.DeadlineAt.Equal(loaded.DeadlineAt))

	active, err := store.LoadActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, inst.ID, active[0].ID)

	// Terminal instances are frozen and no longer active.
	got.Status = StatusCompleted
	got.CurrentStepIndex = 3
	got.History = append(got.History, StepExecutionRecord{
		StepName: "ReserveInventory", Attempt: 1, Status: StepSuccess, ResponseRef: json.RawMessage(`{"ok":true}`), Timestamp: time.Now(),
	})
	require.NoError(t, store.CompareAndSwap(ctx, got, 2))
	assert.ErrorIs(t, store.CompareAndSwap(ctx, got, 3), ErrTerminalState)

	active, err = store.LoadActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	final, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, final.History, 2)
	assert.JSONEq(t, `{"ok":true}`, string(final.History[1].ResponseRef))
}

func TestMemoryStore(t *testing.T) {
	testStateStore(t, NewMemoryStore())
}

func TestMemoryStoreCopiesInstances(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	inst := &SagaInstance{ID: uuid.New(), Status: StatusCreated}
	require.NoError(t, store.Create(ctx, inst))

	inst.Status = StatusRunning
	loaded, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, loaded.Status)
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	testStateStore(t, store)
}
