package sec

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepLogTransitions(t *testing.T) {
	inst := &SagaInstance{ID: uuid.New()}

	// Outcome without a dispatch.
	assert.Error(t, inst.appendRecord(StepExecutionRecord{StepName: "a", Attempt: 1, Status: StepSuccess}))

	require.NoError(t, inst.appendRecord(StepExecutionRecord{StepName: "a", Attempt: 1, Status: StepPending}))
	assert.Error(t, inst.appendRecord(StepExecutionRecord{StepName: "a", Attempt: 1, Status: StepPending}), "dispatched twice")
	assert.Error(t, inst.appendRecord(StepExecutionRecord{StepName: "a", Attempt: 1, Status: StepCompensated}), "forward command cannot be compensated")
	require.NoError(t, inst.appendRecord(StepExecutionRecord{StepName: "a", Attempt: 1, Status: StepFailed}))
	assert.Error(t, inst.appendRecord(StepExecutionRecord{StepName: "a", Attempt: 1, Status: StepSuccess}), "already resolved")

	// A new attempt is a new command.
	require.NoError(t, inst.appendRecord(StepExecutionRecord{StepName: "a", Attempt: 2, Status: StepPending}))
	require.NoError(t, inst.appendRecord(StepExecutionRecord{StepName: "a", Attempt: 2, Status: StepSuccess}))
	assert.True(t, inst.succeeded("a"))

	// Compensations are tracked separately from the forward command.
	require.NoError(t, inst.appendRecord(StepExecutionRecord{StepName: "a", Attempt: 1, Compensation: true, Status: StepPending}))
	assert.Error(t, inst.appendRecord(StepExecutionRecord{StepName: "a", Attempt: 1, Compensation: true, Status: StepSuccess}))
	require.NoError(t, inst.appendRecord(StepExecutionRecord{StepName: "a", Attempt: 1, Compensation: true, Status: StepCompensated}))

	log := newStepLog(inst.History)
	assert.Equal(t, loadFailed, log.status[stepKey{"a", 1, false}])
	assert.Equal(t, loadSucceeded, log.status[stepKey{"a", 2, false}])
	assert.Equal(t, loadCompensated, log.status[stepKey{"a", 1, true}])

	out := FormatHistory(inst.History)
	assert.Contains(t, out, "history (6 records)")
	assert.Contains(t, out, "a#1(compensate)")
}

func TestInstanceTransitions(t *testing.T) {
	inst := &SagaInstance{ID: uuid.New(), Status: StatusCreated}

	assert.Error(t, inst.transition(StatusCompleted, 0))
	require.NoError(t, inst.transition(StatusRunning, 0))
	require.NoError(t, inst.transition(StatusRunning, 1))
	assert.Error(t, inst.transition(StatusRunning, 0), "index never decreases while running")

	require.NoError(t, inst.transition(StatusCompensating, 0))
	assert.Error(t, inst.transition(StatusCompensating, 1), "index never increases while compensating")
	assert.Error(t, inst.transition(StatusRunning, 1))
	require.NoError(t, inst.transition(StatusCompensated, -1))

	assert.True(t, inst.Status.Terminal())
	assert.Error(t, inst.transition(StatusCompensating, -1))
	assert.False(t, SagaStatus("PAUSED").Valid())
}
