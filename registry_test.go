package sec

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterValidates(t *testing.T) {
	tests := []struct {
		name string
		def  *SagaDefinition
	}{
		{"nil", nil},
		{"no id", &SagaDefinition{Steps: []StepDefinition{{Name: "a", CommandType: "A", Timeout: time.Second}}}},
		{"no steps", &SagaDefinition{ID: "x"}},
		{"unnamed step", &SagaDefinition{ID: "x", Steps: []StepDefinition{{CommandType: "A", Timeout: time.Second}}}},
		{"duplicate step", &SagaDefinition{ID: "x", Steps: []StepDefinition{
			{Name: "a", CommandType: "A", Timeout: time.Second},
			{Name: "a", CommandType: "B", Timeout: time.Second},
		}}},
		{"no command", &SagaDefinition{ID: "x", Steps: []StepDefinition{{Name: "a", Timeout: time.Second}}}},
		{"no timeout", &SagaDefinition{ID: "x", Steps: []StepDefinition{{Name: "a", CommandType: "A"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.def)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestRegistryStoresPrivateCopy(t *testing.T) {
	r := NewRegistry()
	def := orderDefinition()
	def.Name = ""
	require.NoError(t, r.Register(def))
	assert.ErrorIs(t, r.Register(orderDefinition()), ErrDuplicateDefinition)

	def.Steps[0].Name = "Mutated"
	got, err := r.Get("order")
	require.NoError(t, err)
	assert.Equal(t, "ReserveInventory", got.Steps[0].Name)
	assert.Equal(t, "order", got.Name)
	assert.Equal(t, 1, got.Steps[0].RetryPolicy.MaxAttempts, "policies are normalised")

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownDefinition)

	require.NoError(t, r.Register(&SagaDefinition{ID: "alpha", Steps: []StepDefinition{{Name: "a", CommandType: "A", Timeout: time.Second}}}))
	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].ID)
	assert.Equal(t, "order", defs[1].ID)
}

func TestRegistryBuildCommand(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(orderDefinition()))
	r.RegisterCommand("ChargePayment", func(bc BuildContext) (json.RawMessage, error) {
		var reservation struct {
			ReservationID string `json:"reservation_id"`
		}
		if err := bc.Output("ReserveInventory", &reservation); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"reservation_id": reservation.ReservationID})
	})

	def, err := r.Get("order")
	require.NoError(t, err)
	inst := &SagaInstance{
		ID:           uuid.New(),
		DefinitionID: "order",
		Status:       StatusRunning,
		Attempt:      2,
		Payload:      json.RawMessage(`{"order_id":"7"}`),
		DeadlineAt:   time.Unix(100, 0),
		History: []StepExecutionRecord{
			{StepName: "ReserveInventory", Attempt: 1, Status: StepPending},
			{StepName: "ReserveInventory", Attempt: 1, Status: StepSuccess, ResponseRef: json.RawMessage(`{"reservation_id":"r-1"}`)},
		},
	}

	cmd, err := r.buildCommand(inst, def.Steps[1], false)
	require.NoError(t, err)
	assert.Equal(t, CommandType("ChargePayment"), cmd.Type)
	assert.Equal(t, 2, cmd.Attempt)
	assert.Equal(t, IdempotencyKey(inst.ID, "ChargePayment", 2, false), cmd.IdempotencyKey)
	assert.JSONEq(t, `{"reservation_id":"r-1"}`, string(cmd.Body))
	assert.True(t, cmd.Deadline.Equal(time.Unix(100, 0)))

	// Compensation types fall back to the pass-through builder.
	cmd, err = r.buildCommand(inst, def.Steps[0], true)
	require.NoError(t, err)
	assert.Equal(t, CommandType("ReleaseInventory"), cmd.Type)
	assert.True(t, cmd.Compensation)
	assert.JSONEq(t, `{"order_id":"7"}`, string(cmd.Body))
	assert.Contains(t, cmd.IdempotencyKey, ":compensate:")

	// Missing outputs surface as a build error.
	inst.History = nil
	_, err = r.buildCommand(inst, def.Steps[1], false)
	assert.Error(t, err)
}

func TestValidatePayloadRequiresObject(t *testing.T) {
	def := orderDefinition()

	for _, payload := range []string{"", "  ", `{}`, `{"sku":"A-1"}`} {
		assert.NoError(t, def.ValidatePayload(json.RawMessage(payload)), "payload %q", payload)
	}
	for _, payload := range []string{`42`, `"x"`, `[1,2]`, `null`, `true`, `{"sku":`} {
		assert.ErrorIs(t, def.ValidatePayload(json.RawMessage(payload)), ErrInvalidPayload, "payload %q", payload)
	}
}
