package sec

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKey(t *testing.T) {
	id := uuid.MustParse("6f1c1a4e-5a8e-4f4b-9c43-3b1f0e0c2d11")
	assert.Equal(t, "6f1c1a4e-5a8e-4f4b-9c43-3b1f0e0c2d11:Charge:2", IdempotencyKey(id, "Charge", 2, false))
	assert.Equal(t, "6f1c1a4e-5a8e-4f4b-9c43-3b1f0e0c2d11:Charge:compensate:1", IdempotencyKey(id, "Charge", 1, true))
}

func TestResultMessageRoundTrip(t *testing.T) {
	cmd := Command{InstanceID: uuid.New(), StepName: "Charge", Attempt: 2, Compensation: true}

	tests := []struct {
		name    string
		err     error
		outcome Outcome
		check   func(t *testing.T, err error)
	}{
		{"success", nil, OutcomeSuccess, func(t *testing.T, err error) { assert.NoError(t, err) }},
		{"rejected", Reject("insufficient funds", true), OutcomeRejected, func(t *testing.T, err error) {
			var rejection *ParticipantRejection
			require.ErrorAs(t, err, &rejection)
			assert.True(t, rejection.Retryable)
			assert.Equal(t, "insufficient funds", rejection.Reason)
		}},
		{"transport", NewTransportError(errors.New("eof")), OutcomeTransportError, func(t *testing.T, err error) {
			var transport *TransportError
			assert.ErrorAs(t, err, &transport)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewResultMessage(cmd.Result(tt.err, json.RawMessage(`{"id":1}`)))
			assert.Equal(t, tt.outcome, msg.Outcome)

			res, err := msg.StepResult()
			require.NoError(t, err)
			assert.Equal(t, cmd.InstanceID, res.InstanceID)
			assert.Equal(t, 2, res.Attempt)
			assert.True(t, res.Compensation)
			tt.check(t, res.Err)
		})
	}

	_, err := ResultMessage{Outcome: "MAYBE"}.StepResult()
	assert.Error(t, err)
}

type sinkFunc func(ctx context.Context, res StepResult) error

func (f sinkFunc) OnStepResult(ctx context.Context, res StepResult) error { return f(ctx, res) }

func TestFuncDispatcher(t *testing.T) {
	d := NewFuncDispatcher(func(_ context.Context, cmd Command) (json.RawMessage, error) {
		if strings.HasPrefix(cmd.StepName, "lost") {
			return nil, ErrNoReply
		}
		return json.RawMessage(`"ok"`), nil
	}).WithLatency(func(Command) time.Duration { return time.Millisecond })

	assert.Error(t, d.Send(context.Background(), Command{}), "unbound dispatcher")

	results := make(chan StepResult, 4)
	d.Bind(sinkFunc(func(_ context.Context, res StepResult) error {
		results <- res
		return nil
	}))
	require.NoError(t, d.Send(context.Background(), Command{StepName: "first", Attempt: 1}))
	require.NoError(t, d.Send(context.Background(), Command{StepName: "lost-reply", Attempt: 1}))
	d.Wait()

	require.Len(t, results, 1)
	res := <-results
	assert.Equal(t, "first", res.StepName)
	assert.JSONEq(t, `"ok"`, string(res.Payload))
}

func TestDecodeResult(t *testing.T) {
	id := uuid.New()
	data, err := json.Marshal(NewResultMessage(StepResult{InstanceID: id, StepName: "Ship", Attempt: 1, Err: Reject("no stock", false)}))
	require.NoError(t, err)

	res, err := DecodeResult(data)
	require.NoError(t, err)
	assert.Equal(t, id, res.InstanceID)
	var rejection *ParticipantRejection
	assert.ErrorAs(t, res.Err, &rejection)

	_, err = DecodeResult([]byte(`{"step_name":"Ship","attempt":1,"outcome":"SUCCESS"}`))
	assert.Error(t, err, "missing instance id")
	_, err = DecodeResult([]byte(`{"instance_id":"` + id.String() + `","step_name":"Ship","attempt":0,"outcome":"SUCCESS"}`))
	assert.Error(t, err, "attempt starts at 1")
	_, err = DecodeResult([]byte(`{"instance_id":"` + id.String() + `","step_name":"Ship","attempt":1,"outcome":"LOST"}`))
	assert.Error(t, err)
	_, err = DecodeResult([]byte(`not json`))
	assert.Error(t, err)
}
