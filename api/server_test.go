package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fortressi/sec"
	"github.com/fortressi/sec/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPayload struct {
	OrderID string `json:"order_id" validate:"required"`
}

type testEnv struct {
	srv         *httptest.Server
	coordinator *sec.Coordinator
}

// newTestEnv runs a two step saga whose ChargePayment reply never arrives on
// its own; tests answer it through the result callback.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	registry := sec.NewRegistry()
	require.NoError(t, registry.Register(&sec.SagaDefinition{
		ID: "order",
		Steps: []sec.StepDefinition{
			{Name: "ReserveInventory", CommandType: "ReserveInventory", CompensationType: "ReleaseInventory", Timeout: time.Minute},
			{Name: "ChargePayment", CommandType: "ChargePayment", CompensationType: "RefundPayment", Timeout: time.Minute},
		},
		NewPayload: func() any { return &orderPayload{} },
	}))

	dispatcher := sec.NewFuncDispatcher(func(_ context.Context, cmd sec.Command) (json.RawMessage, error) {
		if cmd.StepName == "ChargePayment" && !cmd.Compensation {
			return nil, sec.ErrNoReply
		}
		return nil, nil
	})
	reg := prometheus.NewRegistry()
	coordinator := sec.NewCoordinator(registry, sec.NewMemoryStore(), dispatcher,
		sec.WithSink(metrics.New(reg)),
		sec.WithSweepInterval(5*time.Millisecond),
	)
	t.Cleanup(coordinator.Close)

	srv := httptest.NewServer(NewServer(coordinator, registry, metrics.Handler(reg), nil).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, coordinator: coordinator}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) start(t *testing.T) uuid.UUID {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/sagas", StartRequest{
		DefinitionID:  "order",
		CorrelationID: "order-42",
		Payload:       json.RawMessage(`{"order_id":"42"}`),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var out StartResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEqual(t, uuid.Nil, out.InstanceID)
	return out.InstanceID
}

func (e *testEnv) view(t *testing.T, id uuid.UUID) sec.InstanceView {
	t.Helper()
	resp, body := e.do(t, http.MethodGet, "/sagas/"+id.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var v sec.InstanceView
	require.NoError(t, json.Unmarshal(body, &v))
	return v
}

// awaitCharge waits until ChargePayment has been dispatched.
func (e *testEnv) awaitCharge(t *testing.T, id uuid.UUID) {
	t.Helper()
	require.Eventually(t, func() bool {
		v := e.view(t, id)
		return v.CurrentStepIndex == 1 && v.Status == sec.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
}

func (e *testEnv) awaitStatus(t *testing.T, id uuid.UUID, status sec.SagaStatus) sec.InstanceView {
	t.Helper()
	var v sec.InstanceView
	require.Eventually(t, func() bool {
		v = e.view(t, id)
		return v.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return v
}

func TestStartAndReportSuccess(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)
	env.awaitCharge(t, id)

	resp, body := env.do(t, http.MethodPost, "/sagas/"+id.String()+"/results", sec.ResultMessage{
		StepName: "ChargePayment",
		Attempt:  1,
		Outcome:  sec.OutcomeSuccess,
		Payload:  json.RawMessage(`{"payment_id":"p-1"}`),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	v := env.awaitStatus(t, id, sec.StatusCompleted)
	assert.Equal(t, "order", v.DefinitionID)
	assert.Equal(t, "order-42", v.CorrelationID)
	assert.Equal(t, 2, v.CurrentStepIndex)

	resp, body = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `sec_saga_outcomes_total{definition="order",status="COMPLETED"} 1`)
}

func TestReportRejectionCompensates(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)
	env.awaitCharge(t, id)

	resp, _ := env.do(t, http.MethodPost, "/sagas/"+id.String()+"/results", sec.ResultMessage{
		StepName: "ChargePayment",
		Attempt:  1,
		Outcome:  sec.OutcomeRejected,
		Reason:   "card declined",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	v := env.awaitStatus(t, id, sec.StatusCompensated)
	assert.Contains(t, v.FailureReason, "card declined")
}

func TestStartErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"unknown definition", StartRequest{DefinitionID: "refund"}, http.StatusNotFound},
		{"invalid payload", StartRequest{DefinitionID: "order", Payload: json.RawMessage(`{"sku":"x"}`)}, http.StatusBadRequest},
		{"missing definition id", StartRequest{}, http.StatusBadRequest},
		{"malformed body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/sagas", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
		})
	}
}

func TestGetSagaErrors(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/sagas/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/sagas/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)
	env.awaitCharge(t, id)

	resp, body := env.do(t, http.MethodPost, "/sagas/"+id.String()+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	env.awaitStatus(t, id, sec.StatusCompensated)

	resp, _ = env.do(t, http.MethodPost, "/sagas/"+id.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReportResultValidation(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)

	resp, _ := env.do(t, http.MethodPost, "/sagas/"+id.String()+"/results", sec.ResultMessage{
		StepName: "ChargePayment",
		Attempt:  0,
		Outcome:  sec.OutcomeSuccess,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/sagas/"+id.String()+"/results", map[string]any{
		"step_name": "ChargePayment", "attempt": 1, "outcome": "MAYBE",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDefinitions(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/definitions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var defs []definitionSummary
	require.NoError(t, json.Unmarshal(body, &defs))
	require.Len(t, defs, 1)
	assert.Equal(t, []string{"ReserveInventory", "ChargePayment"}, defs[0].Steps)

	resp, body = env.do(t, http.MethodGet, "/definitions/order/graph", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "digraph")
	assert.Contains(t, string(body), "step_ChargePayment")

	resp, _ = env.do(t, http.MethodGet, "/definitions/refund/graph", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
