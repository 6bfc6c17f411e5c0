package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fortressi/sec"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	ctx := context.Background()
	id := uuid.New()

	events := []sec.TransitionEvent{
		{Kind: sec.EventSagaStarted, InstanceID: id, DefinitionID: "order", To: sec.StatusRunning},
		{Kind: sec.EventStepDispatched, InstanceID: id, DefinitionID: "order", StepName: "Charge", Attempt: 1},
		{Kind: sec.EventStepFailed, InstanceID: id, DefinitionID: "order", StepName: "Charge", Attempt: 1},
		{Kind: sec.EventStepRetryScheduled, InstanceID: id, DefinitionID: "order", StepName: "Charge", Attempt: 2},
		{Kind: sec.EventSagaStarted, InstanceID: uuid.New(), DefinitionID: "order", To: sec.StatusRunning},
		{Kind: sec.EventSagaCompensated, InstanceID: id, DefinitionID: "order", To: sec.StatusCompensated, Duration: 250 * time.Millisecond},
	}
	for _, ev := range events {
		c.Record(ctx, ev)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("order", string(sec.EventSagaStarted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries.WithLabelValues("order", "Charge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.active.WithLabelValues("order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outcomes.WithLabelValues("order", "COMPENSATED")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sec_saga_outcomes_total{definition="order",status="COMPENSATED"} 1`)
}
