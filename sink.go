package sec

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventKind classifies a TransitionEvent.
type EventKind string

const (
	EventSagaStarted            EventKind = "saga_started"
	EventStepDispatched         EventKind = "step_dispatched"
	EventStepSucceeded          EventKind = "step_succeeded"
	EventStepFailed             EventKind = "step_failed"
	EventStepTimedOut           EventKind = "step_timed_out"
	EventStepRetryScheduled     EventKind = "step_retry_scheduled"
	EventCompensationDispatched EventKind = "compensation_dispatched"
	EventStepCompensated        EventKind = "step_compensated"
	EventCompensationFailed     EventKind = "compensation_failed"
	EventSagaCancelled          EventKind = "saga_cancelled"
	EventSagaCompleted          EventKind = "saga_completed"
	EventSagaCompensated        EventKind = "saga_compensated"
	EventSagaFailed             EventKind = "saga_failed"
)

// TransitionEvent is emitted after every persisted state change.
type TransitionEvent struct {
	Kind          EventKind
	InstanceID    uuid.UUID
	DefinitionID  string
	CorrelationID string
	StepName      string
	Attempt       int
	From          SagaStatus
	To            SagaStatus
	Version       int64
	Err           error
	// Duration is the saga's age at the time of the event.
	Duration time.Duration
	At       time.Time
}

// TransitionSink receives state-transition events for metrics and audit.
// Record is called on the coordinator's worker goroutines and must not block.
type TransitionSink interface {
	Record(ctx context.Context, ev TransitionEvent)
}

// MultiSink fans events out to several sinks.
type MultiSink []TransitionSink

func (m MultiSink) Record(ctx context.Context, ev TransitionEvent) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}

type nopSink struct{}

func (nopSink) Record(context.Context, TransitionEvent) {}

// LogSink writes every event as a structured log line.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Record(_ context.Context, ev TransitionEvent) {
	fields := []zap.Field{
		zap.String("event", string(ev.Kind)),
		zap.Stringer("saga_id", ev.InstanceID),
		zap.String("definition", ev.DefinitionID),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("status", string(ev.To)),
		zap.Int64("version", ev.Version),
	}
	if ev.StepName != "" {
		fields = append(fields, zap.String("step", ev.StepName), zap.Int("attempt", ev.Attempt))
	}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}
	switch ev.Kind {
	case EventSagaFailed, EventCompensationFailed:
		s.Log.Error("saga transition", fields...)
	case EventStepFailed, EventStepTimedOut, EventSagaCancelled:
		s.Log.Warn("saga transition", fields...)
	default:
		s.Log.Info("saga transition", fields...)
	}
}
