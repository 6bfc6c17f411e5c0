package sec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Command is sent to a participant to execute or compensate one step.
type Command struct {
	InstanceID     uuid.UUID       `json:"instance_id"`
	DefinitionID   string          `json:"definition_id"`
	CorrelationID  string          `json:"correlation_id"`
	StepName       string          `json:"step_name"`
	Type           CommandType     `json:"type"`
	Attempt        int             `json:"attempt"`
	Compensation   bool            `json:"compensation"`
	IdempotencyKey string          `json:"idempotency_key"`
	Body           json.RawMessage `json:"body,omitempty"`
	Deadline       time.Time       `json:"deadline"`
}

// IdempotencyKey is the key participants use to drop duplicate deliveries.
func IdempotencyKey(instanceID uuid.UUID, stepName string, attempt int, compensation bool) string {
	if compensation {
		return fmt.Sprintf("%s:%s:compensate:%d", instanceID, stepName, attempt)
	}
	return fmt.Sprintf("%s:%s:%d", instanceID, stepName, attempt)
}

// Dispatcher hands commands to participants. Send must not wait for the
// participant's reply: outcomes re-enter the coordinator through a ReplySink.
// Delivery is at-least-once. An error from Send means the command could not
// be handed off and is treated as a TransportError for that attempt.
type Dispatcher interface {
	Send(ctx context.Context, cmd Command) error
}

// ReplySink receives participant outcomes. The coordinator implements it.
type ReplySink interface {
	OnStepResult(ctx context.Context, result StepResult) error
}

// StepResult is a participant's reply to a Command. Err is nil on success,
// otherwise a *TransportError, *ParticipantRejection or *TimeoutError.
type StepResult struct {
	InstanceID   uuid.UUID
	StepName     string
	Attempt      int
	Compensation bool
	Err          error
	Payload      json.RawMessage
}

// Result builds the StepResult answering cmd.
func (cmd Command) Result(err error, payload json.RawMessage) StepResult {
	return StepResult{
		InstanceID:   cmd.InstanceID,
		StepName:     cmd.StepName,
		Attempt:      cmd.Attempt,
		Compensation: cmd.Compensation,
		Err:          err,
		Payload:      payload,
	}
}

// Outcome is the wire form of a step result classification.
type Outcome string

const (
	OutcomeSuccess        Outcome = "SUCCESS"
	OutcomeRejected       Outcome = "REJECTED"
	OutcomeTransportError Outcome = "TRANSPORT_ERROR"
)

// ResultMessage is the serialised form of a StepResult used by transports and
// the participant callback API.
type ResultMessage struct {
	InstanceID   uuid.UUID       `json:"instance_id"`
	StepName     string          `json:"step_name" validate:"required"`
	Attempt      int             `json:"attempt" validate:"gte=1"`
	Compensation bool            `json:"compensation"`
	Outcome      Outcome         `json:"outcome" validate:"required,oneof=SUCCESS REJECTED TRANSPORT_ERROR"`
	Retryable    bool            `json:"retryable,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the message's required fields.
func (m ResultMessage) Validate() error {
	if m.InstanceID == uuid.Nil {
		return errors.New("result message has no instance id")
	}
	return payloadValidator.Struct(m)
}

// DecodeResult parses and validates a serialised ResultMessage.
func DecodeResult(data []byte) (StepResult, error) {
	var msg ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StepResult{}, fmt.Errorf("decode step result: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return StepResult{}, fmt.Errorf("invalid step result: %w", err)
	}
	return msg.StepResult()
}

// StepResult converts the wire message back into a StepResult.
func (m ResultMessage) StepResult() (StepResult, error) {
	res := StepResult{
		InstanceID:   m.InstanceID,
		StepName:     m.StepName,
		Attempt:      m.Attempt,
		Compensation: m.Compensation,
		Payload:      m.Payload,
	}
	switch m.Outcome {
	case OutcomeSuccess:
	case OutcomeRejected:
		res.Err = Reject(m.Reason, m.Retryable)
	case OutcomeTransportError:
		res.Err = NewTransportError(errors.New(m.Reason))
	default:
		return StepResult{}, fmt.Errorf("unknown outcome %q", m.Outcome)
	}
	return res, nil
}

// NewResultMessage converts a StepResult into its wire form.
func NewResultMessage(res StepResult) ResultMessage {
	msg := ResultMessage{
		InstanceID:   res.InstanceID,
		StepName:     res.StepName,
		Attempt:      res.Attempt,
		Compensation: res.Compensation,
		Outcome:      OutcomeSuccess,
		Payload:      res.Payload,
	}
	var rejection *ParticipantRejection
	switch {
	case res.Err == nil:
	case errors.As(res.Err, &rejection):
		msg.Outcome = OutcomeRejected
		msg.Retryable = rejection.Retryable
		msg.Reason = rejection.Reason
	default:
		msg.Outcome = OutcomeTransportError
		msg.Reason = res.Err.Error()
	}
	return msg
}

// Participant executes a command in-process and returns its reply payload.
type Participant func(ctx context.Context, cmd Command) (json.RawMessage, error)

// FuncDispatcher runs a Participant on its own goroutine per command and
// reports the outcome to a ReplySink. It is the in-process dispatcher used by
// tests and embedded deployments.
type FuncDispatcher struct {
	participant Participant
	latency     func(cmd Command) time.Duration

	mu   sync.RWMutex
	sink ReplySink
	wg   sync.WaitGroup
}

// NewFuncDispatcher creates a dispatcher around participant.
func NewFuncDispatcher(participant Participant) *FuncDispatcher {
	return &FuncDispatcher{participant: participant}
}

// WithLatency delays every reply by the duration returned for the command.
func (d *FuncDispatcher) WithLatency(latency func(cmd Command) time.Duration) *FuncDispatcher {
	d.latency = latency
	return d
}

// Bind sets the sink replies are reported to.
func (d *FuncDispatcher) Bind(sink ReplySink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

func (d *FuncDispatcher) Send(ctx context.Context, cmd Command) error {
	d.mu.RLock()
	sink := d.sink
	d.mu.RUnlock()
	if sink == nil {
		return errors.New("func dispatcher has no reply sink bound")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.latency != nil {
			time.Sleep(d.latency(cmd))
		}
		payload, err := d.participant(context.Background(), cmd)
		if errors.Is(err, ErrNoReply) {
			return
		}
		_ = sink.OnStepResult(context.Background(), cmd.Result(err, payload))
	}()
	return nil
}

// Wait blocks until every in-flight participant call has returned.
func (d *FuncDispatcher) Wait() {
	d.wg.Wait()
}

// ErrNoReply can be returned by a Participant to simulate a lost reply; the
// step is then only resolved by its deadline.
var ErrNoReply = errors.New("participant sent no reply")
