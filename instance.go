package sec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// SagaStatus is the lifecycle state of a saga instance.
type SagaStatus string

const (
	StatusCreated      SagaStatus = "CREATED"
	StatusRunning      SagaStatus = "RUNNING"
	StatusCompleted    SagaStatus = "COMPLETED"
	StatusCompensating SagaStatus = "COMPENSATING"
	StatusCompensated  SagaStatus = "COMPENSATED"
	StatusFailed       SagaStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s SagaStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s SagaStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusCompleted, StatusCompensating, StatusCompensated, StatusFailed:
		return true
	}
	return false
}

// canTransition encodes the saga state machine.
func (s SagaStatus) canTransition(to SagaStatus) bool {
	switch s {
	case StatusCreated:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusRunning || to == StatusCompleted || to == StatusCompensating
	case StatusCompensating:
		return to == StatusCompensating || to == StatusCompensated || to == StatusFailed
	}
	return false
}

// StepStatus is the status carried by a StepExecutionRecord.
type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepSuccess     StepStatus = "SUCCESS"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

// StepExecutionRecord is one entry in the append-only history of an instance.
// Each dispatch appends a PENDING record; its outcome appends a second record
// for the same step, attempt and kind.
type StepExecutionRecord struct {
	StepName     string          `json:"step_name"`
	Attempt      int             `json:"attempt"`
	Compensation bool            `json:"compensation,omitempty"`
	Status       StepStatus      `json:"status"`
	RequestRef   string          `json:"request_ref,omitempty"`
	ResponseRef  json.RawMessage `json:"response_ref,omitempty"`
	Error        string          `json:"error,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// SagaInstance is the persisted state of one saga execution.
type SagaInstance struct {
	ID               uuid.UUID       `json:"id"`
	DefinitionID     string          `json:"definition_id"`
	CorrelationID    string          `json:"correlation_id"`
	CurrentStepIndex int             `json:"current_step_index"`
	Status           SagaStatus      `json:"status"`
	Version          int64           `json:"version"`
	Payload          json.RawMessage `json:"payload,omitempty"`

	// Attempt is the attempt number of the in-flight command (forward or
	// compensation) at CurrentStepIndex.
	Attempt int `json:"attempt"`
	// DispatchAt is when the in-flight command is due to be sent; it is in
	// the future while a retry backs off.
	DispatchAt time.Time `json:"dispatch_at,omitempty"`
	// DeadlineAt is when the in-flight command times out.
	DeadlineAt    time.Time `json:"deadline_at,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`

	History   []StepExecutionRecord `json:"history"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Clone returns a deep copy.
func (i *SagaInstance) Clone() *SagaInstance {
	c := *i
	if i.Payload != nil {
		c.Payload = append(json.RawMessage(nil), i.Payload...)
	}
	c.History = make([]StepExecutionRecord, len(i.History))
	for n, rec := range i.History {
		if rec.ResponseRef != nil {
			rec.ResponseRef = append(json.RawMessage(nil), rec.ResponseRef...)
		}
		c.History[n] = rec
	}
	return &c
}

// Compensating reports whether the in-flight command is a compensation.
func (i *SagaInstance) Compensating() bool {
	return i.Status == StatusCompensating
}

// succeeded reports whether the named step ever recorded SUCCESS.
func (i *SagaInstance) succeeded(stepName string) bool {
	for _, rec := range i.History {
		if rec.StepName == stepName && !rec.Compensation && rec.Status == StepSuccess {
			return true
		}
	}
	return false
}

// outputs collects the reply payloads of successful forward steps.
func (i *SagaInstance) outputs() *btree.Map[string, json.RawMessage] {
	out := btree.NewMap[string, json.RawMessage](8)
	for _, rec := range i.History {
		if !rec.Compensation && rec.Status == StepSuccess && len(rec.ResponseRef) > 0 {
			out.Set(rec.StepName, rec.ResponseRef)
		}
	}
	return out
}

// appendRecord validates the record against the step log and appends it.
func (i *SagaInstance) appendRecord(rec StepExecutionRecord) error {
	log := newStepLog(i.History)
	if err := log.check(rec); err != nil {
		return fmt.Errorf("saga %s: %w", i.ID, err)
	}
	i.History = append(i.History, rec)
	return nil
}

// transition moves the instance to status, enforcing the state machine and
// the direction of CurrentStepIndex.
func (i *SagaInstance) transition(to SagaStatus, index int) error {
	if !i.Status.canTransition(to) {
		return fmt.Errorf("saga %s: illegal transition %s -> %s", i.ID, i.Status, to)
	}
	switch {
	case to == StatusRunning && index < i.CurrentStepIndex:
		return fmt.Errorf("saga %s: step index cannot decrease while running", i.ID)
	case i.Status == StatusCompensating && index > i.CurrentStepIndex:
		return fmt.Errorf("saga %s: step index cannot increase while compensating", i.ID)
	}
	i.Status = to
	i.CurrentStepIndex = index
	return nil
}

// InstanceView is the query-API projection of an instance.
type InstanceView struct {
	ID               uuid.UUID             `json:"id"`
	DefinitionID     string                `json:"definition_id"`
	CorrelationID    string                `json:"correlation_id"`
	Status           SagaStatus            `json:"status"`
	CurrentStepIndex int                   `json:"current_step_index"`
	Version          int64                 `json:"version"`
	FailureReason    string                `json:"failure_reason,omitempty"`
	StepHistory      []StepExecutionRecord `json:"step_history"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// View projects the instance for the query API.
func (i *SagaInstance) View() *InstanceView {
	c := i.Clone()
	return &InstanceView{
		ID:               c.ID,
		DefinitionID:     c.DefinitionID,
		CorrelationID:    c.CorrelationID,
		Status:           c.Status,
		CurrentStepIndex: c.CurrentStepIndex,
		Version:          c.Version,
		FailureReason:    c.FailureReason,
		StepHistory:      c.History,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}
