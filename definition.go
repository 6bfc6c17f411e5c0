package sec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fortressi/sec/set"
	"github.com/go-playground/validator/v10"
)

// CommandType names a participant command. Command types are resolved to a
// CommandBuilder through the Registry.
type CommandType string

// StepDefinition describes one local transaction of a saga and how to undo it.
type StepDefinition struct {
	Name             string        `json:"name" yaml:"name"`
	CommandType      CommandType   `json:"command_type" yaml:"command_type"`
	CompensationType CommandType   `json:"compensation_type,omitempty" yaml:"compensation_type"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	RetryPolicy      RetryPolicy   `json:"retry_policy" yaml:"retry_policy"`
	// Retryable allows retrying participant rejections that are themselves
	// marked retryable. Transport errors and timeouts are retried regardless.
	Retryable bool `json:"retryable" yaml:"retryable"`
}

// HasCompensation reports whether the step has anything to undo.
func (s StepDefinition) HasCompensation() bool {
	return s.CompensationType != ""
}

// SagaDefinition is an ordered list of steps. It is immutable once registered.
type SagaDefinition struct {
	ID    string           `json:"id" yaml:"id"`
	Name  string           `json:"name" yaml:"name"`
	Steps []StepDefinition `json:"steps" yaml:"steps"`

	// NewPayload optionally returns a pointer to a struct the start payload
	// must decode into. The decoded value is checked with validator struct tags.
	NewPayload func() any `json:"-" yaml:"-"`
}

// StepIndex returns the position of the named step, or -1.
func (d *SagaDefinition) StepIndex(name string) int {
	for i, step := range d.Steps {
		if step.Name == name {
			return i
		}
	}
	return -1
}

// Step returns the step at index i.
func (d *SagaDefinition) Step(i int) (StepDefinition, bool) {
	if i < 0 || i >= len(d.Steps) {
		return StepDefinition{}, false
	}
	return d.Steps[i], true
}

func (d *SagaDefinition) validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: definition id is required", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: definition %s has no steps", ErrInvalidDefinition, d.ID)
	}
	names := &set.Set[string]{}
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("%w: step %d of %s has no name", ErrInvalidDefinition, i, d.ID)
		}
		if !names.Insert(step.Name) {
			return fmt.Errorf("%w: step name %q repeated in %s", ErrInvalidDefinition, step.Name, d.ID)
		}
		if step.CommandType == "" {
			return fmt.Errorf("%w: step %s has no command type", ErrInvalidDefinition, step.Name)
		}
		if step.Timeout <= 0 {
			return fmt.Errorf("%w: step %s needs a positive timeout", ErrInvalidDefinition, step.Name)
		}
	}
	return nil
}

// clone copies the definition so later mutation by the caller cannot leak in.
func (d *SagaDefinition) clone() *SagaDefinition {
	c := *d
	c.Steps = make([]StepDefinition, len(d.Steps))
	for i, step := range d.Steps {
		step.RetryPolicy = step.RetryPolicy.normalized()
		c.Steps[i] = step
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	return &c
}

var payloadValidator = validator.New()

// ValidatePayload checks that a non-empty payload is a JSON object and, when the
// definition declares a payload type, that it decodes and passes validation.
func (d *SagaDefinition) ValidatePayload(payload json.RawMessage) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidPayload)
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%w: payload must be a JSON object", ErrInvalidPayload)
	}
	if d.NewPayload == nil {
		return nil
	}
	target := d.NewPayload()
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payloadValidator.Struct(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
