package sec

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
)

// BuildContext is what a CommandBuilder sees when producing a command body.
type BuildContext struct {
	Instance     *SagaInstance
	Step         StepDefinition
	Compensation bool
	// Outputs holds the reply payload of every step that recorded SUCCESS,
	// keyed by step name.
	Outputs *btree.Map[string, json.RawMessage]
}

// Output decodes the reply payload of a previously successful step into v.
func (b BuildContext) Output(stepName string, v any) error {
	raw, ok := b.Outputs.Get(stepName)
	if !ok {
		return fmt.Errorf("no output recorded for step %q", stepName)
	}
	return json.Unmarshal(raw, v)
}

// CommandBuilder turns a saga instance into the body of a participant command.
type CommandBuilder func(bc BuildContext) (json.RawMessage, error)

// PassThrough forwards the saga payload unchanged.
func PassThrough(bc BuildContext) (json.RawMessage, error) {
	return bc.Instance.Payload, nil
}

// Registry is the catalog of saga definitions and the lookup table from
// command type to CommandBuilder.
//
// Definitions are immutable once registered: Register stores a private copy.
// Command types referenced by a definition but never registered explicitly
// are registered with PassThrough, so a definition is always dispatchable.
type Registry struct {
	definitions *xsync.MapOf[string, *SagaDefinition]
	builders    *xsync.MapOf[CommandType, CommandBuilder]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: xsync.NewMapOf[string, *SagaDefinition](),
		builders:    xsync.NewMapOf[CommandType, CommandBuilder](),
	}
}

// RegisterCommand binds a command type to a builder, replacing any previous binding.
func (r *Registry) RegisterCommand(commandType CommandType, builder CommandBuilder) {
	if builder == nil {
		builder = PassThrough
	}
	r.builders.Store(commandType, builder)
}

// Register validates and stores a definition.
func (r *Registry) Register(def *SagaDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if err := def.validate(); err != nil {
		return err
	}
	stored := def.clone()
	if _, loaded := r.definitions.LoadOrStore(stored.ID, stored); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateDefinition, stored.ID)
	}
	for _, step := range stored.Steps {
		r.builders.LoadOrStore(step.CommandType, PassThrough)
		if step.HasCompensation() {
			r.builders.LoadOrStore(step.CompensationType, PassThrough)
		}
	}
	return nil
}

// Get returns the definition registered under id.
func (r *Registry) Get(id string) (*SagaDefinition, error) {
	def, ok := r.definitions.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, id)
	}
	return def, nil
}

// Definitions lists registered definitions ordered by id.
func (r *Registry) Definitions() []*SagaDefinition {
	defs := make([]*SagaDefinition, 0, r.definitions.Size())
	r.definitions.Range(func(_ string, def *SagaDefinition) bool {
		defs = append(defs, def)
		return true
	})
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

func (r *Registry) builder(commandType CommandType) CommandBuilder {
	if b, ok := r.builders.Load(commandType); ok {
		return b
	}
	return PassThrough
}

// buildCommand resolves the command type for the step and kind and builds the command.
func (r *Registry) buildCommand(inst *SagaInstance, step StepDefinition, compensation bool) (Command, error) {
	commandType := step.CommandType
	if compensation {
		commandType = step.CompensationType
	}
	bc := BuildContext{
		Instance:     inst,
		Step:         step,
		Compensation: compensation,
		Outputs:      inst.outputs(),
	}
	body, err := r.builder(commandType)(bc)
	if err != nil {
		return Command{}, fmt.Errorf("build %s command for step %s: %w", commandType, step.Name, err)
	}
	return Command{
		InstanceID:     inst.ID,
		DefinitionID:   inst.DefinitionID,
		CorrelationID:  inst.CorrelationID,
		StepName:       step.Name,
		Type:           commandType,
		Attempt:        inst.Attempt,
		Compensation:   compensation,
		IdempotencyKey: IdempotencyKey(inst.ID, step.Name, inst.Attempt, compensation),
		Body:           body,
		Deadline:       inst.DeadlineAt,
	}, nil
}
