package sec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// errCancelled is the failure reason recorded when an operator cancels a saga.
var errCancelled = errors.New("cancelled by operator")

// Coordinator is the saga execution coordinator. It drives instances through
// the saga state machine: it dispatches commands, reacts to participant
// replies and timeouts, and persists every transition through the StateStore
// with compare-and-swap before any side effect.
//
// All handling for one instance runs on a single worker goroutine; no worker
// ever waits on a participant.
type Coordinator struct {
	registry   *Registry
	store      StateStore
	dispatcher Dispatcher
	sink       TransitionSink
	log        *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	workers       int
	queueSize     int
	sweepInterval time.Duration

	pool     *workerPool
	timeouts *TimeoutManager

	ctx       context.Context
	cancel    context.CancelFunc
	stopSweep context.CancelFunc
	sweepDone chan struct{}
	closeOnce sync.Once
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

func WithSink(sink TransitionSink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithWorkers sets the number of partitioned workers.
func WithWorkers(n int) Option {
	return func(c *Coordinator) { c.workers = n }
}

// WithQueueSize sets the per-worker queue capacity.
func WithQueueSize(n int) Option {
	return func(c *Coordinator) { c.queueSize = n }
}

// WithSweepInterval sets how often the timeout index is swept.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.sweepInterval = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator builds a coordinator and starts its workers and timeout
// sweeper. If the dispatcher has a Bind(ReplySink) method it is bound to the
// coordinator. Call Close to stop it.
func NewCoordinator(registry *Registry, store StateStore, dispatcher Dispatcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:      registry,
		store:         store,
		dispatcher:    dispatcher,
		sink:          nopSink{},
		log:           zap.NewNop(),
		tracer:        otel.Tracer("github.com/fortressi/sec"),
		now:           time.Now,
		workers:       8,
		queueSize:     256,
		sweepInterval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.pool = newWorkerPool(c.log, c.workers, c.queueSize)
	c.timeouts = NewTimeoutManager(c.sweepInterval, c.onTimer)
	c.timeouts.now = c.now
	var sweepCtx context.Context
	sweepCtx, c.stopSweep = context.WithCancel(c.ctx)
	c.sweepDone = make(chan struct{})
	go func() {
		defer close(c.sweepDone)
		c.timeouts.Run(sweepCtx)
	}()

	if b, ok := dispatcher.(interface{ Bind(ReplySink) }); ok {
		b.Bind(c)
	}
	return c
}

// Close stops the sweeper, drains queued work and stops the workers.
// Persisted state is untouched; a new coordinator can Recover it.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.stopSweep()
		<-c.sweepDone
		c.pool.close()
		c.cancel()
	})
}

// Run blocks until ctx is done and then closes the coordinator.
func (c *Coordinator) Run(ctx context.Context) error {
	<-ctx.Done()
	c.Close()
	return nil
}

// Timeouts exposes the coordinator's timeout index.
func (c *Coordinator) Timeouts() *TimeoutManager {
	return c.timeouts
}

// Start creates a saga instance and schedules its first step. It fails
// synchronously only for an unknown definition, an invalid payload, a closed
// coordinator or a store error before anything is persisted. Once the
// instance is stored Start returns its id without waiting for a worker.
func (c *Coordinator) Start(ctx context.Context, definitionID, correlationID string, payload json.RawMessage) (uuid.UUID, error) {
	def, err := c.registry.Get(definitionID)
	if err != nil {
		return uuid.Nil, err
	}
	if err := def.ValidatePayload(payload); err != nil {
		return uuid.Nil, err
	}
	if c.pool.isClosed() {
		return uuid.Nil, ErrCoordinatorClosed
	}

	inst := &SagaInstance{
		ID:            uuid.New(),
		DefinitionID:  def.ID,
		CorrelationID: correlationID,
		Status:        StatusCreated,
		Payload:       append(json.RawMessage(nil), payload...),
		History:       []StepExecutionRecord{},
		CreatedAt:     c.now(),
	}
	if err := c.store.Create(ctx, inst); err != nil {
		return uuid.Nil, fmt.Errorf("persist saga instance: %w", err)
	}

	// The start timer picks the instance up if the worker queue is full now.
	// Whichever of the two runs second finds it no longer CREATED.
	id := inst.ID
	c.timeouts.Schedule(Timer{InstanceID: id, Kind: TimerStart, Due: inst.CreatedAt.Add(c.sweepInterval)})
	if queued, err := c.pool.trySubmit(id, func() { c.kickoff(id) }); err != nil || !queued {
		c.log.Debug("saga start deferred to timer", zap.Stringer("saga_id", id), zap.Error(err))
	}
	return id, nil
}

// OnStepResult feeds a participant reply into the state machine. Replies for
// another step, another kind, another attempt or a terminal instance are
// discarded, which makes duplicate delivery harmless.
func (c *Coordinator) OnStepResult(ctx context.Context, res StepResult) error {
	return c.pool.submit(ctx, res.InstanceID, func() { c.handleResult(res) })
}

// OnStepTimeout fails the in-flight attempt of stepName as if it had timed out.
func (c *Coordinator) OnStepTimeout(ctx context.Context, instanceID uuid.UUID, stepName string) error {
	return c.pool.submit(ctx, instanceID, func() {
		inst, err := c.store.Load(c.ctx, instanceID)
		if err != nil {
			c.log.Warn("timeout for unknown saga", zap.Stringer("saga_id", instanceID), zap.Error(err))
			return
		}
		c.handleResult(StepResult{
			InstanceID:   instanceID,
			StepName:     stepName,
			Attempt:      inst.Attempt,
			Compensation: inst.Compensating(),
			Err:          &TimeoutError{StepName: stepName, Attempt: inst.Attempt},
		})
	})
}

// Cancel forces a RUNNING saga into compensation as though its current step
// failed irrecoverably. It returns ErrNotRunning for any other status.
func (c *Coordinator) Cancel(ctx context.Context, instanceID uuid.UUID) error {
	done := make(chan error, 1)
	if err := c.pool.submit(ctx, instanceID, func() { done <- c.cancelInstance(instanceID) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetInstance returns the query view of an instance.
func (c *Coordinator) GetInstance(ctx context.Context, instanceID uuid.UUID) (*InstanceView, error) {
	inst, err := c.store.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return inst.View(), nil
}

// Recover re-drives every non-terminal instance found in the store: CREATED
// instances are started and in-flight commands are sent again with a fresh
// deadline. Participants deduplicate by idempotency key. It returns the
// number of instances scheduled.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	active, err := c.store.LoadActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active sagas: %w", err)
	}
	for n, inst := range active {
		id := inst.ID
		if err := c.pool.submit(ctx, id, func() { c.resume(id) }); err != nil {
			return n, err
		}
	}
	c.log.Info("recovered sagas", zap.Int("count", len(active)))
	return len(active), nil
}

// txn accumulates the changes a single work item makes to an instance. They
// are persisted with one compare-and-swap; side effects run only afterwards.
type txn struct {
	def      *SagaDefinition
	inst     *SagaInstance
	expected int64
	from     SagaStatus
	events   []TransitionEvent
	send     *Command
}

func (c *Coordinator) begin(inst *SagaInstance) (*txn, error) {
	def, err := c.registry.Get(inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	return &txn{def: def, inst: inst, expected: inst.Version, from: inst.Status}, nil
}

func (c *Coordinator) emit(t *txn, kind EventKind, stepName string, attempt int, err error) {
	t.events = append(t.events, TransitionEvent{
		Kind:          kind,
		InstanceID:    t.inst.ID,
		DefinitionID:  t.inst.DefinitionID,
		CorrelationID: t.inst.CorrelationID,
		StepName:      stepName,
		Attempt:       attempt,
		Err:           err,
	})
}

func (c *Coordinator) kickoff(id uuid.UUID) {
	inst, err := c.store.Load(c.ctx, id)
	if err != nil {
		c.log.Error("load saga for start", zap.Stringer("saga_id", id), zap.Error(err))
		return
	}
	if inst.Status != StatusCreated {
		return
	}
	t, err := c.begin(inst)
	if err != nil {
		c.log.Error("start saga", zap.Stringer("saga_id", id), zap.Error(err))
		return
	}
	if err := inst.transition(StatusRunning, 0); err != nil {
		c.log.Error("start saga", zap.Stringer("saga_id", id), zap.Error(err))
		return
	}
	c.emit(t, EventSagaStarted, "", 0, nil)
	inst.Attempt = 1
	c.dispatchCurrent(t, 0)
	c.commit(t)
}

// dispatchCurrent records the write-ahead intent to send the in-flight command
// after delay and stages the command for sending once the intent is persisted.
func (c *Coordinator) dispatchCurrent(t *txn, delay time.Duration) {
	inst := t.inst
	step := t.def.Steps[inst.CurrentStepIndex]
	compensation := inst.Compensating()
	now := c.now()

	inst.DispatchAt = now.Add(delay)
	inst.DeadlineAt = inst.DispatchAt.Add(step.Timeout)
	key := IdempotencyKey(inst.ID, step.Name, inst.Attempt, compensation)
	if err := inst.appendRecord(StepExecutionRecord{
		StepName:     step.Name,
		Attempt:      inst.Attempt,
		Compensation: compensation,
		Status:       StepPending,
		RequestRef:   key,
		Timestamp:    now,
	}); err != nil {
		c.log.Error("record dispatch", zap.Error(err))
		return
	}

	switch {
	case delay > 0:
		c.emit(t, EventStepRetryScheduled, step.Name, inst.Attempt, nil)
	case compensation:
		c.emit(t, EventCompensationDispatched, step.Name, inst.Attempt, nil)
	default:
		c.emit(t, EventStepDispatched, step.Name, inst.Attempt, nil)
	}

	cmd, err := c.registry.buildCommand(inst, step, compensation)
	if err != nil {
		// A command that cannot be built will not build on retry either.
		c.applyOutcome(t, step, inst.Attempt, compensation, Reject(err.Error(), false), nil)
		return
	}
	t.send = &cmd
}

// applyOutcome records the outcome of the in-flight command and moves the
// state machine forward accordingly.
func (c *Coordinator) applyOutcome(t *txn, step StepDefinition, attempt int, compensation bool, outcome error, payload json.RawMessage) {
	inst := t.inst
	t.send = nil
	rec := StepExecutionRecord{
		StepName:     step.Name,
		Attempt:      attempt,
		Compensation: compensation,
		Timestamp:    c.now(),
	}
	switch {
	case outcome == nil && compensation:
		rec.Status = StepCompensated
		rec.ResponseRef = payload
	case outcome == nil:
		rec.Status = StepSuccess
		rec.ResponseRef = payload
	default:
		rec.Status = StepFailed
		rec.Error = outcome.Error()
	}
	if err := inst.appendRecord(rec); err != nil {
		c.log.Error("record outcome", zap.Error(err))
		return
	}

	var timeout *TimeoutError
	switch {
	case outcome == nil && compensation:
		c.emit(t, EventStepCompensated, step.Name, attempt, nil)
		c.compensateFrom(t, inst.CurrentStepIndex-1)
	case outcome == nil:
		c.emit(t, EventStepSucceeded, step.Name, attempt, nil)
		c.advance(t)
	default:
		if errors.As(outcome, &timeout) {
			c.emit(t, EventStepTimedOut, step.Name, attempt, outcome)
		} else {
			c.emit(t, EventStepFailed, step.Name, attempt, outcome)
		}
		if step.RetryPolicy.CanRetry(attempt, step.Retryable, outcome) {
			inst.Attempt = attempt + 1
			c.dispatchCurrent(t, step.RetryPolicy.Backoff(attempt))
			return
		}
		if compensation {
			c.failCompensation(t, step, attempt, outcome)
			return
		}
		c.beginCompensation(t, outcome)
	}
}

// advance moves past a successful forward step.
func (c *Coordinator) advance(t *txn) {
	inst := t.inst
	next := inst.CurrentStepIndex + 1
	if next >= len(t.def.Steps) {
		if err := inst.transition(StatusCompleted, len(t.def.Steps)); err != nil {
			c.log.Error("complete saga", zap.Error(err))
			return
		}
		c.clearInFlight(inst)
		c.emit(t, EventSagaCompleted, "", 0, nil)
		return
	}
	if err := inst.transition(StatusRunning, next); err != nil {
		c.log.Error("advance saga", zap.Error(err))
		return
	}
	inst.Attempt = 1
	c.dispatchCurrent(t, 0)
}

// beginCompensation leaves RUNNING because the current step failed for good
// (or the saga was cancelled). The failed step itself is never compensated.
func (c *Coordinator) beginCompensation(t *txn, cause error) {
	inst := t.inst
	inst.FailureReason = cause.Error()
	if err := inst.transition(StatusCompensating, inst.CurrentStepIndex-1); err != nil {
		c.log.Error("begin compensation", zap.Error(err))
		return
	}
	c.compensateFrom(t, inst.CurrentStepIndex)
}

// compensateFrom dispatches the compensation of the highest step at or below
// index that recorded SUCCESS. Steps without a compensation type are marked
// compensated without a dispatch. When nothing is left the saga is COMPENSATED.
func (c *Coordinator) compensateFrom(t *txn, index int) {
	inst := t.inst
	for ; index >= 0; index-- {
		step := t.def.Steps[index]
		if !inst.succeeded(step.Name) {
			continue
		}
		if err := inst.transition(StatusCompensating, index); err != nil {
			c.log.Error("compensate saga", zap.Error(err))
			return
		}
		if step.HasCompensation() {
			inst.Attempt = 1
			c.dispatchCurrent(t, 0)
			return
		}
		now := c.now()
		for _, status := range []StepStatus{StepPending, StepCompensated} {
			if err := inst.appendRecord(StepExecutionRecord{
				StepName:     step.Name,
				Attempt:      1,
				Compensation: true,
				Status:       status,
				Timestamp:    now,
			}); err != nil {
				c.log.Error("record no-op compensation", zap.Error(err))
				return
			}
		}
		c.emit(t, EventStepCompensated, step.Name, 1, nil)
	}
	if err := inst.transition(StatusCompensated, -1); err != nil {
		c.log.Error("finish compensation", zap.Error(err))
		return
	}
	c.clearInFlight(inst)
	c.emit(t, EventSagaCompensated, "", 0, nil)
}

// failCompensation escalates to FAILED once a compensation has no retries left.
func (c *Coordinator) failCompensation(t *txn, step StepDefinition, attempts int, cause error) {
	inst := t.inst
	failure := &CompensationFailure{StepName: step.Name, Attempts: attempts, Cause: cause}
	inst.FailureReason = failure.Error()
	if err := inst.transition(StatusFailed, inst.CurrentStepIndex); err != nil {
		c.log.Error("fail saga", zap.Error(err))
		return
	}
	c.clearInFlight(inst)
	c.emit(t, EventCompensationFailed, step.Name, attempts, failure)
	c.emit(t, EventSagaFailed, "", 0, failure)
}

func (c *Coordinator) clearInFlight(inst *SagaInstance) {
	inst.Attempt = 0
	inst.DispatchAt = time.Time{}
	inst.DeadlineAt = time.Time{}
}

// inFlight reports whether res answers the command the instance is waiting on.
func (c *Coordinator) inFlight(def *SagaDefinition, inst *SagaInstance, stepName string, attempt int, compensation bool) (StepDefinition, bool) {
	if inst.Status.Terminal() || inst.Status == StatusCreated {
		return StepDefinition{}, false
	}
	if compensation != inst.Compensating() || attempt != inst.Attempt {
		return StepDefinition{}, false
	}
	step, ok := def.Step(inst.CurrentStepIndex)
	if !ok || step.Name != stepName {
		return StepDefinition{}, false
	}
	key := stepKey{stepName, attempt, compensation}
	if newStepLog(inst.History).status[key] != loadPending {
		return StepDefinition{}, false
	}
	return step, true
}

func (c *Coordinator) handleResult(res StepResult) {
	inst, err := c.store.Load(c.ctx, res.InstanceID)
	if err != nil {
		c.log.Warn("result for unknown saga", zap.Stringer("saga_id", res.InstanceID), zap.Error(err))
		return
	}
	t, err := c.begin(inst)
	if err != nil {
		c.log.Error("handle result", zap.Stringer("saga_id", inst.ID), zap.Error(err))
		return
	}
	step, ok := c.inFlight(t.def, inst, res.StepName, res.Attempt, res.Compensation)
	if !ok {
		c.log.Debug("discarding stale step result",
			zap.Stringer("saga_id", inst.ID),
			zap.String("step", res.StepName),
			zap.Int("attempt", res.Attempt),
			zap.Bool("compensation", res.Compensation),
			zap.String("status", string(inst.Status)))
		return
	}
	c.applyOutcome(t, step, res.Attempt, res.Compensation, res.Err, res.Payload)
	c.commit(t)
}

func (c *Coordinator) cancelInstance(id uuid.UUID) error {
	inst, err := c.store.Load(c.ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, inst.Status)
	}
	t, err := c.begin(inst)
	if err != nil {
		return err
	}
	step := t.def.Steps[inst.CurrentStepIndex]
	if err := inst.appendRecord(StepExecutionRecord{
		StepName:  step.Name,
		Attempt:   inst.Attempt,
		Status:    StepFailed,
		Error:     errCancelled.Error(),
		Timestamp: c.now(),
	}); err != nil {
		return err
	}
	c.emit(t, EventSagaCancelled, step.Name, inst.Attempt, errCancelled)
	c.beginCompensation(t, errCancelled)
	return c.commit(t)
}

// resume re-drives one instance during recovery.
func (c *Coordinator) resume(id uuid.UUID) {
	inst, err := c.store.Load(c.ctx, id)
	if err != nil {
		c.log.Error("load saga for recovery", zap.Stringer("saga_id", id), zap.Error(err))
		return
	}
	switch {
	case inst.Status == StatusCreated:
		c.kickoff(id)
		return
	case inst.Status.Terminal():
		return
	}
	def, err := c.registry.Get(inst.DefinitionID)
	if err != nil {
		c.log.Error("recover saga", zap.Stringer("saga_id", id), zap.Error(err))
		return
	}
	step, ok := def.Step(inst.CurrentStepIndex)
	if !ok {
		c.log.Error("recover saga: step index out of range", zap.Stringer("saga_id", id), zap.Int("index", inst.CurrentStepIndex))
		return
	}
	if _, ok := c.inFlight(def, inst, step.Name, inst.Attempt, inst.Compensating()); !ok {
		c.log.Warn("recover saga: no in-flight command", zap.Stringer("saga_id", id))
		return
	}
	if inst.DispatchAt.After(c.now()) {
		c.timeouts.Schedule(c.timerFor(inst, step, TimerRetry, inst.DispatchAt))
		return
	}
	c.resend(def, inst, step)
}

// resend sends the already persisted in-flight command with a fresh deadline.
func (c *Coordinator) resend(def *SagaDefinition, inst *SagaInstance, step StepDefinition) {
	inst.DeadlineAt = c.now().Add(step.Timeout)
	cmd, err := c.registry.buildCommand(inst, step, inst.Compensating())
	if err != nil {
		t := &txn{def: def, inst: inst, expected: inst.Version, from: inst.Status}
		c.applyOutcome(t, step, inst.Attempt, inst.Compensating(), Reject(err.Error(), false), nil)
		c.commit(t)
		return
	}
	c.send(inst, step, cmd)
}

func (c *Coordinator) timerFor(inst *SagaInstance, step StepDefinition, kind TimerKind, due time.Time) Timer {
	return Timer{
		InstanceID:   inst.ID,
		Kind:         kind,
		StepName:     step.Name,
		Attempt:      inst.Attempt,
		Compensation: inst.Compensating(),
		Due:          due,
	}
}

// onTimer runs on the sweeper goroutine and turns an expired timer into work.
func (c *Coordinator) onTimer(tm Timer) {
	var fn func()
	switch tm.Kind {
	case TimerDeadline:
		fn = func() {
			c.handleResult(StepResult{
				InstanceID:   tm.InstanceID,
				StepName:     tm.StepName,
				Attempt:      tm.Attempt,
				Compensation: tm.Compensation,
				Err:          &TimeoutError{StepName: tm.StepName, Attempt: tm.Attempt},
			})
		}
	case TimerRetry:
		fn = func() { c.retryDue(tm) }
	case TimerStart:
		fn = func() { c.kickoff(tm.InstanceID) }
	default:
		return
	}
	if err := c.pool.submit(c.ctx, tm.InstanceID, fn); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("schedule timer work", zap.Stringer("saga_id", tm.InstanceID), zap.Error(err))
	}
}

// retryDue sends a command whose backoff has elapsed.
func (c *Coordinator) retryDue(tm Timer) {
	inst, err := c.store.Load(c.ctx, tm.InstanceID)
	if err != nil {
		c.log.Warn("retry for unknown saga", zap.Stringer("saga_id", tm.InstanceID), zap.Error(err))
		return
	}
	def, err := c.registry.Get(inst.DefinitionID)
	if err != nil {
		c.log.Error("retry saga", zap.Stringer("saga_id", inst.ID), zap.Error(err))
		return
	}
	step, ok := c.inFlight(def, inst, tm.StepName, tm.Attempt, tm.Compensation)
	if !ok {
		return
	}
	cmd, err := c.registry.buildCommand(inst, step, inst.Compensating())
	if err != nil {
		t := &txn{def: def, inst: inst, expected: inst.Version, from: inst.Status}
		c.applyOutcome(t, step, inst.Attempt, inst.Compensating(), Reject(err.Error(), false), nil)
		c.commit(t)
		return
	}
	c.send(inst, step, cmd)
}

// commit persists the transaction and then performs its side effects:
// events, timers and the staged command.
func (c *Coordinator) commit(t *txn) error {
	inst := t.inst
	if err := c.store.CompareAndSwap(c.ctx, inst, t.expected); err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrTerminalState) {
			c.log.Warn("abandoning saga transition", zap.Stringer("saga_id", inst.ID), zap.Error(err))
		} else {
			c.log.Error("persist saga transition", zap.Stringer("saga_id", inst.ID), zap.Error(err))
		}
		return err
	}

	now := c.now()
	for _, ev := range t.events {
		ev.From = t.from
		ev.To = inst.Status
		ev.Version = inst.Version
		ev.Duration = now.Sub(inst.CreatedAt)
		ev.At = now
		c.sink.Record(c.ctx, ev)
	}

	c.timeouts.CancelAll(inst.ID)
	if inst.Status.Terminal() || t.send == nil {
		return nil
	}
	step := t.def.Steps[inst.CurrentStepIndex]
	if inst.DispatchAt.After(now) {
		c.timeouts.Schedule(c.timerFor(inst, step, TimerRetry, inst.DispatchAt))
		return nil
	}
	c.send(inst, step, *t.send)
	return nil
}

// send arms the deadline and hands the command to the dispatcher. A failed
// hand-off is handled right away as a transport error for this attempt.
func (c *Coordinator) send(inst *SagaInstance, step StepDefinition, cmd Command) {
	cmd.Deadline = inst.DeadlineAt
	c.timeouts.Schedule(c.timerFor(inst, step, TimerDeadline, inst.DeadlineAt))

	ctx, span := c.tracer.Start(c.ctx, "sec.dispatch", trace.WithAttributes(
		attribute.String("saga.id", inst.ID.String()),
		attribute.String("saga.definition", inst.DefinitionID),
		attribute.String("saga.step", step.Name),
		attribute.String("saga.command", string(cmd.Type)),
		attribute.Int("saga.attempt", cmd.Attempt),
		attribute.Bool("saga.compensation", cmd.Compensation),
	))
	err := c.dispatcher.Send(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if err == nil {
		return
	}

	c.log.Warn("dispatch failed",
		zap.Stringer("saga_id", inst.ID),
		zap.String("step", step.Name),
		zap.Int("attempt", cmd.Attempt),
		zap.Error(err))
	c.handleResult(cmd.Result(NewTransportError(err), nil))
}
