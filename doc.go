// Package sec implements a saga execution coordinator.
//
// A saga is an ordered list of steps, each a local transaction in some
// participant service, with an optional compensating action that undoes it.
// The coordinator runs steps strictly in order. When a step fails after its
// retries, it runs the compensations of every step that succeeded, in reverse
// order, and the saga ends COMPENSATED. If a compensation itself fails for
// good, the saga ends FAILED and needs an operator.
//
// Overview
//
//  1. Describe the saga:
//     - Build a SagaDefinition with one StepDefinition per step, naming the
//     command type and compensation type participants understand.
//     - Register it with a Registry. Bind command types to a CommandBuilder
//     with RegisterCommand when the command body is not simply the payload.
//  2. Pick a StateStore: NewMemoryStore for tests, NewFileStore for a single
//     node, or the sqlstore package for SQLite and PostgreSQL.
//  3. Pick a Dispatcher: NewFuncDispatcher runs participants in-process; the
//     transport packages deliver commands over HTTP, NATS or Redis streams.
//  4. Create a Coordinator with NewCoordinator, call Recover once to pick up
//     sagas left in flight by a previous process, then Start sagas and feed
//     participant replies to OnStepResult.
//
// Every transition is persisted with a compare-and-swap on the instance
// version before the next command goes out, so a crash at any point is
// recovered by re-sending the in-flight command. Participants must therefore
// deduplicate on Command.IdempotencyKey.
package sec
