package sagaflow

// Package sagaflow provides an orchestration engine for distributed sagas.
//
// Sagas orchestrate the execution of a sequence of steps against remote
// services, where each step pairs a forward action with a compensation that
// reverses it. When any step fails permanently, the engine unwinds the
// completed steps in reverse order. For more on distributed sagas, see this
// 2017 JOTB talk by Caitie McCaffrey:
// https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// Overview
//
// 1. Define your saga as a sequence of steps:
//   - Write an ActionFunc and a CompensationFunc for each step.
//   - Assemble them with a DefinitionBuilder and register the resulting
//     SagaDefinition in a Registry under its type name.
//
// 2. Choose a LogStore:
//   - Every state transition is appended to the saga log before the engine
//     acts on it; the log is the source of truth. Use NewMemoryLog for
//     testing, NewFileLog for single-node durability, or NewPostgresLog for
//     a shared database.
//
// 3. Run your sagas:
//   - Registry.Start begins a saga asynchronously and returns its ID.
//   - Registry.Status reads a saga's state, live or from the log.
//   - Registry.Cancel requests cooperative cancellation at the next step
//     boundary.
//
// 4. Recover after a crash:
//   - Create a RecoveryManager over the Registry and call ResumeAll at
//     startup. Unfinished sagas are rebuilt from their log records and
//     resumed without re-executing completed steps.
//
// Example:
//
// For a runnable demonstration of the success, failure, and cancellation
// paths, see the examples/order package.
