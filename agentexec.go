// Package agentexec runs a long-lived external command-line program and
// exposes its output as an ordered stream of classified messages.
//
// The root package defines the shared vocabulary used by every other
// package in the module:
//
//   - [Message] and [MessageKind] describe one classified output line
//   - [ExecutionOptions] and [Option] configure a single execution call
//   - [CircuitBreakerConfig] and [RetryStrategy] tune failure recovery
//   - [ProcessState] tracks the lifecycle of one spawned process
//   - [Error] and [ErrorClass] form the failure taxonomy
//   - [Observer] receives lifecycle notifications for telemetry and history
//
// The subprocess engine itself lives in engine/cli. Line classification
// lives in classify, circuit breaking in breaker, retry policy in retry,
// and process bookkeeping in registry.
//
// # Quick Start
//
//	engine := cli.NewEngine(claude.New())
//	defer engine.Cleanup()
//	for msg := range engine.Execute(ctx, "What is 2+2?") {
//	    fmt.Println(msg.Kind, msg.Content)
//	}
//
// Breaking out of the range loop terminates the external process before
// the loop statement returns.
package agentexec
