// Package cli provides the subprocess execution engine for agentexec.
//
// A backend implements [Spawner] to define how the external program is
// launched for a prompt. The claude, codex, and opencode subpackages
// provide backends for the corresponding agent CLIs. The optional [InputFormatter] capability is
// discovered by type assertion and encodes prompts sent over stdin.
//
// [NewEngine] wraps a backend into an [agentexec.Executor]. Each Execute
// call consults the circuit breaker, runs attempts through a fresh
// [Supervisor], classifies every output line, and retries transient
// failures with exponential backoff.
//
// # Platform Support
//
// [Engine] and [Supervisor] use process groups and Unix signals (SIGTERM,
// SIGKILL) and are not available on Windows. The interface and option
// types are available on all platforms.
//
// # Consumer Obligations
//
// Ranging over an Execute sequence to completion, or breaking out of it,
// stops the process. Registry handles of finished attempts stay
// registered so [Engine.ResourceStats] can report on them; call
// [Engine.Cleanup] to release them.
package cli
