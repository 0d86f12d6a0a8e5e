package agentexec

import (
	"context"
	"iter"
)

// Executor runs prompts through an external program.
//
// The engine/cli package provides the subprocess implementation. Use
// Validate to check that prerequisites are met before calling Execute.
type Executor interface {
	// Execute returns a lazy, ordered, single-pass sequence of Messages.
	// Nothing is spawned until the sequence is ranged over. Breaking out
	// of the range loop terminates the external process before control
	// returns to the caller.
	Execute(ctx context.Context, prompt string, opts ...Option) iter.Seq[Message]

	// ExecuteSync drives Execute and returns the newline-joined content of
	// every stream and result Message of the final attempt. An error
	// Message in the final attempt aborts aggregation and is returned as
	// a classified *Error; output of attempts that were retried is
	// discarded.
	ExecuteSync(ctx context.Context, prompt string, opts ...Option) (string, error)

	// Cleanup terminates any process still tracked by the executor and
	// releases its registry entries. Idempotent and safe to call when
	// nothing was ever started.
	Cleanup()

	// ResourceStats returns a read-only snapshot of process accounting.
	ResourceStats() ResourceStats

	// Validate checks that the external program is available.
	Validate() error
}
