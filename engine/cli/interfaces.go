package cli

import "github.com/dmora/agentexec"

// Consumer-side interfaces for CLI backends. Backend packages (claude)
// provide concrete implementations; optional capabilities are discovered
// by type assertion.

// Spawner builds the command line for one attempt.
type Spawner interface {
	// SpawnArgs returns the executable name (resolved through PATH) and its
	// arguments for prompt under opts. When opts.PromptViaStdin is set the
	// prompt must not appear in args.
	SpawnArgs(prompt string, opts agentexec.ExecutionOptions) (binary string, args []string)
}

// InputFormatter encodes the prompt written to stdin when
// ExecutionOptions.PromptViaStdin is set. Backends without one get the
// prompt followed by a newline.
type InputFormatter interface {
	FormatInput(prompt string) ([]byte, error)
}
