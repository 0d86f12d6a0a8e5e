package claude

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/engine/cli"
)

// PermissionMode controls Claude Code's permission behavior.
type PermissionMode string

const (
	// PermissionDefault uses Claude Code's default permission handling.
	// The --permission-mode flag is omitted when this mode is active.
	PermissionDefault PermissionMode = "default"

	// PermissionAcceptEdits auto-accepts file edit operations.
	PermissionAcceptEdits PermissionMode = "acceptEdits"

	// PermissionBypassAll bypasses all permission prompts.
	// Maps to CLI flag value "bypassPermissions".
	PermissionBypassAll PermissionMode = "bypassAll"

	// PermissionPlan restricts Claude to plan-only mode.
	PermissionPlan PermissionMode = "plan"
)

const defaultBinary = "claude"

// Backend is a Claude Code CLI backend for agentexec.
// It implements cli.Spawner and cli.InputFormatter.
type Backend struct {
	binary          string
	systemPrompt    string
	permission      PermissionMode
	partialMessages bool
}

// Compile-time interface satisfaction checks.
var (
	_ cli.Spawner        = (*Backend)(nil)
	_ cli.InputFormatter = (*Backend)(nil)
)

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithBinary overrides the Claude CLI binary path.
// Empty values are ignored; the default is "claude".
func WithBinary(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.binary = path
		}
	}
}

// WithSystemPrompt sets --system-prompt on every spawn.
func WithSystemPrompt(prompt string) Option {
	return func(b *Backend) { b.systemPrompt = prompt }
}

// WithPermissionMode sets --permission-mode. Unknown modes are rejected at
// spawn time by omitting the flag. ExecutionOptions.SkipPermissions takes
// precedence.
func WithPermissionMode(mode PermissionMode) Option {
	return func(b *Backend) { b.permission = mode }
}

// WithPartialMessages adds --include-partial-messages for token-level
// stream events. Default is false.
func WithPartialMessages(enabled bool) Option {
	return func(b *Backend) { b.partialMessages = enabled }
}

// New creates a Claude Code CLI backend with the given options.
// The default binary is "claude".
func New(opts ...Option) *Backend {
	b := &Backend{binary: defaultBinary}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SpawnArgs builds the command line for one attempt.
// Invalid option values are silently skipped (SpawnArgs must not fail per
// the Spawner interface contract).
func (b *Backend) SpawnArgs(prompt string, opts agentexec.ExecutionOptions) (string, []string) {
	args := baseArgs()
	if opts.PromptViaStdin {
		args = append(args, "--input-format", "stream-json")
	}
	if b.partialMessages {
		args = append(args, "--include-partial-messages")
	}
	args = b.appendOptionArgs(args, opts)
	// Prompt is always the last positional argument.
	// Null-byte-containing prompts are silently omitted (no error return).
	if !opts.PromptViaStdin && !containsNull(prompt) {
		args = append(args, prompt)
	}
	return b.binary, args
}

// FormatInput encodes a prompt for delivery over a Claude stdin pipe.
// Returns an error if the prompt contains null bytes.
func (b *Backend) FormatInput(prompt string) ([]byte, error) {
	if containsNull(prompt) {
		return nil, errors.New("claude: prompt contains null bytes")
	}
	stdinMsg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	}
	data, err := json.Marshal(stdinMsg)
	if err != nil {
		return nil, fmt.Errorf("claude: marshal stdin: %w", err)
	}
	return append(data, '\n'), nil
}

// baseArgs returns the common CLI flags. stream-json output requires
// --verbose in print mode, so it is always present.
func baseArgs() []string {
	return []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
	}
}

// containsNull reports whether s contains a null byte.
func containsNull(s string) bool {
	return strings.ContainsRune(s, '\x00')
}

// appendOptionArgs appends model, turn limit, tool allow-list, system
// prompt, and permission flags. Invalid or null-byte-containing values
// are silently skipped.
func (b *Backend) appendOptionArgs(args []string, opts agentexec.ExecutionOptions) []string {
	if opts.Model != "" && !containsNull(opts.Model) && !strings.HasPrefix(opts.Model, "-") {
		args = append(args, "--model", opts.Model)
	}

	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}

	tools := make([]string, 0, len(opts.AllowedTools))
	for _, tool := range opts.AllowedTools {
		if tool != "" && !containsNull(tool) && !strings.Contains(tool, ",") {
			tools = append(tools, tool)
		}
	}
	if len(tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(tools, ","))
	}

	if b.systemPrompt != "" && !containsNull(b.systemPrompt) {
		args = append(args, "--system-prompt", b.systemPrompt)
	}

	switch {
	case opts.SkipPermissions:
		args = append(args, "--dangerously-skip-permissions")
	case b.permission != "" && b.permission != PermissionDefault:
		if mapped, err := mapPermission(b.permission); err == nil {
			args = append(args, "--permission-mode", mapped)
		}
	}

	return args
}

// mapPermission maps a PermissionMode to its Claude CLI flag value.
// Returns an error for unknown modes; the error message includes valid values.
func mapPermission(perm PermissionMode) (string, error) {
	switch perm {
	case PermissionDefault:
		return "default", nil
	case PermissionAcceptEdits:
		return "acceptEdits", nil
	case PermissionBypassAll:
		return "bypassPermissions", nil
	case PermissionPlan:
		return "plan", nil
	default:
		return "", fmt.Errorf("claude: unknown permission mode %q; valid: default, acceptEdits, bypassAll, plan", perm)
	}
}
