package codex

import (
	"strings"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/engine/cli"
)

// Sandbox controls the sandbox policy via --sandbox.
type Sandbox string

const (
	SandboxReadOnly       Sandbox = "read-only"
	SandboxWorkspaceWrite Sandbox = "workspace-write"
	SandboxFullAccess     Sandbox = "danger-full-access"
)

// Valid reports whether s is a recognized sandbox value.
func (s Sandbox) Valid() bool {
	switch s {
	case SandboxReadOnly, SandboxWorkspaceWrite, SandboxFullAccess:
		return true
	}
	return false
}

const (
	defaultBinary = "codex"
	subcmdExec    = "exec"
	flagJSON      = "--json"

	// stdinPrompt tells codex exec to read the prompt from stdin.
	stdinPrompt = "-"
)

// Backend is a Codex CLI backend for agentexec.
// It implements cli.Spawner. Codex reads a plain-text prompt from stdin,
// so it needs no cli.InputFormatter.
type Backend struct {
	binary       string
	sandbox      Sandbox
	profile      string
	ephemeral    bool
	skipGitCheck bool
}

var _ cli.Spawner = (*Backend)(nil)

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithBinary overrides the Codex CLI binary path.
// Empty values are ignored; the default is "codex".
func WithBinary(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.binary = path
		}
	}
}

// WithSandbox sets the --sandbox policy. Unknown values are ignored.
func WithSandbox(s Sandbox) Option {
	return func(b *Backend) {
		if s.Valid() {
			b.sandbox = s
		}
	}
}

// WithProfile selects a configuration profile (-p).
func WithProfile(name string) Option {
	return func(b *Backend) {
		b.profile = name
	}
}

// WithEphemeral disables session persistence (--ephemeral).
func WithEphemeral(enabled bool) Option {
	return func(b *Backend) {
		b.ephemeral = enabled
	}
}

// WithSkipGitCheck allows running outside a git repository.
func WithSkipGitCheck(enabled bool) Option {
	return func(b *Backend) {
		b.skipGitCheck = enabled
	}
}

// New creates a Codex CLI backend with the given options.
func New(opts ...Option) *Backend {
	b := &Backend{binary: defaultBinary}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SpawnArgs builds: codex exec --json [flags] -- <prompt|->
// Invalid option values are silently skipped.
func (b *Backend) SpawnArgs(prompt string, opts agentexec.ExecutionOptions) (string, []string) {
	args := []string{subcmdExec, flagJSON}

	if m := opts.Model; safeValue(m) {
		args = append(args, "-m", m)
	}
	if safeValue(b.profile) {
		args = append(args, "-p", b.profile)
	}
	if b.ephemeral {
		args = append(args, "--ephemeral")
	}
	if b.skipGitCheck {
		args = append(args, "--skip-git-repo-check")
	}

	switch {
	case opts.SkipPermissions:
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	case b.sandbox != "":
		args = append(args, "--sandbox", string(b.sandbox))
	}

	// POSIX -- separator keeps the prompt from being parsed as flags.
	args = append(args, "--")
	switch {
	case opts.PromptViaStdin:
		args = append(args, stdinPrompt)
	case prompt != "" && !strings.ContainsRune(prompt, '\x00'):
		args = append(args, prompt)
	}
	return b.binary, args
}

func safeValue(s string) bool {
	return s != "" && !strings.ContainsRune(s, '\x00') && !strings.HasPrefix(s, "-")
}
