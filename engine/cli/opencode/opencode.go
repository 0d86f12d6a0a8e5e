package opencode

import (
	"strings"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/engine/cli"
)

// Variant controls provider-specific reasoning effort level via --variant.
type Variant string

const (
	VariantMinimal Variant = "minimal"
	VariantLow     Variant = "low"
	VariantHigh    Variant = "high"
	VariantMax     Variant = "max"
)

// maxTitleLen bounds --title. Longer titles are skipped.
const maxTitleLen = 512

const defaultBinary = "opencode"

// Backend is an OpenCode CLI backend for agentexec.
// It implements cli.Spawner. When the prompt travels over stdin, opencode
// reads it as the message text, so no cli.InputFormatter is needed.
type Backend struct {
	binary  string
	agent   string
	variant Variant
	title   string
}

var _ cli.Spawner = (*Backend)(nil)

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithBinary overrides the OpenCode CLI binary path.
// Empty values are ignored; the default is "opencode".
func WithBinary(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.binary = path
		}
	}
}

// WithAgent selects a named opencode agent (--agent).
func WithAgent(name string) Option {
	return func(b *Backend) {
		b.agent = name
	}
}

// WithVariant sets the reasoning effort variant (--variant).
func WithVariant(v Variant) Option {
	return func(b *Backend) {
		b.variant = v
	}
}

// WithTitle names the opencode session (--title).
func WithTitle(title string) Option {
	return func(b *Backend) {
		b.title = title
	}
}

// New creates an OpenCode CLI backend with the given options.
func New(opts ...Option) *Backend {
	b := &Backend{binary: defaultBinary}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SpawnArgs builds: opencode run --format json [flags] [prompt]
func (b *Backend) SpawnArgs(prompt string, opts agentexec.ExecutionOptions) (string, []string) {
	args := []string{"run", "--format", "json"}

	if safeValue(opts.Model) {
		args = append(args, "--model", opts.Model)
	}
	if safeValue(b.agent) {
		args = append(args, "--agent", b.agent)
	}
	if safeValue(string(b.variant)) {
		args = append(args, "--variant", string(b.variant))
	}
	if safeValue(b.title) && len(b.title) <= maxTitleLen {
		args = append(args, "--title", b.title)
	}

	if !opts.PromptViaStdin && prompt != "" && !strings.ContainsRune(prompt, '\x00') {
		args = append(args, prompt)
	}
	return b.binary, args
}

func safeValue(s string) bool {
	return s != "" && !strings.ContainsRune(s, '\x00') && !strings.HasPrefix(s, "-")
}
