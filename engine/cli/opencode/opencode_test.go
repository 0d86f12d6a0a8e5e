package opencode

import (
	"slices"
	"strings"
	"testing"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/engine/cli"
	"github.com/dmora/agentexec/enginetest/clitest"
)

func TestBackendCompliance(t *testing.T) {
	clitest.RunBackendTests(t, func() cli.Spawner { return New() })
}

func TestSpawnArgs(t *testing.T) {
	tests := []struct {
		name    string
		backend *Backend
		opts    []agentexec.Option
		want    []string
	}{
		{
			name:    "defaults",
			backend: New(),
			want:    []string{"run", "--format", "json", "hello"},
		},
		{
			name:    "all options",
			backend: New(WithAgent("build"), WithVariant(VariantHigh), WithTitle("nightly")),
			opts:    []agentexec.Option{agentexec.WithModel("anthropic/claude-sonnet-4")},
			want: []string{
				"run", "--format", "json", "--model", "anthropic/claude-sonnet-4",
				"--agent", "build", "--variant", "high", "--title", "nightly", "hello",
			},
		},
		{
			name:    "prompt via stdin",
			backend: New(),
			opts:    []agentexec.Option{agentexec.WithPromptViaStdin(true)},
			want:    []string{"run", "--format", "json"},
		},
		{
			name:    "invalid values skipped",
			backend: New(WithAgent("-x"), WithVariant("a\x00b"), WithTitle(strings.Repeat("t", maxTitleLen+1))),
			want:    []string{"run", "--format", "json", "hello"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin, args := tt.backend.SpawnArgs("hello", agentexec.ResolveOptions(tt.opts...))
			if bin != "opencode" {
				t.Errorf("binary = %q", bin)
			}
			if !slices.Equal(args, tt.want) {
				t.Errorf("args = %v\nwant  %v", args, tt.want)
			}
		})
	}
}

func TestWithBinary(t *testing.T) {
	if bin, _ := New(WithBinary("/usr/local/bin/opencode")).SpawnArgs("x", agentexec.ExecutionOptions{}); bin != "/usr/local/bin/opencode" {
		t.Errorf("binary = %q", bin)
	}
	if bin, _ := New(WithBinary("")).SpawnArgs("x", agentexec.ExecutionOptions{}); bin != "opencode" {
		t.Errorf("empty WithBinary should keep the default, got %q", bin)
	}
}
