package codex

import (
	"slices"
	"testing"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/engine/cli"
	"github.com/dmora/agentexec/enginetest/clitest"
)

func TestBackendCompliance(t *testing.T) {
	clitest.RunBackendTests(t, func() cli.Spawner { return New() })
}

func TestNew_Default(t *testing.T) {
	bin, args := New().SpawnArgs("hi", agentexec.DefaultExecutionOptions())
	if bin != "codex" {
		t.Errorf("binary = %q, want codex", bin)
	}
	want := []string{"exec", "--json", "--", "hi"}
	if !slices.Equal(args, want) {
		t.Errorf("args = %v, want %v", args, want)
	}
}

func TestWithBinaryEmpty(t *testing.T) {
	if bin, _ := New(WithBinary("")).SpawnArgs("", agentexec.ExecutionOptions{}); bin != "codex" {
		t.Errorf("empty WithBinary should keep the default, got %q", bin)
	}
}

func TestSpawnArgs_BackendOptions(t *testing.T) {
	b := New(
		WithBinary("/opt/codex"),
		WithSandbox(SandboxReadOnly),
		WithProfile("ci"),
		WithEphemeral(true),
		WithSkipGitCheck(true),
	)
	bin, args := b.SpawnArgs("fix it", agentexec.ResolveOptions(agentexec.WithModel("o4-mini")))
	if bin != "/opt/codex" {
		t.Errorf("binary = %q", bin)
	}
	want := []string{
		"exec", "--json", "-m", "o4-mini", "-p", "ci", "--ephemeral",
		"--skip-git-repo-check", "--sandbox", "read-only", "--", "fix it",
	}
	if !slices.Equal(args, want) {
		t.Errorf("args = %v\nwant  %v", args, want)
	}
}

func TestSpawnArgs_SkipPermissionsOverridesSandbox(t *testing.T) {
	b := New(WithSandbox(SandboxWorkspaceWrite))
	_, args := b.SpawnArgs("x", agentexec.ResolveOptions(agentexec.WithSkipPermissions(true)))
	if slices.Contains(args, "--sandbox") {
		t.Errorf("--sandbox must be omitted when skipping permissions: %v", args)
	}
	if !slices.Contains(args, "--dangerously-bypass-approvals-and-sandbox") {
		t.Errorf("bypass flag missing: %v", args)
	}
}

func TestSpawnArgs_PromptViaStdin(t *testing.T) {
	_, args := New().SpawnArgs("secret", agentexec.ResolveOptions(agentexec.WithPromptViaStdin(true)))
	if args[len(args)-1] != "-" || slices.Contains(args, "secret") {
		t.Errorf("args = %v, want trailing \"-\" and no prompt", args)
	}
}

func TestSpawnArgs_SkipsInvalidValues(t *testing.T) {
	b := New(WithSandbox("yolo"), WithProfile("-evil"))
	_, args := b.SpawnArgs("x", agentexec.DefaultExecutionOptions())
	for _, flag := range []string{"--sandbox", "-p"} {
		if slices.Contains(args, flag) {
			t.Errorf("%s should be skipped: %v", flag, args)
		}
	}
}
