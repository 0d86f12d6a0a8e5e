package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/engine/cli/claude"
	"github.com/dmora/agentexec/engine/cli/codex"
	"github.com/dmora/agentexec/engine/cli/opencode"
)

const yamlConfig = `
backend:
  binary: /opt/claude/bin/claude
  permission_mode: acceptEdits
execution:
  model: claude-sonnet-4-5
  max_turns: 4
  allowed_tools: [Read, Grep]
  timeout: 2m
  env:
    FOO: bar
  circuit_breaker:
    enabled: true
    failure_threshold: 3
    recovery_timeout: 45s
  retry:
    enabled: true
    max_attempts: 4
    base_delay: 250ms
    max_delay: 5s
    jitter: false
engine:
  grace_period: 2s
telemetry:
  logging:
    level: debug
    format: json
`

const tomlConfig = `
[backend]
binary = "/opt/claude/bin/claude"
system_prompt = "be terse"

[execution]
model = "claude-sonnet-4-5"
timeout = "90s"
prompt_via_stdin = true

[execution.retry]
enabled = true
max_attempts = 2
base_delay = "1s"

[history]
enabled = true
path = "/tmp/agentexec.db"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	f := Default()
	if err := f.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	o := f.ExecutionOptions()
	if o.Timeout != agentexec.DefaultTimeout {
		t.Errorf("timeout = %v, want %v", o.Timeout, agentexec.DefaultTimeout)
	}
	if o.CircuitBreaker != nil || o.Retry != nil {
		t.Error("breaker and retry should be disabled by default")
	}
	if _, ok := f.Spawner().(*claude.Backend); !ok {
		t.Errorf("default spawner = %T, want *claude.Backend", f.Spawner())
	}
	if f.Backend.Executable() != "claude" {
		t.Errorf("executable = %q, want claude", f.Backend.Executable())
	}
}

func TestLoad_YAML(t *testing.T) {
	f, err := Load(writeConfig(t, "agentexec.yaml", yamlConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	o := f.ExecutionOptions()
	if o.Model != "claude-sonnet-4-5" || o.MaxTurns != 4 {
		t.Errorf("model/turns = %q/%d", o.Model, o.MaxTurns)
	}
	if len(o.AllowedTools) != 2 || o.AllowedTools[1] != "Grep" {
		t.Errorf("allowed tools = %v", o.AllowedTools)
	}
	if o.Timeout != 2*time.Minute {
		t.Errorf("timeout = %v, want 2m", o.Timeout)
	}
	if o.Env["FOO"] != "bar" {
		t.Errorf("env = %v", o.Env)
	}
	if o.CircuitBreaker == nil {
		t.Fatal("breaker should be enabled")
	}
	if o.CircuitBreaker.FailureThreshold != 3 || o.CircuitBreaker.RecoveryTimeout != 45*time.Second {
		t.Errorf("breaker = %+v", *o.CircuitBreaker)
	}
	if o.CircuitBreaker.SuccessThreshold != 1 {
		t.Errorf("absent success_threshold should keep default 1, got %d", o.CircuitBreaker.SuccessThreshold)
	}
	if o.Retry == nil || o.Retry.MaxAttempts != 4 || o.Retry.BaseDelay != 250*time.Millisecond || o.Retry.Jitter {
		t.Errorf("retry = %+v", o.Retry)
	}
	if f.Engine.GracePeriod != 2*time.Second {
		t.Errorf("grace = %v", f.Engine.GracePeriod)
	}
	if f.Engine.LineBuffer != Default().Engine.LineBuffer {
		t.Errorf("absent line_buffer should keep default, got %d", f.Engine.LineBuffer)
	}
	if f.Telemetry.Logging.Level != "debug" || f.Telemetry.Logging.Format != "json" {
		t.Errorf("logging = %+v", f.Telemetry.Logging)
	}
	if f.Telemetry.Logging.Output != "stderr" {
		t.Errorf("absent logging output should keep default, got %q", f.Telemetry.Logging.Output)
	}
	bin, args := f.Spawner().SpawnArgs("hi", o)
	if bin != "/opt/claude/bin/claude" {
		t.Errorf("spawner binary = %q", bin)
	}
	if !slices.Contains(args, "acceptEdits") {
		t.Errorf("permission mode not applied: %v", args)
	}
}

func TestLoad_TOML(t *testing.T) {
	f, err := Load(writeConfig(t, "agentexec.toml", tomlConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	o := f.ExecutionOptions()
	if o.Timeout != 90*time.Second {
		t.Errorf("timeout = %v, want 90s", o.Timeout)
	}
	if !o.PromptViaStdin {
		t.Error("prompt_via_stdin should be true")
	}
	if o.Retry == nil || o.Retry.MaxAttempts != 2 || o.Retry.BaseDelay != time.Second {
		t.Errorf("retry = %+v", o.Retry)
	}
	if !o.Retry.Jitter {
		t.Error("absent jitter should keep default true")
	}
	if o.CircuitBreaker != nil {
		t.Error("breaker should stay disabled")
	}
	if !f.History.Enabled || f.History.Path != "/tmp/agentexec.db" {
		t.Errorf("history = %+v", f.History)
	}
	if f.Backend.SystemPrompt != "be terse" {
		t.Errorf("system prompt = %q", f.Backend.SystemPrompt)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"unknown yaml key", "c.yaml", "execution:\n  modle: x\n", "modle"},
		{"unknown toml key", "c.toml", "[execution]\nmodle = \"x\"\n", "modle"},
		{"bad extension", "c.json", "{}", "unsupported extension"},
		{"malformed yaml", "c.yml", "execution: [\n", "decode yaml"},
		{"negative turns", "c.yaml", "execution:\n  max_turns: -1\n", "MaxTurns"},
		{"zero retry attempts", "c.toml", "[execution.retry]\nenabled = true\nmax_attempts = 0\n", "MaxAttempts"},
		{"bad permission mode", "c.yaml", "backend:\n  permission_mode: yolo\n", "PermissionMode"},
		{"unknown backend", "c.yaml", "backend:\n  name: gemini\n", "Name"},
		{"bad sandbox", "c.toml", "[backend]\nname = \"codex\"\nsandbox = \"none\"\n", "Sandbox"},
		{"bad log level", "c.yaml", "telemetry:\n  logging:\n    level: loud\n", "Level"},
		{"history without path", "c.toml", "[history]\nenabled = true\npath = \"\"\n", "Path"},
		{"null byte model", "c.yaml", "execution:\n  model: \"a\\0b\"\n", "null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_ValidationIsConfigClass(t *testing.T) {
	_, err := Load(writeConfig(t, "c.yaml", "execution:\n  max_turns: -1\n"))
	if !agentexec.IsClass(err, agentexec.ClassConfig) {
		t.Errorf("error = %v, want config class", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParse_EmptyYAMLKeepsDefaults(t *testing.T) {
	f, err := Parse(nil, FormatYAML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Backend != Default().Backend {
		t.Errorf("backend = %+v", f.Backend)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(EnvVar, "")
	f, err := Resolve("")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if f.Backend.Name != BackendClaude {
		t.Errorf("empty resolve should return defaults, got backend %q", f.Backend.Name)
	}

	path := writeConfig(t, "env.yaml", "execution:\n  model: from-env\n")
	t.Setenv(EnvVar, path)
	f, err = Resolve("")
	if err != nil {
		t.Fatalf("Resolve from env: %v", err)
	}
	if f.Execution.Model != "from-env" {
		t.Errorf("model = %q, want from-env", f.Execution.Model)
	}

	explicit := writeConfig(t, "explicit.toml", "[execution]\nmodel = \"explicit\"\n")
	f, err = Resolve(explicit)
	if err != nil {
		t.Fatalf("Resolve explicit: %v", err)
	}
	if f.Execution.Model != "explicit" {
		t.Errorf("explicit path should win over env, got %q", f.Execution.Model)
	}
}

func TestOptionsDoNotAlias(t *testing.T) {
	f := Default()
	f.Execution.AllowedTools = []string{"Read"}
	o := agentexec.ResolveOptions(f.Options())
	o.AllowedTools[0] = "Write"
	if f.Execution.AllowedTools[0] != "Read" {
		t.Error("converted options must not alias the config slice")
	}
}

func TestSpawner_SelectsBackend(t *testing.T) {
	f, err := Parse([]byte("backend:\n  name: codex\n  sandbox: read-only\n"), FormatYAML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := f.Spawner().(*codex.Backend); !ok {
		t.Fatalf("spawner = %T, want *codex.Backend", f.Spawner())
	}
	bin, args := f.Spawner().SpawnArgs("hi", f.ExecutionOptions())
	if bin != "codex" || !slices.Contains(args, "read-only") {
		t.Errorf("codex spawn = %s %v", bin, args)
	}

	f, err = Parse([]byte("[backend]\nname = \"opencode\"\nbinary = \"/bin/oc\"\nagent = \"build\"\n"), FormatTOML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := f.Spawner().(*opencode.Backend); !ok {
		t.Fatalf("spawner = %T, want *opencode.Backend", f.Spawner())
	}
	if f.Backend.Executable() != "/bin/oc" {
		t.Errorf("executable = %q", f.Backend.Executable())
	}
	if _, args := f.Spawner().SpawnArgs("hi", f.ExecutionOptions()); !slices.Contains(args, "build") {
		t.Errorf("agent not applied: %v", args)
	}
}
