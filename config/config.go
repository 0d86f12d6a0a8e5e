// Package config loads agentexec configuration files.
//
// A file is YAML (.yaml, .yml) or TOML (.toml). Loading starts from
// [Default], decodes the file on top so absent keys keep their defaults,
// rejects unknown keys, and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/engine/cli"
	"github.com/dmora/agentexec/engine/cli/claude"
	"github.com/dmora/agentexec/engine/cli/codex"
	"github.com/dmora/agentexec/engine/cli/opencode"
	"github.com/dmora/agentexec/telemetry"
)

// EnvVar names the environment variable holding the default config path.
const EnvVar = "AGENTEXEC_CONFIG"

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// File is the decoded configuration file.
type File struct {
	Backend   Backend          `yaml:"backend" toml:"backend"`
	Execution Execution        `yaml:"execution" toml:"execution"`
	Engine    Engine           `yaml:"engine" toml:"engine"`
	History   History          `yaml:"history" toml:"history"`
	Telemetry telemetry.Config `yaml:"telemetry" toml:"telemetry"`
}

// Backend names accepted in the backend section.
const (
	BackendClaude   = "claude"
	BackendCodex    = "codex"
	BackendOpenCode = "opencode"
)

// Backend selects and configures the agent CLI. Binary defaults to the
// backend name resolved through PATH. Each group of fields below applies
// only to the backend it is labeled with.
type Backend struct {
	Name   string `yaml:"name" toml:"name" validate:"oneof=claude codex opencode"`
	Binary string `yaml:"binary" toml:"binary"`

	// claude
	SystemPrompt    string `yaml:"system_prompt" toml:"system_prompt"`
	PermissionMode  string `yaml:"permission_mode" toml:"permission_mode" validate:"omitempty,oneof=default acceptEdits bypassAll plan"`
	PartialMessages bool   `yaml:"partial_messages" toml:"partial_messages"`

	// codex
	Sandbox string `yaml:"sandbox" toml:"sandbox" validate:"omitempty,oneof=read-only workspace-write danger-full-access"`
	Profile string `yaml:"profile" toml:"profile"`

	// opencode
	Agent   string `yaml:"agent" toml:"agent"`
	Variant string `yaml:"variant" toml:"variant" validate:"omitempty,oneof=minimal low high max"`
}

// Executable returns the configured binary or the backend's default.
func (b Backend) Executable() string {
	if b.Binary != "" {
		return b.Binary
	}
	return b.Name
}

// Execution holds the per-call defaults applied to every Execute.
type Execution struct {
	Model           string            `yaml:"model" toml:"model"`
	MaxTurns        int               `yaml:"max_turns" toml:"max_turns" validate:"gte=0"`
	AllowedTools    []string          `yaml:"allowed_tools" toml:"allowed_tools" validate:"dive,required"`
	Timeout         time.Duration     `yaml:"timeout" toml:"timeout" validate:"gte=0"`
	Verbose         bool              `yaml:"verbose" toml:"verbose"`
	SkipPermissions bool              `yaml:"skip_permissions" toml:"skip_permissions"`
	PromptViaStdin  bool              `yaml:"prompt_via_stdin" toml:"prompt_via_stdin"`
	WorkDir         string            `yaml:"work_dir" toml:"work_dir"`
	Env             map[string]string `yaml:"env" toml:"env"`
	CircuitBreaker  Breaker           `yaml:"circuit_breaker" toml:"circuit_breaker"`
	Retry           Retry             `yaml:"retry" toml:"retry"`
}

// Breaker enables and tunes circuit breaking.
type Breaker struct {
	Enabled          bool          `yaml:"enabled" toml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold" validate:"gte=1"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" toml:"recovery_timeout" validate:"gte=0"`
	SuccessThreshold int           `yaml:"success_threshold" toml:"success_threshold" validate:"gte=1"`
}

// Retry enables and tunes retries of transient failures.
type Retry struct {
	Enabled     bool          `yaml:"enabled" toml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `yaml:"base_delay" toml:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `yaml:"max_delay" toml:"max_delay" validate:"gte=0"`
	Jitter      bool          `yaml:"jitter" toml:"jitter"`
}

// Engine holds engine construction settings.
type Engine struct {
	LineBuffer    int           `yaml:"line_buffer" toml:"line_buffer" validate:"gte=1"`
	ScannerBuffer int           `yaml:"scanner_buffer" toml:"scanner_buffer" validate:"gte=1024"`
	GracePeriod   time.Duration `yaml:"grace_period" toml:"grace_period" validate:"gte=0"`
	ExitDrain     time.Duration `yaml:"exit_drain" toml:"exit_drain" validate:"gte=0"`
}

// History configures the SQLite execution history.
type History struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path" validate:"required_if=Enabled true"`
}

// Default returns the configuration used when no file is given.
func Default() File {
	cb := agentexec.DefaultCircuitBreakerConfig()
	rs := agentexec.DefaultRetryStrategy()
	return File{
		Backend: Backend{Name: BackendClaude},
		Execution: Execution{
			Timeout: agentexec.DefaultTimeout,
			CircuitBreaker: Breaker{
				FailureThreshold: cb.FailureThreshold,
				RecoveryTimeout:  cb.RecoveryTimeout,
				SuccessThreshold: cb.SuccessThreshold,
			},
			Retry: Retry{
				MaxAttempts: rs.MaxAttempts,
				BaseDelay:   rs.BaseDelay,
				MaxDelay:    rs.MaxDelay,
				Jitter:      rs.Jitter,
			},
		},
		Engine: Engine{
			LineBuffer:    cli.DefaultLineBuffer,
			ScannerBuffer: cli.DefaultScannerBuffer,
			GracePeriod:   cli.DefaultGracePeriod,
			ExitDrain:     cli.DefaultExitDrain,
		},
		History: History{
			Path: "agentexec-history.db",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Resolve loads path, or the file named by $AGENTEXEC_CONFIG when path is
// empty, or returns Default when neither is set.
func Resolve(path string) (File, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvVar))
	}
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Load reads, decodes, and validates the configuration file at path.
// The format follows the file extension.
func Load(path string) (File, error) {
	format, err := formatOf(path)
	if err != nil {
		return File{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("load config: %w", err)
	}
	f, err := Parse(data, format)
	if err != nil {
		return File{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes data over Default and validates the result.
func Parse(data []byte, format Format) (File, error) {
	f := Default()
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return File{}, fmt.Errorf("decode yaml: %w", err)
		}
	case FormatTOML:
		meta, err := toml.Decode(string(data), &f)
		if err != nil {
			return File{}, fmt.Errorf("decode toml: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return File{}, fmt.Errorf("decode toml: unknown keys: %s", strings.Join(keys, ", "))
		}
	default:
		return File{}, fmt.Errorf("unsupported config format %q", format)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func formatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("config %s: unsupported extension (want .yaml, .yml or .toml)", path)
	}
}

// Validate checks struct constraints, the derived execution options, and
// the telemetry settings. Failures are classified as ClassConfig.
func (f File) Validate() error {
	if err := agentexec.ValidateStruct(f); err != nil {
		return agentexec.NewError(agentexec.ClassConfig, "invalid config", err)
	}
	if err := f.ExecutionOptions().Validate(); err != nil {
		return err
	}
	if err := f.Telemetry.Validate(); err != nil {
		return agentexec.NewError(agentexec.ClassConfig, "invalid telemetry config", err)
	}
	return nil
}

// ExecutionOptions converts the execution section. Disabled breaker and
// retry sections become nil.
func (f File) ExecutionOptions() agentexec.ExecutionOptions {
	x := f.Execution
	o := agentexec.ExecutionOptions{
		Model:           x.Model,
		MaxTurns:        x.MaxTurns,
		AllowedTools:    x.AllowedTools,
		Timeout:         x.Timeout,
		Verbose:         x.Verbose,
		SkipPermissions: x.SkipPermissions,
		PromptViaStdin:  x.PromptViaStdin,
		WorkDir:         x.WorkDir,
		Env:             x.Env,
	}
	if x.CircuitBreaker.Enabled {
		o.CircuitBreaker = &agentexec.CircuitBreakerConfig{
			FailureThreshold: x.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  x.CircuitBreaker.RecoveryTimeout,
			SuccessThreshold: x.CircuitBreaker.SuccessThreshold,
		}
	}
	if x.Retry.Enabled {
		o.Retry = &agentexec.RetryStrategy{
			MaxAttempts: x.Retry.MaxAttempts,
			BaseDelay:   x.Retry.BaseDelay,
			MaxDelay:    x.Retry.MaxDelay,
			Jitter:      x.Retry.Jitter,
		}
	}
	return o.Clone()
}

// Options returns the execution section as a single Option, to be placed
// before per-call options.
func (f File) Options() agentexec.Option {
	return agentexec.WithOptions(f.ExecutionOptions())
}

// EngineOptions converts the engine section.
func (f File) EngineOptions() []cli.EngineOption {
	return []cli.EngineOption{
		cli.WithLineBuffer(f.Engine.LineBuffer),
		cli.WithScannerBuffer(f.Engine.ScannerBuffer),
		cli.WithGracePeriod(f.Engine.GracePeriod),
		cli.WithExitDrain(f.Engine.ExitDrain),
	}
}

// Spawner builds the backend named in the backend section.
func (f File) Spawner() cli.Spawner {
	b := f.Backend
	switch b.Name {
	case BackendCodex:
		return codex.New(
			codex.WithBinary(b.Binary),
			codex.WithSandbox(codex.Sandbox(b.Sandbox)),
			codex.WithProfile(b.Profile),
		)
	case BackendOpenCode:
		return opencode.New(
			opencode.WithBinary(b.Binary),
			opencode.WithAgent(b.Agent),
			opencode.WithVariant(opencode.Variant(b.Variant)),
		)
	}
	opts := []claude.Option{
		claude.WithBinary(b.Binary),
		claude.WithPartialMessages(b.PartialMessages),
	}
	if b.SystemPrompt != "" {
		opts = append(opts, claude.WithSystemPrompt(b.SystemPrompt))
	}
	if b.PermissionMode != "" {
		opts = append(opts, claude.WithPermissionMode(claude.PermissionMode(b.PermissionMode)))
	}
	return claude.New(opts...)
}
