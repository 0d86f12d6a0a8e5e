package agentexec

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Default execution configuration values.
const (
	DefaultTimeout = 10 * time.Minute
)

// CircuitBreakerConfig tunes the circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold" validate:"gte=1"`

	// RecoveryTimeout is how long an open breaker refuses admission before
	// allowing a trial attempt.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout" toml:"recovery_timeout" validate:"gte=0"`

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold" toml:"success_threshold" validate:"gte=1"`
}

// DefaultCircuitBreakerConfig returns a breaker that opens after five
// consecutive failures and probes again after thirty seconds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 1,
	}
}

// RetryStrategy tunes retries of transient failures.
// Delays grow as BaseDelay * 2^attempt.
type RetryStrategy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts" validate:"gte=1"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay" toml:"base_delay" validate:"gte=0"`

	// MaxDelay caps the computed delay. Zero means uncapped.
	MaxDelay time.Duration `json:"max_delay,omitempty" yaml:"max_delay" toml:"max_delay" validate:"gte=0"`

	// Jitter scales each delay by a uniform random factor in [0.5, 1.0].
	Jitter bool `json:"jitter" yaml:"jitter" toml:"jitter"`
}

// DefaultRetryStrategy returns three attempts starting at one second with jitter.
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Jitter:      true,
	}
}

// ExecutionOptions is the immutable per-call configuration of Execute.
// Engine implementations call ResolveOptions to collapse functional
// options into this struct.
type ExecutionOptions struct {
	// Model is the target model identifier. Empty uses the program default.
	Model string `json:"model,omitempty"`

	// MaxTurns limits agentic turns. Zero means no limit.
	MaxTurns int `json:"max_turns,omitempty" validate:"gte=0"`

	// AllowedTools names the capabilities the program may invoke.
	AllowedTools []string `json:"allowed_tools,omitempty" validate:"dive,required"`

	// Timeout bounds each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration `json:"timeout" validate:"gte=0"`

	// Verbose requests verbose program output.
	Verbose bool `json:"verbose,omitempty"`

	// SkipPermissions bypasses interactive confirmation prompts.
	SkipPermissions bool `json:"skip_permissions,omitempty"`

	// PromptViaStdin writes the prompt to the process input stream
	// instead of passing it as the trailing argument.
	PromptViaStdin bool `json:"prompt_via_stdin,omitempty"`

	// WorkDir is the working directory of the process. Empty inherits ours.
	WorkDir string `json:"work_dir,omitempty"`

	// Env adds variables to the inherited environment.
	Env map[string]string `json:"env,omitempty" validate:"dive,keys,required,endkeys"`

	// CircuitBreaker enables breaker gating. Nil disables it.
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty"`

	// Retry enables retries of transient failures. Nil means a single attempt.
	Retry *RetryStrategy `json:"retry,omitempty"`
}

// Option configures an Execute invocation.
type Option func(*ExecutionOptions)

// DefaultExecutionOptions returns the defaults every call starts from.
func DefaultExecutionOptions() ExecutionOptions {
	return ExecutionOptions{Timeout: DefaultTimeout}
}

// ResolveOptions applies functional options over the defaults and returns
// a deep copy safe from later mutation by the caller.
func ResolveOptions(opts ...Option) ExecutionOptions {
	o := DefaultExecutionOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o.Clone()
}

// Clone returns a deep copy of o.
func (o ExecutionOptions) Clone() ExecutionOptions {
	o.AllowedTools = slices.Clone(o.AllowedTools)
	if o.Env != nil {
		env := make(map[string]string, len(o.Env))
		for k, v := range o.Env {
			env[k] = v
		}
		o.Env = env
	}
	if o.CircuitBreaker != nil {
		cb := *o.CircuitBreaker
		o.CircuitBreaker = &cb
	}
	if o.Retry != nil {
		r := *o.Retry
		o.Retry = &r
	}
	return o
}

// MaxAttempts returns the attempt limit, 1 when retries are disabled.
func (o ExecutionOptions) MaxAttempts() int {
	if o.Retry == nil || o.Retry.MaxAttempts < 1 {
		return 1
	}
	return o.Retry.MaxAttempts
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks o for invalid option combinations.
// Failures are classified as ClassConfig.
func (o ExecutionOptions) Validate() error {
	if err := structValidator().Struct(o); err != nil {
		return NewError(ClassConfig, "invalid execution options", flattenValidation(err))
	}
	if containsNull(o.Model) {
		return Errorf(ClassConfig, "model contains null bytes")
	}
	for _, t := range o.AllowedTools {
		if containsNull(t) {
			return Errorf(ClassConfig, "allowed tool %q contains null bytes", t)
		}
	}
	for k, v := range o.Env {
		if strings.Contains(k, "=") || containsNull(k) || containsNull(v) {
			return Errorf(ClassConfig, "invalid env entry %q", k)
		}
	}
	return nil
}

// ValidatePrompt rejects prompts that cannot be delivered to a process.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return Errorf(ClassConfig, "prompt is empty")
	}
	if containsNull(prompt) {
		return Errorf(ClassConfig, "prompt contains null bytes")
	}
	return nil
}

func containsNull(s string) bool {
	return strings.ContainsRune(s, '\x00')
}

// ValidateStruct runs struct-tag validation on v and returns a readable
// error listing every failing field. Exported for the config package.
func ValidateStruct(v any) error {
	if err := structValidator().Struct(v); err != nil {
		return flattenValidation(err)
	}
	return nil
}

func flattenValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// WithModel sets the target model identifier.
func WithModel(model string) Option {
	return func(o *ExecutionOptions) {
		o.Model = model
	}
}

// WithMaxTurns limits agentic turns.
func WithMaxTurns(n int) Option {
	return func(o *ExecutionOptions) {
		o.MaxTurns = n
	}
}

// WithAllowedTools sets the capabilities the program may invoke.
func WithAllowedTools(tools ...string) Option {
	return func(o *ExecutionOptions) {
		o.AllowedTools = tools
	}
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *ExecutionOptions) {
		o.Timeout = d
	}
}

// WithVerbose requests verbose program output.
func WithVerbose(v bool) Option {
	return func(o *ExecutionOptions) {
		o.Verbose = v
	}
}

// WithSkipPermissions bypasses interactive confirmation prompts.
func WithSkipPermissions(skip bool) Option {
	return func(o *ExecutionOptions) {
		o.SkipPermissions = skip
	}
}

// WithPromptViaStdin writes the prompt to the process input stream.
func WithPromptViaStdin(v bool) Option {
	return func(o *ExecutionOptions) {
		o.PromptViaStdin = v
	}
}

// WithWorkDir sets the process working directory.
func WithWorkDir(dir string) Option {
	return func(o *ExecutionOptions) {
		o.WorkDir = dir
	}
}

// WithEnv adds one environment variable.
func WithEnv(key, value string) Option {
	return func(o *ExecutionOptions) {
		if o.Env == nil {
			o.Env = make(map[string]string)
		}
		o.Env[key] = value
	}
}

// WithCircuitBreaker enables breaker gating. An engine keeps one breaker
// per distinct configuration, shared by every call that passes it.
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(o *ExecutionOptions) {
		o.CircuitBreaker = &cfg
	}
}

// WithRetry enables retries of transient failures.
func WithRetry(s RetryStrategy) Option {
	return func(o *ExecutionOptions) {
		o.Retry = &s
	}
}

// WithOptions replaces the whole configuration, typically with one
// loaded from a config file. Later options still apply on top.
func WithOptions(base ExecutionOptions) Option {
	return func(o *ExecutionOptions) {
		*o = base.Clone()
	}
}
