// Package opencode provides an OpenCode CLI backend for agentexec.
//
// Each attempt runs "opencode run --format json" with the prompt as the
// trailing argument. Only the model maps from ExecutionOptions; the rest
// of the flags come from backend options. Values that are empty, contain
// null bytes, or start with "-" are skipped.
package opencode
