// Package codex provides a Codex CLI backend for agentexec.
//
// Each attempt runs "codex exec --json" with the prompt as the trailing
// argument after a "--" separator. With ExecutionOptions.PromptViaStdin
// the prompt argument becomes "-" and the engine writes the prompt to
// stdin as plain text.
//
// Option mapping:
//
//	ExecutionOptions.Model           → -m <model>
//	ExecutionOptions.SkipPermissions → --dangerously-bypass-approvals-and-sandbox
//	WithSandbox                      → --sandbox <policy> (ignored when skipping permissions)
//	WithProfile                      → -p <profile>
//	WithEphemeral                    → --ephemeral
//	WithSkipGitCheck                 → --skip-git-repo-check
//
// MaxTurns, AllowedTools, and Verbose have no Codex equivalent and are
// ignored.
package codex
