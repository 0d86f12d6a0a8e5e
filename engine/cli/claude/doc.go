// Package claude provides a Claude Code CLI backend for agentexec.
//
// The backend implements [cli.Spawner] and [cli.InputFormatter]: it turns a
// prompt and [agentexec.ExecutionOptions] into a `claude -p` command line
// with stream-json output, one JSON event per line. The engine's line
// classifier maps those events to Messages; the final
// {"type":"result","result":...} event carries the answer.
//
// # Usage
//
// Create a backend and pass it to [cli.NewEngine]:
//
//	b := claude.New()
//	engine := cli.NewEngine(b)
//	defer engine.Cleanup()
//	answer, err := engine.ExecuteSync(ctx, "What is 2+2?")
//
// # Option Mapping
//
//   - Model → --model
//   - MaxTurns (> 0) → --max-turns
//   - AllowedTools → --allowedTools, comma-joined
//   - SkipPermissions → --dangerously-skip-permissions
//   - PromptViaStdin → --input-format stream-json, prompt sent as a JSON
//     user message instead of the trailing argument
//
// Backend options add --system-prompt ([WithSystemPrompt]),
// --permission-mode ([WithPermissionMode]), and
// --include-partial-messages ([WithPartialMessages]).
package claude
