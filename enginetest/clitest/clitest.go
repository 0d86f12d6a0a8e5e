package clitest

import (
	"strings"
	"testing"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/engine/cli"
)

// RunBackendTests runs all applicable compliance suites for a CLI backend.
// The optional [cli.InputFormatter] capability is discovered via type
// assertion, mirroring how the engine resolves it when building a command.
func RunBackendTests(t *testing.T, factory func() cli.Spawner) {
	t.Helper()

	t.Run("Spawner", func(t *testing.T) {
		RunSpawnerTests(t, factory)
	})

	if _, ok := factory().(cli.InputFormatter); ok {
		t.Run("InputFormatter", func(t *testing.T) {
			RunInputFormatterTests(t, func() cli.InputFormatter {
				return factory().(cli.InputFormatter)
			})
		})
	}
}

// RunSpawnerTests tests the [cli.Spawner] behavioral contract.
// The factory is called once per subtest to ensure fresh backend state.
func RunSpawnerTests(t *testing.T, factory func() cli.Spawner) {
	t.Helper()
	runSpawnerStructural(t, factory)
	runSpawnerSafety(t, factory)
	runSpawnerPrompt(t, factory)
}

// runSpawnerStructural tests structural invariants: non-empty binary, non-nil args.
func runSpawnerStructural(t *testing.T, factory func() cli.Spawner) {
	t.Helper()

	t.Run("ZeroOptions", func(t *testing.T) {
		s := factory()
		binary, args := s.SpawnArgs("", agentexec.ExecutionOptions{})
		if binary == "" {
			t.Error("binary must be non-empty")
		}
		if args == nil {
			t.Error("args must be non-nil")
		}
	})

	t.Run("BinaryNoNullBytes", func(t *testing.T) {
		s := factory()
		binary, _ := s.SpawnArgs("hello", agentexec.DefaultExecutionOptions())
		if strings.Contains(binary, "\x00") {
			t.Error("binary must not contain null bytes")
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		s := factory()
		opts := agentexec.ResolveOptions(agentexec.WithModel("test-model"), agentexec.WithMaxTurns(3))
		b1, a1 := s.SpawnArgs("hello", opts)
		b2, a2 := s.SpawnArgs("hello", opts)
		if b1 != b2 || strings.Join(a1, "\x1f") != strings.Join(a2, "\x1f") {
			t.Errorf("SpawnArgs not deterministic: %v vs %v", a1, a2)
		}
	})
}

// runSpawnerSafety tests safety contracts: null-byte defense, leading-dash defense.
func runSpawnerSafety(t *testing.T, factory func() cli.Spawner) {
	t.Helper()

	t.Run("NoNullBytesInArgs", func(t *testing.T) {
		s := factory()
		_, args := s.SpawnArgs("hello", agentexec.ResolveOptions(agentexec.WithModel("test-model")))
		if i, ok := indexNullArg(args); ok {
			t.Errorf("args[%d] contains null bytes", i)
		}
	})

	t.Run("NullBytePromptExcluded", func(t *testing.T) {
		s := factory()
		_, args := s.SpawnArgs("hello\x00world", agentexec.DefaultExecutionOptions())
		if containsArg(args, "hello\x00world") {
			t.Error("null-byte prompt must not appear in args")
		}
	})

	t.Run("NullByteModelExcluded", func(t *testing.T) {
		s := factory()
		_, args := s.SpawnArgs("hello", agentexec.ResolveOptions(agentexec.WithModel("gpt\x00evil")))
		if containsArg(args, "gpt\x00evil") {
			t.Error("null-byte model must not appear in args")
		}
	})

	t.Run("LeadingDashModelExcluded", func(t *testing.T) {
		s := factory()
		_, args := s.SpawnArgs("hello", agentexec.ResolveOptions(agentexec.WithModel("-evil")))
		if containsArg(args, "-evil") {
			t.Error("leading-dash model must not appear as a standalone arg")
		}
		if containsArg(args, "--model") || containsArg(args, "-m") {
			t.Error("model flag must be omitted entirely for leading-dash model")
		}
	})
}

// runSpawnerPrompt tests prompt placement: trailing argument by default,
// absent when the prompt travels over stdin.
func runSpawnerPrompt(t *testing.T, factory func() cli.Spawner) {
	t.Helper()

	const prompt = "compliance prompt"

	t.Run("PromptIsLastArg", func(t *testing.T) {
		s := factory()
		_, args := s.SpawnArgs(prompt, agentexec.DefaultExecutionOptions())
		if len(args) == 0 || args[len(args)-1] != prompt {
			t.Errorf("last arg must be the prompt, got %v", args)
		}
	})

	t.Run("PromptViaStdinOmitsPrompt", func(t *testing.T) {
		s := factory()
		opts := agentexec.ResolveOptions(agentexec.WithPromptViaStdin(true))
		_, args := s.SpawnArgs(prompt, opts)
		if containsArg(args, prompt) {
			t.Errorf("prompt must not appear in args when sent via stdin: %v", args)
		}
	})
}

// RunInputFormatterTests tests the [cli.InputFormatter] behavioral contract.
func RunInputFormatterTests(t *testing.T, factory func() cli.InputFormatter) {
	t.Helper()

	t.Run("NewlineTerminated", func(t *testing.T) {
		f := factory()
		data, err := f.FormatInput("hello")
		if err != nil {
			t.Fatalf("FormatInput: %v", err)
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			t.Errorf("formatted input must end with a newline: %q", data)
		}
	})

	t.Run("SingleLine", func(t *testing.T) {
		f := factory()
		data, err := f.FormatInput("line1\nline2\nline3")
		if err != nil {
			t.Fatalf("FormatInput: %v", err)
		}
		if n := strings.Count(string(data), "\n"); n != 1 {
			t.Errorf("formatted input must be a single line, found %d newlines", n)
		}
	})

	t.Run("NullByteRejected", func(t *testing.T) {
		f := factory()
		if _, err := f.FormatInput("hello\x00world"); err == nil {
			t.Error("FormatInput with null bytes should return an error")
		}
	})
}

// containsArg reports whether args contains s as an exact element.
func containsArg(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}

// indexNullArg returns the index of the first arg containing a null byte.
func indexNullArg(args []string) (int, bool) {
	for i, a := range args {
		if strings.Contains(a, "\x00") {
			return i, true
		}
	}
	return 0, false
}
