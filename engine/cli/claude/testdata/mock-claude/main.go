//go:build ignore

// Command mock-claude simulates `claude -p --output-format stream-json` for
// integration tests. The prompt comes from the trailing argument, or from
// one stream-json user message on stdin when --input-format is given.
//
// Prompts with special meaning:
//
//	"auth"  prints an authentication failure to stderr and exits 1
//	"flaky" fails with exit 1 until $MOCK_CLAUDE_STATE holds two lines
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
)

func main() {
	args := os.Args[1:]
	prompt := ""
	if slices.Contains(args, "--input-format") {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr, "mock-claude: no input received")
			os.Exit(1)
		}
		var in struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &in); err != nil {
			fmt.Fprintf(os.Stderr, "mock-claude: bad input: %v\n", err)
			os.Exit(1)
		}
		prompt = in.Message.Content
	} else if len(args) > 0 {
		prompt = args[len(args)-1]
	}

	switch prompt {
	case "auth":
		fmt.Fprintln(os.Stderr, "Invalid API key · Please run /login")
		os.Exit(1)
	case "flaky":
		if !flakyReady() {
			fmt.Fprintln(os.Stderr, "mock-claude: overloaded")
			os.Exit(1)
		}
	}

	answer, _ := json.Marshal("echo: " + prompt)
	lines := []string{
		`{"type":"system","subtype":"init","session_id":"mock-session","model":"claude-sonnet-4-5-20250514"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":` + string(answer) + `}]}}`,
		`{"type":"result","subtype":"success","is_error":false,"num_turns":1,"result":` + string(answer) + `}`,
	}
	for _, line := range lines {
		fmt.Println(line)
	}
}

// flakyReady appends a line to the state file and reports whether this is
// at least the third invocation.
func flakyReady() bool {
	path := os.Getenv("MOCK_CLAUDE_STATE")
	if path == "" {
		return true
	}
	prev, _ := os.ReadFile(path)
	n := strings.Count(string(prev), "\n")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err == nil {
		fmt.Fprintln(f, "run")
		f.Close()
	}
	return n >= 2
}
