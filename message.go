package agentexec

import "time"

// MessageKind identifies the kind of a classified output line.
//
// The six constants below are the kinds the engine itself produces.
// Structured output may declare other kinds; those pass through verbatim.
type MessageKind string

const (
	// KindStream is incremental partial output.
	KindStream MessageKind = "stream"

	// KindResult is a final answer chunk.
	KindResult MessageKind = "result"

	// KindToolUse indicates the external program is invoking a named capability.
	KindToolUse MessageKind = "tool_use"

	// KindStatus is progress or informational output, including retry
	// and circuit notices synthesized by the engine.
	KindStatus MessageKind = "status"

	// KindError signals a failure.
	KindError MessageKind = "error"

	// KindUnknown is raw text that matched no pattern.
	KindUnknown MessageKind = "unknown"
)

// Source identifies where a message came from.
type Source string

const (
	// SourceStdout marks lines read from the program's standard output.
	SourceStdout Source = "stdout"

	// SourceStderr marks lines read from the program's standard error.
	SourceStderr Source = "stderr"

	// SourceEngine marks messages synthesized by the engine
	// (retry notices, circuit-open and terminal errors).
	SourceEngine Source = "engine"
)

// Metadata keys set by the classifier and the engine.
const (
	// MetaPattern names the heuristic pattern that classified a non-JSON line.
	MetaPattern = "pattern"

	// MetaErrorClass carries the [ErrorClass] of an error message.
	MetaErrorClass = "error_class"

	// MetaAttempt carries the 1-based attempt number on retry notices.
	MetaAttempt = "attempt"

	// MetaMaxAttempts carries the configured attempt limit on retry notices.
	MetaMaxAttempts = "max_attempts"

	// MetaDelay carries the retry delay in milliseconds on retry notices.
	MetaDelay = "delay_ms"

	// MetaExitCode carries the process exit code on terminal error messages.
	MetaExitCode = "exit_code"
)

// Message is one classified unit of external-program output.
type Message struct {
	// Kind identifies the kind of message.
	Kind MessageKind `json:"kind"`

	// Content is the human-readable payload. Never nil; may be empty.
	Content string `json:"content"`

	// Metadata holds auxiliary fields such as extra JSON keys or the
	// name of a detected pattern. Insertion order is irrelevant.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Source is the stream the line was read from.
	Source Source `json:"source,omitempty"`

	// Attempt is the 1-based attempt that produced the message.
	// Zero for messages produced outside an engine.
	Attempt int `json:"attempt,omitempty"`

	// Timestamp is when the message was produced.
	Timestamp time.Time `json:"timestamp"`
}

// Meta returns the metadata value for key, or nil.
func (m Message) Meta(key string) any {
	if m.Metadata == nil {
		return nil
	}
	return m.Metadata[key]
}

// SetMeta sets a metadata value, allocating the map on first use.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any, 1)
	}
	m.Metadata[key] = value
}

// IsOutput reports whether the message contributes to aggregated text
// (stream and result kinds).
func (m Message) IsOutput() bool {
	return m.Kind == KindStream || m.Kind == KindResult
}
