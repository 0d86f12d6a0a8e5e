// Package filter provides composable middleware for agentexec message
// sequences. Consumers wrap Executor.Execute with these functions to
// select the messages they need. Every filter is lazy: breaking out of
// the outer range stops the inner sequence, which terminates the process.
package filter

import (
	"context"
	"iter"

	"github.com/dmora/agentexec"
)

// Where returns a sequence of the messages accepted by keep.
func Where(seq iter.Seq[agentexec.Message], keep func(agentexec.Message) bool) iter.Seq[agentexec.Message] {
	return func(yield func(agentexec.Message) bool) {
		for msg := range seq {
			if keep(msg) && !yield(msg) {
				return
			}
		}
	}
}

// Kinds returns a sequence that only passes messages of the given kinds.
func Kinds(seq iter.Seq[agentexec.Message], kinds ...agentexec.MessageKind) iter.Seq[agentexec.Message] {
	allowed := make(map[agentexec.MessageKind]struct{}, len(kinds))
	for _, k := range kinds {
		allowed[k] = struct{}{}
	}
	return Where(seq, func(msg agentexec.Message) bool {
		_, ok := allowed[msg.Kind]
		return ok
	})
}

// Output passes only stream and result messages, the ones ExecuteSync
// aggregates.
func Output(seq iter.Seq[agentexec.Message]) iter.Seq[agentexec.Message] {
	return Where(seq, agentexec.Message.IsOutput)
}

// Errors passes only error messages, from the program and from the engine.
func Errors(seq iter.Seq[agentexec.Message]) iter.Seq[agentexec.Message] {
	return Kinds(seq, agentexec.KindError)
}

// ProgramOnly drops messages synthesized by the engine (retry notices,
// circuit rejections, terminal errors).
func ProgramOnly(seq iter.Seq[agentexec.Message]) iter.Seq[agentexec.Message] {
	return Where(seq, func(msg agentexec.Message) bool {
		return msg.Source != agentexec.SourceEngine
	})
}

// Content maps a sequence to its message content.
func Content(seq iter.Seq[agentexec.Message]) iter.Seq[string] {
	return func(yield func(string) bool) {
		for msg := range seq {
			if !yield(msg.Content) {
				return
			}
		}
	}
}

// Channel drives seq on a new goroutine and delivers its messages on the
// returned channel, which is closed when seq ends or ctx is cancelled.
// Cancelling ctx stops seq mid-stream. Callers must either drain the
// returned channel or cancel ctx to avoid goroutine leaks.
func Channel(ctx context.Context, seq iter.Seq[agentexec.Message]) <-chan agentexec.Message {
	out := make(chan agentexec.Message)
	go func() {
		defer close(out)
		for msg := range seq {
			if !trySend(ctx, out, msg) {
				return
			}
		}
	}()
	return out
}

// trySend sends msg on out, returning true on success.
// Returns false if ctx is cancelled before the send completes.
func trySend(ctx context.Context, out chan<- agentexec.Message, msg agentexec.Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
