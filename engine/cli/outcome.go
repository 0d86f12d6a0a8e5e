package cli

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/classify"
	"github.com/dmora/agentexec/internal/errfmt"
)

// exitCommandNotFound is the shell convention for a missing command.
const exitCommandNotFound = 127

// authRe matches credential failures. A bare 401 only counts next to a
// status word, so line numbers and counts do not read as auth errors.
var authRe = regexp.MustCompile(`(?i)(invalid api key|authentication (?:failed|failure|required|error)|unauthorized|not logged in|/login|\b(?:status|http|code)[ :=]*401\b)`)

// attemptOutput accumulates the error signals seen in one attempt's output.
type attemptOutput struct {
	auth     bool
	authText string

	declared     bool
	declaredText string

	errored bool
	errText string
}

// observe classifies one raw line, annotates error Messages with their
// error class, and records what the final outcome depends on.
func (o *attemptOutput) observe(line Line, attempt int) []agentexec.Message {
	msgs := classify.Line(line.Text, line.Source)
	stderrAuth := line.Source == agentexec.SourceStderr && authRe.MatchString(line.Text)

	for i := range msgs {
		m := &msgs[i]
		m.Attempt = attempt
		if m.Kind != agentexec.KindError {
			continue
		}
		m.Content = truncate(m.Content)
		if !o.errored {
			o.errored, o.errText = true, m.Content
		}
		switch {
		case stderrAuth || authRe.MatchString(m.Content):
			m.SetMeta(agentexec.MetaErrorClass, string(agentexec.ClassAuth))
			if !o.auth {
				o.auth, o.authText = true, m.Content
			}
		case m.Meta(agentexec.MetaPattern) == nil:
			// Declared by the program rather than guessed from text.
			m.SetMeta(agentexec.MetaErrorClass, string(agentexec.ClassProcess))
			if !o.declared {
				o.declared, o.declaredText = true, m.Content
			}
		}
	}
	if stderrAuth && !o.auth {
		o.auth, o.authText = true, truncate(line.Text)
	}
	return msgs
}

// classifyAttempt maps the supervisor's terminal error and the observed
// output to the attempt's failure class. Precedence: supervisor-classified
// failures (spawn, timeout, cancellation), credentials, program-declared
// errors, exit status, then error output on a clean exit.
func classifyAttempt(runErr error, out attemptOutput, exitCode int) *agentexec.Error {
	var (
		classified *agentexec.Error
		exitErr    *agentexec.ExitError
	)
	switch {
	case errors.As(runErr, &classified):
		return classified
	case out.auth:
		return agentexec.NewError(agentexec.ClassAuth, out.authText, nil).WithExitCode(exitCode)
	case out.declared:
		return agentexec.NewError(agentexec.ClassProcess, "program reported an error: "+out.declaredText, nil).
			WithExitCode(exitCode)
	case errors.As(runErr, &exitErr):
		if exitErr.Code == exitCommandNotFound {
			return agentexec.NewError(agentexec.ClassNotFound, "command not found", runErr).WithExitCode(exitErr.Code)
		}
		return agentexec.NewError(agentexec.ClassTransient,
			fmt.Sprintf("process exited with status %d", exitErr.Code), runErr).WithExitCode(exitErr.Code)
	case runErr != nil:
		return agentexec.NewError(agentexec.ClassTransient, "process failed", runErr)
	case out.errored:
		return agentexec.NewError(agentexec.ClassProcess, "process reported errors: "+out.errText, nil).
			WithExitCode(exitCode)
	}
	return nil
}

func truncate(s string) string {
	return errfmt.Truncate(s)
}
