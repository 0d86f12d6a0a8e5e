// Package classify turns raw output lines of an external program into
// typed agentexec Messages.
//
// Classification never fails. A line that decodes as JSON is dispatched on
// its shape (object, array, or scalar); any other line goes through
// heuristic text patterns. Nothing is ever reported as a parse error.
package classify

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/valyala/fastjson"

	"github.com/dmora/agentexec"
)

// Pattern names stored under agentexec.MetaPattern for heuristic matches.
const (
	PatternToolUse    = "tool_use"
	PatternError      = "error"
	PatternProgress   = "progress"
	PatternPercentage = "percentage"
	PatternStderr     = "stderr"
)

const maxKindLen = 64

var (
	toolRe     = regexp.MustCompile(`(?i)\b(using tool|executing|invoking|tool invocation)\b`)
	errorRe    = regexp.MustCompile(`(?i)(error:|failed:)`)
	progressRe = regexp.MustCompile(`\[\s*\d+\s*/\s*\d+\s*\]`)
	percentRe  = regexp.MustCompile(`\b\d{1,3}(\.\d+)?%`)
)

var parsers fastjson.ParserPool

// Line classifies one output line read from src.
//
// The result always holds at least one Message. A JSON array yields one
// Message per element, in order; callers treat them as an ordered group.
// Whitespace-only lines yield a single status Message with empty content.
func Line(line string, src agentexec.Source) []agentexec.Message {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return []agentexec.Message{newMessage(agentexec.KindStatus, "", src)}
	}

	p := parsers.Get()
	defer parsers.Put(p)

	v, err := p.Parse(trimmed)
	if err != nil {
		// Heuristic content keeps the line's own indentation.
		return []agentexec.Message{heuristic(strings.TrimSuffix(line, "\r"), src)}
	}
	return fromValue(v, src)
}

// fromValue dispatches a decoded JSON document on its shape.
func fromValue(v *fastjson.Value, src agentexec.Source) []agentexec.Message {
	switch v.Type() {
	case fastjson.TypeObject:
		o, _ := v.Object()
		return []agentexec.Message{fromObject(o, src)}
	case fastjson.TypeArray:
		elems, _ := v.Array()
		if len(elems) == 0 {
			return []agentexec.Message{newMessage(agentexec.KindStatus, "", src)}
		}
		msgs := make([]agentexec.Message, 0, len(elems))
		for _, elem := range elems {
			if elem.Type() == fastjson.TypeObject {
				o, _ := elem.Object()
				msgs = append(msgs, fromObject(o, src))
				continue
			}
			msgs = append(msgs, newMessage(agentexec.KindResult, scalarText(elem), src))
		}
		return msgs
	default:
		return []agentexec.Message{newMessage(agentexec.KindResult, scalarText(v), src)}
	}
}

// fromObject maps a JSON object to a Message. The "type" field selects the
// kind (default result), "content" or "result" supplies the text, and every
// other key lands in Metadata.
func fromObject(o *fastjson.Object, src agentexec.Source) agentexec.Message {
	kind := agentexec.KindResult
	typeUsed := false
	if tv := o.Get("type"); tv != nil && tv.Type() == fastjson.TypeString {
		kind = kindFor(string(tv.GetStringBytes()))
		typeUsed = true
	}

	contentKey := ""
	content := ""
	for _, key := range [...]string{"content", "result"} {
		if cv := o.Get(key); cv != nil {
			contentKey = key
			content = scalarText(cv)
			break
		}
	}
	if contentKey == "" {
		content = o.String()
	}

	msg := newMessage(kind, content, src)
	o.Visit(func(k []byte, v *fastjson.Value) {
		key := string(k)
		if (key == "type" && typeUsed) || key == contentKey {
			return
		}
		msg.SetMeta(key, toAny(v))
	})
	return msg
}

// kindFor converts a declared type to a MessageKind. Empty types default to
// result; types that are too long or contain control characters become
// unknown to keep kind values bounded.
func kindFor(typeStr string) agentexec.MessageKind {
	if typeStr == "" {
		return agentexec.KindResult
	}
	if len(typeStr) > maxKindLen {
		return agentexec.KindUnknown
	}
	for _, r := range typeStr {
		if unicode.IsControl(r) {
			return agentexec.KindUnknown
		}
	}
	return agentexec.MessageKind(typeStr)
}

// scalarText renders a JSON value as content text. Strings are unquoted,
// null is empty, and everything else keeps its JSON form.
func scalarText(v *fastjson.Value) string {
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNull:
		return ""
	default:
		return v.String()
	}
}

// toAny converts a JSON value to the plain Go value encoding/json would
// produce (map[string]any, []any, string, float64, bool, nil).
func toAny(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeObject:
		o, _ := v.Object()
		m := make(map[string]any, o.Len())
		o.Visit(func(k []byte, child *fastjson.Value) {
			m[string(k)] = toAny(child)
		})
		return m
	case fastjson.TypeArray:
		elems, _ := v.Array()
		out := make([]any, len(elems))
		for i, e := range elems {
			out[i] = toAny(e)
		}
		return out
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		f, _ := v.Float64()
		return f
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	default:
		return nil
	}
}

// heuristic classifies a non-JSON line by text patterns in priority order.
func heuristic(line string, src agentexec.Source) agentexec.Message {
	var (
		kind    agentexec.MessageKind
		pattern string
	)
	switch {
	case toolRe.MatchString(line):
		kind, pattern = agentexec.KindToolUse, PatternToolUse
	case errorRe.MatchString(line):
		kind, pattern = agentexec.KindError, PatternError
	case progressRe.MatchString(line):
		kind, pattern = agentexec.KindStatus, PatternProgress
	case percentRe.MatchString(line):
		kind, pattern = agentexec.KindStatus, PatternPercentage
	case src == agentexec.SourceStderr:
		kind, pattern = agentexec.KindError, PatternStderr
	default:
		return newMessage(agentexec.KindUnknown, line, src)
	}
	msg := newMessage(kind, line, src)
	msg.SetMeta(agentexec.MetaPattern, pattern)
	return msg
}

func newMessage(kind agentexec.MessageKind, content string, src agentexec.Source) agentexec.Message {
	return agentexec.Message{Kind: kind, Content: content, Source: src}
}
