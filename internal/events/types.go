// Package events provides the bus envelope, run-event subjects, and the
// publisher used to distribute normalized run events to surfaces.
package events

import (
	"strings"

	"github.com/cardev/car/internal/streams"
)

// Subjects for run events. Concrete subjects are scoped by session key:
// run.<kind>.<session-token>.
const (
	RunStarted   = "run.started"
	RunOutput    = "run.output"
	RunTool      = "run.tool"
	RunApproval  = "run.approval"
	RunTokens    = "run.tokens"
	RunNotice    = "run.notice"
	RunCompleted = "run.completed"
	RunFailed    = "run.failed"
)

// runSubjects maps RunEvent types to their subject bases.
var runSubjects = map[string]string{
	streams.EventTypeStarted:           RunStarted,
	streams.EventTypeOutputDelta:       RunOutput,
	streams.EventTypeToolCall:          RunTool,
	streams.EventTypeApprovalRequested: RunApproval,
	streams.EventTypeTokenUsage:        RunTokens,
	streams.EventTypeNotice:            RunNotice,
	streams.EventTypeCompleted:         RunCompleted,
	streams.EventTypeFailed:            RunFailed,
}

// RunSubjectBase returns the subject base for a RunEvent type.
func RunSubjectBase(eventType string) (string, bool) {
	base, ok := runSubjects[eventType]
	return base, ok
}

// SubjectToken folds a free-form key (session keys like "doc_chat:spec" or
// "autorunner:ticket-42") into a single NATS-safe subject token. Dots, spaces,
// wildcards, and control characters collapse to underscores; an empty key
// becomes "_" so the subject keeps its token count.
func SubjectToken(key string) string {
	if key == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r <= ' ' || r == '.' || r == '*' || r == '>':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// BuildRunSubject creates the concrete subject for a run event. Unknown event
// types land under run.other so they are still observable via the wildcard.
func BuildRunSubject(eventType, sessionKey string) string {
	base, ok := runSubjects[eventType]
	if !ok {
		base = "run.other"
	}
	return base + "." + SubjectToken(sessionKey)
}

// BuildRunWildcardSubject creates a subscription matching every run event.
func BuildRunWildcardSubject() string {
	return "run.>"
}

// BuildSessionRunSubject creates a subscription matching all run events for
// one session key.
func BuildSessionRunSubject(sessionKey string) string {
	return "run.*." + SubjectToken(sessionKey)
}

// BuildRunKindWildcardSubject creates a subscription matching one event kind
// across all sessions, e.g. every terminal failure.
func BuildRunKindWildcardSubject(base string) string {
	return base + ".*"
}
