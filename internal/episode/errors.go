package episode

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures so transports can map them without string matching.
type Kind string

const (
	// KindValidation is a malformed request; report it, never retry
	KindValidation Kind = "validation"

	// KindNotFound is an unknown episode
	KindNotFound Kind = "not_found"

	// KindConflict is a conditional write that lost to a concurrent transition
	KindConflict Kind = "conflict"

	// KindInvalidTransition is an attempt to move validation status backwards
	KindInvalidTransition Kind = "invalid_transition"

	// KindStore is a persistence failure
	KindStore Kind = "store"

	// KindNotification is a failed delivery on the notification channel
	KindNotification Kind = "notification"

	// KindEscalation wraps failures inside an escalation or override
	KindEscalation Kind = "escalation"
)

// Error carries a kind plus the structured context of the failing operation.
type Error struct {
	Kind      Kind
	Op        string
	EpisodeID string
	Rule      string
	Reason    string
	Fields    map[string]any
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.EpisodeID != "" {
		fmt.Fprintf(&b, " episode=%s", e.EpisodeID)
	}
	if e.Rule != "" {
		fmt.Fprintf(&b, " rule=%s", e.Rule)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Details returns the context as a flat map for logs and API responses.
func (e *Error) Details() map[string]any {
	d := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		d[k] = v
	}
	if e.EpisodeID != "" {
		d["episode_id"] = e.EpisodeID
	}
	if e.Rule != "" {
		d["rule"] = e.Rule
	}
	if e.Reason != "" {
		d["reason"] = e.Reason
	}
	return d
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// KindStore for any other non-nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}

// IsKind reports whether any *Error in err's chain has kind k.
func IsKind(err error, k Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == k {
			return true
		}
		err = e.Err
	}
	return false
}

// NotFound builds a KindNotFound error for id.
func NotFound(op, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, EpisodeID: id, Reason: "episode not found"}
}

// Invalid builds a KindValidation error with a human-readable reason.
func Invalid(op, reason string, fields map[string]any) *Error {
	return &Error{Kind: KindValidation, Op: op, Reason: reason, Fields: fields}
}
