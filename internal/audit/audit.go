// Package audit records supervisor overrides and escalations to one or more
// sinks: the structured log and, when configured, a Kafka topic.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/validq/internal/episode"
)

// Action names what happened to the episode.
type Action string

const (
	ActionOverride     Action = "override"
	ActionEscalation   Action = "escalation"
	ActionReassignment Action = "reassignment"
)

// Event is one audit record.
type Event struct {
	ID              string                    `json:"id"`
	Action          Action                    `json:"action"`
	Timestamp       time.Time                 `json:"timestamp"`
	EpisodeID       string                    `json:"episode_id"`
	PatientID       string                    `json:"patient_id,omitempty"`
	Urgency         episode.UrgencyLevel      `json:"urgency_level"`
	SupervisorID    string                    `json:"supervisor_id,omitempty"`
	Approved        *bool                     `json:"approved,omitempty"`
	Reason          string                    `json:"reason,omitempty"`
	Outcome         episode.EscalationOutcome `json:"outcome,omitempty"`
	NewSupervisorID string                    `json:"new_supervisor_id,omitempty"`
}

// NewEvent stamps a fresh ID and timestamp on an event for ep.
func NewEvent(action Action, ep *episode.Episode, at time.Time) Event {
	return Event{
		ID:        ulid.Make().String(),
		Action:    action,
		Timestamp: at,
		EpisodeID: ep.ID,
		PatientID: ep.PatientID,
		Urgency:   ep.Urgency,
	}
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger log.Logger
}

// NewLogSink creates a LogSink. A nil logger discards events.
func NewLogSink(logger log.Logger) *LogSink {
	if logger == nil {
		logger = log.Nop()
	}
	return &LogSink{logger: logger.With("audit", true)}
}

// Record logs the event.
func (s *LogSink) Record(ctx context.Context, ev Event) error {
	kv := []any{
		"audit_id", ev.ID,
		"action", string(ev.Action),
		"episode_id", ev.EpisodeID,
		"urgency", ev.Urgency.String(),
		"timestamp", ev.Timestamp,
	}
	if ev.SupervisorID != "" {
		kv = append(kv, "supervisor_id", ev.SupervisorID)
	}
	if ev.Approved != nil {
		kv = append(kv, "approved", *ev.Approved)
	}
	if ev.Reason != "" {
		kv = append(kv, "reason", ev.Reason)
	}
	if ev.Outcome != "" {
		kv = append(kv, "outcome", string(ev.Outcome))
	}
	if ev.NewSupervisorID != "" {
		kv = append(kv, "new_supervisor_id", ev.NewSupervisorID)
	}
	s.logger.Info(ctx, "audit event", kv...)
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Record writes ev to every sink, even after a failure.
func (m Multi) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
func (Nop) Close() error                        { return nil }
