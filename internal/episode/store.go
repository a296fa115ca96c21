package episode

import (
	"context"
	"time"
)

// Index names the two logical secondary indexes every Store must serve.
type Index string

const (
	// IndexStatusQueuedAt is keyed by validation status, sorted by queued time
	IndexStatusQueuedAt Index = "validation_status-queued_at"

	// IndexStatusSupervisor is keyed by validation status and assigned supervisor
	IndexStatusSupervisor Index = "validation_status-assigned_supervisor"
)

// Query selects episodes through one of the indexes. ValidationStatus is the
// partition key of both indexes; Supervisor is required for
// IndexStatusSupervisor. The remaining fields are filters.
type Query struct {
	Index            Index
	ValidationStatus ValidationStatus
	Supervisor       string

	// QueuedBefore keeps episodes queued strictly before it (zero = no bound)
	QueuedBefore time.Time

	// Urgencies keeps episodes whose level is listed (empty = all)
	Urgencies []UrgencyLevel

	// Newest reverses the queued-at order
	Newest bool

	// Limit caps the result size (0 = unlimited)
	Limit int
}

// Matches applies the query's key condition and filters to a single episode.
func (q *Query) Matches(e *Episode) bool {
	if e.ValidationStatus != q.ValidationStatus {
		return false
	}
	if q.Index == IndexStatusSupervisor && e.AssignedSupervisor != q.Supervisor {
		return false
	}
	if !q.QueuedBefore.IsZero() && !e.QueuedAt.Before(q.QueuedBefore) {
		return false
	}
	if len(q.Urgencies) > 0 {
		found := false
		for _, u := range q.Urgencies {
			if u == e.Urgency || (!u.IsKnown() && !e.Urgency.IsKnown()) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Validate rejects queries no index can serve.
func (q *Query) Validate() error {
	switch q.Index {
	case IndexStatusQueuedAt:
	case IndexStatusSupervisor:
		if q.Supervisor == "" {
			return Invalid("query", "supervisor key required for "+string(q.Index), nil)
		}
	default:
		return Invalid("query", "unknown index "+string(q.Index), nil)
	}
	if q.ValidationStatus == ValidationNone {
		return Invalid("query", "validation status key required", nil)
	}
	return nil
}

// Patch is a partial update. Nil pointers leave fields untouched.
type Patch struct {
	ValidationStatus   *ValidationStatus
	AssignedSupervisor *string
	ClearAssignment    bool
	QueuedAt           *time.Time
	Status             *Status
	Validation         *HumanValidation
	EscalationInfo     *EscalationInfo
	OverrideInfo       *OverrideInfo

	// RequirePending makes the write conditional on the stored episode still
	// being pending validation; it fails with KindConflict otherwise.
	RequirePending bool
}

// Apply mutates e according to p. Stores call it under their own lock or row
// lock so the precondition check and the write are atomic.
func (p *Patch) Apply(e *Episode, now time.Time) error {
	if p.RequirePending && e.ValidationStatus != ValidationPending {
		return &Error{
			Kind:      KindConflict,
			Op:        "update",
			EpisodeID: e.ID,
			Reason:    "episode is no longer pending validation",
			Fields:    map[string]any{"validation_status": string(e.ValidationStatus)},
		}
	}
	if p.ValidationStatus != nil && *p.ValidationStatus != ValidationCompleted &&
		e.ValidationStatus == ValidationCompleted {
		return &Error{
			Kind:      KindInvalidTransition,
			Op:        "update",
			EpisodeID: e.ID,
			Reason:    "validation status cannot leave completed",
			Fields:    map[string]any{"to": string(*p.ValidationStatus)},
		}
	}

	if p.ValidationStatus != nil {
		e.ValidationStatus = *p.ValidationStatus
	}
	if p.ClearAssignment {
		e.AssignedSupervisor = ""
	}
	if p.AssignedSupervisor != nil {
		e.AssignedSupervisor = *p.AssignedSupervisor
	}
	if p.QueuedAt != nil {
		e.QueuedAt = *p.QueuedAt
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.Validation != nil {
		v := *p.Validation
		e.Validation = &v
	}
	if p.EscalationInfo != nil {
		ei := *p.EscalationInfo
		e.EscalationInfo = &ei
	}
	if p.OverrideInfo != nil {
		oi := *p.OverrideInfo
		e.OverrideInfo = &oi
	}
	e.Version++
	e.UpdatedAt = now
	return nil
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }

// Store is the persistence port for episodes. Get reports a missing episode
// with ok=false; Update reports it with a KindNotFound error.
type Store interface {
	Get(ctx context.Context, id string) (*Episode, bool, error)
	Update(ctx context.Context, id string, p *Patch) error
	Query(ctx context.Context, q Query) ([]*Episode, error)
}

// Notifier is the notification channel used by the workflow and the
// escalation engine. Calls are synchronous.
type Notifier interface {
	NotifySupervisor(ctx context.Context, ep *Episode, supervisorID string, emergency bool) error
	NotifyCareCoordinator(ctx context.Context, ep *Episode, v *HumanValidation) error
	SendEscalationNotification(ctx context.Context, ep *Episode, reason string, candidates []string) error
}
