package workflow

import (
	"time"

	"github.com/linnemanlabs/validq/internal/episode"
	"github.com/linnemanlabs/validq/internal/queue"
)

const (
	maxOverrideReasonLen = 2000
	maxNotesLen          = 4000
	maxIDLen             = 256
)

// SubmitRequest asks for human validation of an episode.
type SubmitRequest struct {
	EpisodeID    string `json:"episode_id"`
	SupervisorID string `json:"supervisor_id,omitempty"`
}

// SubmitResult reports where the episode landed in the queue.
type SubmitResult struct {
	EpisodeID        string               `json:"episode_id"`
	Urgency          episode.UrgencyLevel `json:"urgency_level"`
	QueuePosition    int                  `json:"queue_position"`
	AlreadyValidated bool                 `json:"already_validated,omitempty"`
	Message          string               `json:"message,omitempty"`
}

// StatusResult is the validation state of one episode.
type StatusResult struct {
	EpisodeID            string                   `json:"episode_id"`
	Urgency              episode.UrgencyLevel     `json:"urgency_level"`
	ValidationStatus     episode.ValidationStatus `json:"validation_status"`
	Status               episode.Status           `json:"status"`
	Validation           *episode.HumanValidation `json:"validation,omitempty"`
	EscalationInfo       *episode.EscalationInfo  `json:"escalation_info,omitempty"`
	AssignedSupervisor   string                   `json:"assigned_supervisor,omitempty"`
	QueuePosition        int                      `json:"queue_position"`
	EstimatedWaitSeconds float64                  `json:"estimated_wait_seconds"`
	EstimatedWaitMinutes float64                  `json:"estimated_wait_minutes"`
}

// ListResult is one page of the queue.
type ListResult struct {
	Queue      []queue.Item `json:"queue"`
	TotalItems int          `json:"total_items"`
}

// DecisionRequest records a supervisor's approve or override.
type DecisionRequest struct {
	EpisodeID      string `json:"episode_id"`
	SupervisorID   string `json:"supervisor_id"`
	Approved       *bool  `json:"approved"`
	OverrideReason string `json:"override_reason,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// DecisionResult is the persisted outcome of a decision.
type DecisionResult struct {
	EpisodeID  string                   `json:"episode_id"`
	Approved   bool                     `json:"approved"`
	NewStatus  episode.Status           `json:"new_status"`
	Validation *episode.HumanValidation `json:"validation"`
}

// StatisticsResult summarises the pending queue.
type StatisticsResult struct {
	TotalItems         int                          `json:"total_items"`
	ByUrgency          map[episode.UrgencyLevel]int `json:"by_urgency"`
	AverageWaitSeconds float64                      `json:"average_wait_seconds"`
	OldestWaitSeconds  float64                      `json:"oldest_wait_seconds"`
}

// Validate checks the decision payload shape.
func (r *DecisionRequest) Validate() error {
	var missing []string
	if r.EpisodeID == "" {
		missing = append(missing, "episode_id")
	}
	if r.SupervisorID == "" {
		missing = append(missing, "supervisor_id")
	}
	if r.Approved == nil {
		missing = append(missing, "approved")
	}
	if len(missing) > 0 {
		return episode.Invalid("workflow.Decision", "missing required fields",
			map[string]any{"missing": missing})
	}

	invalid := map[string]any{}
	if len(r.EpisodeID) > maxIDLen {
		invalid["episode_id"] = "too long"
	}
	if len(r.SupervisorID) > maxIDLen {
		invalid["supervisor_id"] = "too long"
	}
	if r.SupervisorID == episode.SystemEscalationSupervisor {
		invalid["supervisor_id"] = "reserved"
	}
	if len(r.OverrideReason) > maxOverrideReasonLen {
		invalid["override_reason"] = "too long"
	}
	if len(r.Notes) > maxNotesLen {
		invalid["notes"] = "too long"
	}
	if len(invalid) > 0 {
		return episode.Invalid("workflow.Decision", "invalid fields", invalid)
	}
	return nil
}

func minutes(d time.Duration) float64 {
	return float64(d.Round(time.Second)) / float64(time.Minute)
}
