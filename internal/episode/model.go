package episode

import "time"

// ValidationStatus tracks an episode through human validation. It only ever
// moves from pending to completed.
type ValidationStatus string

const (
	// ValidationNone means the episode was never submitted for validation
	ValidationNone ValidationStatus = ""

	// ValidationPending means the episode is waiting for a supervisor
	ValidationPending ValidationStatus = "pending"

	// ValidationCompleted means a HumanValidation has been recorded
	ValidationCompleted ValidationStatus = "completed"
)

// Status is the business lifecycle of the episode, independent of validation.
type Status string

const (
	StatusActive            Status = "ACTIVE"
	StatusPendingValidation Status = "PENDING_VALIDATION"
	StatusEscalated         Status = "ESCALATED"
	StatusCompleted         Status = "COMPLETED"
)

// EscalationOutcome records which escalation branch fired.
type EscalationOutcome string

const (
	OutcomeReassigned          EscalationOutcome = "REASSIGNED"
	OutcomeDefaultedHigherCare EscalationOutcome = "DEFAULTED_HIGHER_CARE"
	OutcomeAlertedOnly         EscalationOutcome = "ALERTED_ONLY"
	OutcomeAlreadyValidated    EscalationOutcome = "ALREADY_VALIDATED"
)

// SystemEscalationSupervisor is the supervisor ID written on validations the
// escalation engine synthesizes.
const SystemEscalationSupervisor = "system-escalation"

// TriageAssessment is the AI-generated recommendation awaiting sign-off.
type TriageAssessment struct {
	Urgency                 UrgencyLevel `json:"urgency_level"`
	Confidence              float64      `json:"confidence"`
	Reasoning               string       `json:"reasoning,omitempty"`
	RecommendedActions      []string     `json:"recommended_actions,omitempty"`
	AgentRecommendation     string       `json:"agent_recommendation,omitempty"`
	RequiresHumanValidation bool         `json:"requires_human_validation"`
}

// HumanValidation is a supervisor's approve/override decision.
type HumanValidation struct {
	SupervisorID   string    `json:"supervisor_id"`
	Approved       bool      `json:"approved"`
	OverrideReason string    `json:"override_reason,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// EscalationInfo describes the latest escalation. A new escalation
// overwrites it; nothing clears it.
type EscalationInfo struct {
	ID              string            `json:"id"`
	Reason          string            `json:"reason"`
	Timestamp       time.Time         `json:"timestamp"`
	NewSupervisorID string            `json:"new_supervisor_id,omitempty"`
	Outcome         EscalationOutcome `json:"outcome"`
	Rule            UrgencyLevel      `json:"rule"`
}

// OverrideInfo describes the latest supervisor override decision.
type OverrideInfo struct {
	SupervisorID string    `json:"supervisor_id"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Approved     bool      `json:"approved"`
}

// Episode is a patient care interaction carrying the triage assessment and
// its validation and escalation state.
type Episode struct {
	ID                 string            `json:"episode_id"`
	PatientID          string            `json:"patient_id"`
	Urgency            UrgencyLevel      `json:"urgency_level"`
	Assessment         *TriageAssessment `json:"triage_assessment,omitempty"`
	ValidationStatus   ValidationStatus  `json:"validation_status,omitempty"`
	AssignedSupervisor string            `json:"assigned_supervisor,omitempty"`
	QueuedAt           time.Time         `json:"queued_at,omitzero"`
	Validation         *HumanValidation  `json:"human_validation,omitempty"`
	EscalationInfo     *EscalationInfo   `json:"escalation_info,omitempty"`
	OverrideInfo       *OverrideInfo     `json:"override_info,omitempty"`
	Status             Status            `json:"status"`
	Version            int64             `json:"version"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// InQueue reports whether the episode belongs to the logical pending queue.
func (e *Episode) InQueue() bool {
	return e.ValidationStatus == ValidationPending && e.Assessment != nil
}

// Clone returns a deep copy so stores never share pointers with callers.
func (e *Episode) Clone() *Episode {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Assessment != nil {
		a := *e.Assessment
		a.RecommendedActions = append([]string(nil), e.Assessment.RecommendedActions...)
		cp.Assessment = &a
	}
	if e.Validation != nil {
		v := *e.Validation
		cp.Validation = &v
	}
	if e.EscalationInfo != nil {
		ei := *e.EscalationInfo
		cp.EscalationInfo = &ei
	}
	if e.OverrideInfo != nil {
		oi := *e.OverrideInfo
		cp.OverrideInfo = &oi
	}
	return &cp
}
