package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/validq/internal/audit"
	"github.com/linnemanlabs/validq/internal/episode"
	"github.com/linnemanlabs/validq/internal/queue"
)

var tracer = otel.Tracer("github.com/linnemanlabs/validq/internal/escalation")

const (
	autoApprovalPrefix = "Automatic approval due to escalation: "
	overridePrefix     = "Supervisor override: "
)

// Hooks are optional callbacks for metrics.
type Hooks struct {
	OnEscalation func(u episode.UrgencyLevel, outcome episode.EscalationOutcome)
	OnFailure    func(u episode.UrgencyLevel)
	OnSweep      func(report *SweepReport, duration time.Duration)
	OnOverride   func(approved bool)
}

// Option configures an Engine.
type Option func(*Engine)

// WithAvailability replaces the FirstConfigured checker.
func WithAvailability(c AvailabilityChecker) Option {
	return func(e *Engine) { e.avail = c }
}

// WithAudit sets the audit sink for overrides and escalations.
func WithAudit(s audit.Sink) Option {
	return func(e *Engine) { e.audit = s }
}

// WithHooks installs metric callbacks, typically Metrics.Hooks().
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs escalations against the episode store.
type Engine struct {
	store    episode.Store
	queue    *queue.Manager
	rules    Rules
	notifier episode.Notifier
	avail    AvailabilityChecker
	audit    audit.Sink
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time
}

// New creates an Engine. q must be backed by the same store.
func New(store episode.Store, q *queue.Manager, rules Rules, notifier episode.Notifier, logger log.Logger, opts ...Option) *Engine {
	if store == nil || q == nil || notifier == nil {
		panic(xerrors.New("escalation engine requires a store, queue and notifier"))
	}
	if len(rules.order) == 0 {
		panic(xerrors.New("escalation engine requires at least one rule"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	e := &Engine{
		store:    store,
		queue:    q,
		rules:    rules,
		notifier: notifier,
		avail:    FirstConfigured{},
		audit:    audit.Nop{},
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Rules returns the engine's rule set.
func (e *Engine) Rules() Rules { return e.rules }

func escalationError(ep *episode.Episode, rule Rule, reason string, err error) error {
	if err == nil {
		return nil
	}
	return &episode.Error{
		Kind:      episode.KindEscalation,
		Op:        "escalation.EscalateEpisode",
		EpisodeID: ep.ID,
		Rule:      rule.Urgency.String(),
		Reason:    reason,
		Err:       err,
	}
}

func notifyError(op string, ep *episode.Episode, err error) error {
	if err == nil {
		return nil
	}
	return &episode.Error{Kind: episode.KindNotification, Op: op, EpisodeID: ep.ID, Err: err}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// EscalateEpisode applies ep's rule: reassign to a backup if one is
// available, otherwise auto-approve when the tier defaults to higher care,
// otherwise alert only. EscalationInfo is written on every branch, including
// when a branch fails part-way.
//
// ep may be a stale read. Every branch only acts while the stored episode is
// still pending validation; once a decision has landed the outcome is
// ALREADY_VALIDATED and nobody is reassigned or notified.
func (e *Engine) EscalateEpisode(ctx context.Context, ep *episode.Episode, reason string) (*episode.EscalationInfo, error) {
	return e.escalate(ctx, ep, reason, true)
}

// escalate is EscalateEpisode with the pending guard optional. Overrides
// escalate an episode their own decision just completed, so they run
// unguarded.
func (e *Engine) escalate(ctx context.Context, ep *episode.Episode, reason string, guarded bool) (info *episode.EscalationInfo, err error) {
	rule := e.rules.For(ep.Urgency)

	ctx, span := tracer.Start(ctx, "escalation.EscalateEpisode", trace.WithAttributes(
		attribute.String("episode.id", ep.ID),
		attribute.String("episode.urgency", ep.Urgency.String()),
		attribute.String("escalation.rule", rule.Urgency.String()),
		attribute.Bool("escalation.guarded", guarded),
	))
	defer func() { endSpan(span, err) }()

	L := e.logger.With("episode_id", ep.ID, "urgency", ep.Urgency.String(), "rule", rule.Urgency.String())

	info = &episode.EscalationInfo{
		ID:        ulid.Make().String(),
		Reason:    reason,
		Timestamp: e.now(),
		Rule:      rule.Urgency,
	}

	var exclude []string
	if ep.AssignedSupervisor != "" {
		exclude = []string{ep.AssignedSupervisor}
	}
	backup, availErr := e.avail.FindAvailable(ctx, rule, exclude)
	if availErr != nil {
		// treat as no backup; the remaining branches still protect the patient
		L.Warn(ctx, "availability check failed", "error", availErr)
		backup = ""
	}

	var branchErr error
	persisted := false
	switch {
	case backup != "":
		info.Outcome = episode.OutcomeReassigned
		info.NewSupervisorID = backup
		var lost bool
		lost, branchErr = e.reassign(ctx, ep, rule, reason, backup, guarded)
		if lost {
			info.Outcome = episode.OutcomeAlreadyValidated
			info.NewSupervisorID = ""
		}

	case rule.DefaultToHigherCareLevel:
		info.Outcome = episode.OutcomeDefaultedHigherCare
		persisted, branchErr = e.autoApprove(ctx, ep, reason, info)

	default:
		info.Outcome = episode.OutcomeAlertedOnly
		persisted, branchErr = e.alertOnly(ctx, ep, rule, reason, info, guarded)
	}

	var persistErr error
	if !persisted {
		persistErr = e.store.Update(ctx, ep.ID, &episode.Patch{EscalationInfo: info})
	}

	span.SetAttributes(attribute.String("escalation.outcome", string(info.Outcome)))
	if err := errors.Join(branchErr, persistErr); err != nil {
		if e.hooks.OnFailure != nil {
			e.hooks.OnFailure(rule.Urgency)
		}
		L.Error(ctx, err, "escalation failed", "outcome", string(info.Outcome), "reason", reason)
		return info, escalationError(ep, rule, reason, err)
	}

	if e.hooks.OnEscalation != nil {
		e.hooks.OnEscalation(rule.Urgency, info.Outcome)
	}
	e.record(ctx, ep, audit.ActionEscalation, func(ev *audit.Event) {
		ev.Reason = reason
		ev.Outcome = info.Outcome
		ev.NewSupervisorID = info.NewSupervisorID
	})
	L.Info(ctx, "episode escalated",
		"outcome", string(info.Outcome),
		"new_supervisor_id", info.NewSupervisorID,
		"reason", reason,
	)
	return info, nil
}

// reassign moves ep to backup and pages it. The bool reports that a guarded
// reassignment lost to a decision, in which case nothing was sent.
func (e *Engine) reassign(ctx context.Context, ep *episode.Episode, rule Rule, reason, backup string, guarded bool) (bool, error) {
	var err error
	if guarded {
		err = e.queue.ReassignPending(ctx, ep.ID, backup)
	} else {
		err = e.queue.ReassignEpisode(ctx, ep.ID, backup)
	}
	switch {
	case episode.IsKind(err, episode.KindConflict):
		return true, nil
	case err != nil:
		return false, err
	}
	if err := e.notifier.SendEscalationNotification(ctx, ep, reason, rule.BackupSupervisors); err != nil {
		return false, notifyError("notify.SendEscalationNotification", ep, err)
	}
	return false, notifyError("notify.NotifySupervisor", ep, e.notifier.NotifySupervisor(ctx, ep, backup, true))
}

// alertOnly sends the escalation alert. Guarded, it first records info
// conditionally on the episode still being pending and skips the alert when
// a decision got there first. The bool reports whether info was persisted.
func (e *Engine) alertOnly(ctx context.Context, ep *episode.Episode, rule Rule, reason string, info *episode.EscalationInfo, guarded bool) (bool, error) {
	persisted := false
	if guarded {
		err := e.store.Update(ctx, ep.ID, &episode.Patch{EscalationInfo: info, RequirePending: true})
		switch {
		case episode.IsKind(err, episode.KindConflict):
			info.Outcome = episode.OutcomeAlreadyValidated
			return false, nil
		case err != nil:
			return false, err
		}
		persisted = true
	}
	return persisted, notifyError("notify.SendEscalationNotification", ep,
		e.notifier.SendEscalationNotification(ctx, ep, reason, rule.BackupSupervisors))
}

// autoApprove writes the system validation conditionally on the episode
// still being pending, together with the escalation info. When a
// supervisor's decision got there first the outcome becomes
// ALREADY_VALIDATED and the existing validation is kept. The bool reports
// whether info was persisted.
func (e *Engine) autoApprove(ctx context.Context, ep *episode.Episode, reason string, info *episode.EscalationInfo) (bool, error) {
	if ep.Validation != nil || ep.ValidationStatus == episode.ValidationCompleted {
		info.Outcome = episode.OutcomeAlreadyValidated
		return false, nil
	}

	v := &episode.HumanValidation{
		SupervisorID:   episode.SystemEscalationSupervisor,
		Approved:       true,
		OverrideReason: autoApprovalPrefix + reason,
		Timestamp:      info.Timestamp,
	}
	err := e.store.Update(ctx, ep.ID, &episode.Patch{
		ValidationStatus: episode.Ptr(episode.ValidationCompleted),
		Validation:       v,
		Status:           episode.Ptr(episode.StatusEscalated),
		EscalationInfo:   info,
		RequirePending:   true,
	})
	switch {
	case episode.IsKind(err, episode.KindConflict):
		info.Outcome = episode.OutcomeAlreadyValidated
		return false, nil
	case err != nil:
		return false, err
	}
	return true, notifyError("notify.NotifyCareCoordinator", ep, e.notifier.NotifyCareCoordinator(ctx, ep, v))
}

// RuleReport is the sweep result for one rule.
type RuleReport struct {
	Overdue   int    `json:"overdue"`
	Escalated int    `json:"escalated"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// SweepReport summarises one CheckForTimeoutEscalations run.
type SweepReport struct {
	Escalated int                                  `json:"escalated"`
	Skipped   int                                  `json:"skipped"`
	Failed    int                                  `json:"failed"`
	PerRule   map[episode.UrgencyLevel]*RuleReport `json:"per_rule"`
}

// TimeoutReason is the escalation reason used by the sweep.
func TimeoutReason(rule Rule) string {
	return fmt.Sprintf("Timeout escalation: exceeded %d minutes", int(rule.MaxWait/time.Minute))
}

// CheckForTimeoutEscalations escalates every queued episode that has waited
// longer than its rule allows. Each rule and each episode is isolated: a
// failure is reported and the sweep carries on. Episodes escalated within
// the current SLA window are skipped so a reassignment gets a full window
// before the next one.
func (e *Engine) CheckForTimeoutEscalations(ctx context.Context) (report *SweepReport, err error) {
	ctx, span := tracer.Start(ctx, "escalation.CheckForTimeoutEscalations")
	defer func() { endSpan(span, err) }()

	start := e.now()
	report = &SweepReport{PerRule: make(map[episode.UrgencyLevel]*RuleReport, len(e.rules.order))}
	var errs []error

	for _, rule := range e.rules.All() {
		rr := &RuleReport{}
		report.PerRule[rule.Urgency] = rr

		overdue, qerr := e.queue.GetOverdueEpisodes(ctx, rule.MaxWait, e.rules.Covered(rule)...)
		if qerr != nil {
			rr.Error = qerr.Error()
			errs = append(errs, &episode.Error{
				Kind: episode.KindStore,
				Op:   "escalation.CheckForTimeoutEscalations",
				Rule: rule.Urgency.String(),
				Err:  qerr,
			})
			e.logger.Error(ctx, qerr, "overdue query failed", "rule", rule.Urgency.String())
			continue
		}
		rr.Overdue = len(overdue)

		reason := TimeoutReason(rule)
		for _, ep := range overdue {
			if ei := ep.EscalationInfo; ei != nil && start.Sub(ei.Timestamp) < rule.MaxWait {
				rr.Skipped++
				continue
			}
			if _, eerr := e.EscalateEpisode(ctx, ep, reason); eerr != nil {
				rr.Failed++
				errs = append(errs, eerr)
				continue
			}
			rr.Escalated++
		}
		if rr.Failed > 0 && rr.Error == "" {
			rr.Error = fmt.Sprintf("%d escalations failed", rr.Failed)
		}

		report.Escalated += rr.Escalated
		report.Skipped += rr.Skipped
		report.Failed += rr.Failed
	}

	span.SetAttributes(
		attribute.Int("sweep.escalated", report.Escalated),
		attribute.Int("sweep.failed", report.Failed),
	)
	if e.hooks.OnSweep != nil {
		e.hooks.OnSweep(report, e.now().Sub(start))
	}
	e.logger.Info(ctx, "timeout sweep complete",
		"escalated", report.Escalated,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, errors.Join(errs...)
}

// UnavailabilityReport summarises HandleSupervisorUnavailability.
type UnavailabilityReport struct {
	SupervisorID string `json:"supervisor_id"`
	Reassigned   int    `json:"reassigned"`
	Escalated    int    `json:"escalated"`
	Skipped      int    `json:"skipped"`
	Failed       int    `json:"failed"`
}

// UnavailableReason is the escalation reason used when no backup exists for
// an unavailable supervisor's episode.
func UnavailableReason(supervisorID string) string {
	return "Supervisor unavailable: " + supervisorID + ", no backup available"
}

// HandleSupervisorUnavailability moves every queued episode assigned to
// supervisorID to a backup of its rule, or escalates it when none is left.
func (e *Engine) HandleSupervisorUnavailability(ctx context.Context, supervisorID string) (report *UnavailabilityReport, err error) {
	if supervisorID == "" {
		return nil, episode.Invalid("escalation.HandleSupervisorUnavailability", "supervisor id is required", nil)
	}

	ctx, span := tracer.Start(ctx, "escalation.HandleSupervisorUnavailability", trace.WithAttributes(
		attribute.String("supervisor.id", supervisorID),
	))
	defer func() { endSpan(span, err) }()

	eps, err := e.store.Query(ctx, episode.Query{
		Index:            episode.IndexStatusSupervisor,
		ValidationStatus: episode.ValidationPending,
		Supervisor:       supervisorID,
	})
	if err != nil {
		return nil, err
	}

	report = &UnavailabilityReport{SupervisorID: supervisorID}
	exclude := []string{supervisorID}
	var errs []error
	for _, ep := range eps {
		if !ep.InQueue() {
			continue
		}
		rule := e.rules.For(ep.Urgency)
		backup, aerr := e.avail.FindAvailable(ctx, rule, exclude)
		if aerr != nil {
			e.logger.Warn(ctx, "availability check failed", "episode_id", ep.ID, "error", aerr)
			backup = ""
		}

		if backup == "" {
			if _, eerr := e.EscalateEpisode(ctx, ep, UnavailableReason(supervisorID)); eerr != nil {
				report.Failed++
				errs = append(errs, eerr)
				continue
			}
			report.Escalated++
			continue
		}

		rerr := e.queue.ReassignPending(ctx, ep.ID, backup)
		if episode.IsKind(rerr, episode.KindConflict) {
			// decided since the query
			report.Skipped++
			continue
		}
		if rerr != nil {
			report.Failed++
			errs = append(errs, rerr)
			continue
		}
		report.Reassigned++
		e.record(ctx, ep, audit.ActionReassignment, func(ev *audit.Event) {
			ev.SupervisorID = supervisorID
			ev.NewSupervisorID = backup
			ev.Reason = "supervisor unavailable"
		})
		if nerr := e.notifier.NotifySupervisor(ctx, ep, backup, ep.Urgency == episode.UrgencyEmergency); nerr != nil {
			report.Failed++
			errs = append(errs, notifyError("notify.NotifySupervisor", ep, nerr))
		}
	}

	e.logger.Info(ctx, "supervisor unavailability handled",
		"supervisor_id", supervisorID,
		"reassigned", report.Reassigned,
		"escalated", report.Escalated,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, errors.Join(errs...)
}

// HandleOverride records a supervisor decision. OverrideInfo is always
// written; a rejection additionally escalates with the override reason.
func (e *Engine) HandleOverride(ctx context.Context, ep *episode.Episode, v *episode.HumanValidation) (err error) {
	if v == nil {
		return episode.Invalid("escalation.HandleOverride", "validation is required", map[string]any{"episode_id": ep.ID})
	}

	ctx, span := tracer.Start(ctx, "escalation.HandleOverride", trace.WithAttributes(
		attribute.String("episode.id", ep.ID),
		attribute.Bool("validation.approved", v.Approved),
	))
	defer func() { endSpan(span, err) }()

	e.record(ctx, ep, audit.ActionOverride, func(ev *audit.Event) {
		approved := v.Approved
		ev.SupervisorID = v.SupervisorID
		ev.Approved = &approved
		ev.Reason = v.OverrideReason
	})
	if e.hooks.OnOverride != nil {
		e.hooks.OnOverride(v.Approved)
	}

	oi := &episode.OverrideInfo{
		SupervisorID: v.SupervisorID,
		Reason:       v.OverrideReason,
		Timestamp:    v.Timestamp,
		Approved:     v.Approved,
	}
	if oi.Timestamp.IsZero() {
		oi.Timestamp = e.now()
	}
	persistErr := e.store.Update(ctx, ep.ID, &episode.Patch{OverrideInfo: oi})

	var escErr error
	if !v.Approved {
		_, escErr = e.escalate(ctx, ep, overridePrefix+v.OverrideReason, false)
	}

	if err := errors.Join(persistErr, escErr); err != nil {
		return &episode.Error{
			Kind:      episode.KindEscalation,
			Op:        "escalation.HandleOverride",
			EpisodeID: ep.ID,
			Rule:      e.rules.For(ep.Urgency).Urgency.String(),
			Reason:    v.OverrideReason,
			Fields:    map[string]any{"supervisor_id": v.SupervisorID, "approved": v.Approved},
			Err:       err,
		}
	}
	return nil
}

// record writes an audit event; sink failures are logged, not returned.
func (e *Engine) record(ctx context.Context, ep *episode.Episode, action audit.Action, fill func(*audit.Event)) {
	ev := audit.NewEvent(action, ep, e.now())
	fill(&ev)
	if err := e.audit.Record(ctx, ev); err != nil {
		e.logger.Warn(ctx, "audit record failed", "episode_id", ep.ID, "action", string(action), "error", err)
	}
}
