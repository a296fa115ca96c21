package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/validq/internal/episode"
	"github.com/linnemanlabs/validq/internal/escalation"
	"github.com/linnemanlabs/validq/internal/queue"
)

var tracer = otel.Tracer("github.com/linnemanlabs/validq/internal/workflow")

// AlreadyValidatedMessage is returned when a submit finds an existing validation.
const AlreadyValidatedMessage = "episode already validated"

// Coordinator dispatches validation requests to the queue and the
// escalation engine.
type Coordinator struct {
	store    episode.Store
	queue    *queue.Manager
	engine   *escalation.Engine
	notifier episode.Notifier
	logger   log.Logger
	now      func() time.Time
}

// New creates a Coordinator. q and engine must share store.
func New(store episode.Store, q *queue.Manager, engine *escalation.Engine, notifier episode.Notifier, logger log.Logger) *Coordinator {
	if store == nil || q == nil || engine == nil || notifier == nil {
		panic(xerrors.New("workflow coordinator requires a store, queue, engine and notifier"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Coordinator{
		store:    store,
		queue:    q,
		engine:   engine,
		notifier: notifier,
		logger:   logger,
		now:      q.Now,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(episode.KindOf(err)))
	}
	span.End()
}

func (c *Coordinator) load(ctx context.Context, op, id string) (*episode.Episode, error) {
	ep, ok, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, &episode.Error{Kind: episode.KindStore, Op: op, EpisodeID: id, Err: err}
	}
	if !ok {
		return nil, episode.NotFound(op, id)
	}
	return ep, nil
}

// Submit queues an episode for human validation and notifies the supervisor.
// Submitting an episode that already carries a validation is a no-op.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (res *SubmitResult, err error) {
	if req.EpisodeID == "" {
		return nil, episode.Invalid("workflow.Submit", "missing required fields",
			map[string]any{"missing": []string{"episode_id"}})
	}

	ctx, span := tracer.Start(ctx, "workflow.Submit", trace.WithAttributes(
		attribute.String("episode.id", req.EpisodeID),
	))
	defer func() { endSpan(span, err) }()

	ep, err := c.load(ctx, "workflow.Submit", req.EpisodeID)
	if err != nil {
		return nil, err
	}
	if ep.Assessment == nil {
		return nil, episode.Invalid("workflow.Submit", "episode has no triage assessment",
			map[string]any{"episode_id": ep.ID})
	}
	if ep.Validation != nil {
		return &SubmitResult{
			EpisodeID:        ep.ID,
			Urgency:          ep.Urgency,
			AlreadyValidated: true,
			Message:          AlreadyValidatedMessage,
		}, nil
	}

	if err := c.queue.AddToQueue(ctx, ep, req.SupervisorID); err != nil {
		return nil, err
	}

	emergency := ep.Urgency == episode.UrgencyEmergency
	if err := c.notifier.NotifySupervisor(ctx, ep, req.SupervisorID, emergency); err != nil {
		c.logger.Error(ctx, err, "supervisor notification failed", "episode_id", ep.ID, "emergency", emergency)
		return nil, &episode.Error{
			Kind:      episode.KindNotification,
			Op:        "workflow.Submit",
			EpisodeID: ep.ID,
			Fields:    map[string]any{"supervisor_id": req.SupervisorID, "emergency": emergency},
			Err:       err,
		}
	}

	pos, err := c.queue.GetQueuePosition(ctx, ep.ID)
	if err != nil {
		return nil, err
	}

	c.logger.Info(ctx, "episode submitted for validation",
		"episode_id", ep.ID,
		"urgency", ep.Urgency.String(),
		"queue_position", pos,
	)
	return &SubmitResult{EpisodeID: ep.ID, Urgency: ep.Urgency, QueuePosition: pos}, nil
}

// Status reports the validation state, queue position and estimated wait.
func (c *Coordinator) Status(ctx context.Context, id string) (*StatusResult, error) {
	ep, err := c.load(ctx, "workflow.Status", id)
	if err != nil {
		return nil, err
	}

	res := &StatusResult{
		EpisodeID:          ep.ID,
		Urgency:            ep.Urgency,
		ValidationStatus:   ep.ValidationStatus,
		Status:             ep.Status,
		Validation:         ep.Validation,
		EscalationInfo:     ep.EscalationInfo,
		AssignedSupervisor: ep.AssignedSupervisor,
	}
	if !ep.InQueue() {
		return res, nil
	}

	if res.QueuePosition, err = c.queue.GetQueuePosition(ctx, ep.ID); err != nil {
		return nil, err
	}
	wait, err := c.queue.GetEstimatedWaitTime(ctx, ep.ID)
	if err != nil {
		return nil, err
	}
	res.EstimatedWaitSeconds = wait.Seconds()
	res.EstimatedWaitMinutes = minutes(wait)
	return res, nil
}

// List returns one page of the queue in priority order.
func (c *Coordinator) List(ctx context.Context, f queue.Filter) (*ListResult, error) {
	page, err := c.queue.GetQueue(ctx, f)
	if err != nil {
		return nil, err
	}
	return &ListResult{Queue: page.Items, TotalItems: page.Total}, nil
}

// Decision records a supervisor's decision. The write only succeeds while
// the episode is pending, so a decision and a concurrent auto-approval
// cannot both commit. A rejection with a reason is handed to the escalation
// engine; an approval is reported to the care coordinator.
func (c *Coordinator) Decision(ctx context.Context, req DecisionRequest) (res *DecisionResult, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	approved := *req.Approved

	ctx, span := tracer.Start(ctx, "workflow.Decision", trace.WithAttributes(
		attribute.String("episode.id", req.EpisodeID),
		attribute.String("supervisor.id", req.SupervisorID),
		attribute.Bool("validation.approved", approved),
	))
	defer func() { endSpan(span, err) }()

	ep, err := c.load(ctx, "workflow.Decision", req.EpisodeID)
	if err != nil {
		return nil, err
	}

	v := &episode.HumanValidation{
		SupervisorID:   req.SupervisorID,
		Approved:       approved,
		OverrideReason: req.OverrideReason,
		Notes:          req.Notes,
		Timestamp:      c.now(),
	}
	newStatus := episode.StatusActive
	if !approved {
		newStatus = episode.StatusEscalated
	}

	err = c.store.Update(ctx, ep.ID, &episode.Patch{
		ValidationStatus: episode.Ptr(episode.ValidationCompleted),
		Validation:       v,
		Status:           &newStatus,
		RequirePending:   true,
	})
	switch {
	case episode.IsKind(err, episode.KindConflict):
		return nil, &episode.Error{
			Kind:      episode.KindConflict,
			Op:        "workflow.Decision",
			EpisodeID: ep.ID,
			Reason:    "episode is not pending validation",
			Fields:    map[string]any{"validation_status": string(ep.ValidationStatus)},
			Err:       err,
		}
	case err != nil:
		return nil, err
	}

	c.logger.Info(ctx, "validation recorded",
		"episode_id", ep.ID,
		"supervisor_id", req.SupervisorID,
		"approved", approved,
		"status", string(newStatus),
	)

	// escalation and notification see the completed episode
	if ep, err = c.load(ctx, "workflow.Decision", req.EpisodeID); err != nil {
		return nil, err
	}
	res = &DecisionResult{EpisodeID: ep.ID, Approved: approved, NewStatus: newStatus, Validation: v}

	if !approved && req.OverrideReason != "" {
		if err := c.engine.HandleOverride(ctx, ep, v); err != nil {
			return nil, err
		}
	}
	if approved {
		if err := c.notifier.NotifyCareCoordinator(ctx, ep, v); err != nil {
			c.logger.Error(ctx, err, "care coordinator notification failed", "episode_id", ep.ID)
			return nil, &episode.Error{
				Kind:      episode.KindNotification,
				Op:        "workflow.Decision",
				EpisodeID: ep.ID,
				Fields:    map[string]any{"supervisor_id": req.SupervisorID},
				Err:       err,
			}
		}
	}
	return res, nil
}

// Statistics summarises the queue.
func (c *Coordinator) Statistics(ctx context.Context) (*StatisticsResult, error) {
	st, err := c.queue.GetQueueStatistics(ctx)
	if err != nil {
		return nil, err
	}
	return &StatisticsResult{
		TotalItems:         st.Total,
		ByUrgency:          st.ByUrgency,
		AverageWaitSeconds: st.AverageWait.Seconds(),
		OldestWaitSeconds:  st.OldestWait.Seconds(),
	}, nil
}

// Sweep runs one timeout escalation pass.
func (c *Coordinator) Sweep(ctx context.Context) (*escalation.SweepReport, error) {
	return c.engine.CheckForTimeoutEscalations(ctx)
}

// SupervisorUnavailable moves a supervisor's queue to backups.
func (c *Coordinator) SupervisorUnavailable(ctx context.Context, supervisorID string) (*escalation.UnavailabilityReport, error) {
	return c.engine.HandleSupervisorUnavailability(ctx, supervisorID)
}
