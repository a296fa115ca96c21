package queue

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/validq/internal/episode"
)

const (
	// DefaultLimit is applied when a Filter leaves Limit at zero
	DefaultLimit = 50

	// MaxLimit caps any single listing
	MaxLimit = 500

	// historySize is how many recent validations feed the per-tier average
	historySize = 50
)

// SLA supplies the per-tier maximum wait used when no validation history
// exists for a tier.
type SLA interface {
	MaxWait(u episode.UrgencyLevel) time.Duration
}

// Item is the read-only queue projection of an episode.
type Item struct {
	EpisodeID          string                    `json:"episode_id"`
	PatientID          string                    `json:"patient_id"`
	Urgency            episode.UrgencyLevel      `json:"urgency_level"`
	Priority           int                       `json:"priority"`
	AssignedSupervisor string                    `json:"assigned_supervisor,omitempty"`
	QueuedAt           time.Time                 `json:"queued_at"`
	WaitSeconds        float64                   `json:"wait_seconds"`
	Assessment         *episode.TriageAssessment `json:"triage_assessment,omitempty"`
}

// Filter narrows GetQueue. Urgency nil means all tiers.
type Filter struct {
	Supervisor string
	Urgency    *episode.UrgencyLevel
	Limit      int
}

// Page is one listing. Total counts matching items before the limit.
type Page struct {
	Items []Item
	Total int
}

// Statistics summarises the pending queue.
type Statistics struct {
	Total       int
	ByUrgency   map[episode.UrgencyLevel]int
	AverageWait time.Duration
	OldestWait  time.Duration
}

// Hooks are optional callbacks fired on queue mutations.
type Hooks struct {
	OnEnqueue  func(u episode.UrgencyLevel)
	OnRemove   func(u episode.UrgencyLevel)
	OnReassign func(u episode.UrgencyLevel)
	OnStats    func(s *Statistics)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHooks installs mutation callbacks, typically Metrics.Hooks().
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// Manager is the validation queue.
type Manager struct {
	store  episode.Store
	sla    SLA
	logger log.Logger
	now    func() time.Time
	hooks  Hooks
}

// New creates a Manager over store. sla is consulted for wait estimates
// when a tier has no history.
func New(store episode.Store, sla SLA, logger log.Logger, opts ...Option) *Manager {
	if store == nil {
		panic(xerrors.New("episode store is required"))
	}
	if sla == nil {
		panic(xerrors.New("sla is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	m := &Manager{store: store, sla: sla, logger: logger, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time { return m.now() }

// compare is the queue order: urgency rank, then queued time, then ID.
func compare(a, b *episode.Episode) int {
	if c := cmp.Compare(a.Urgency.Rank(), b.Urgency.Rank()); c != 0 {
		return c
	}
	if c := a.QueuedAt.Compare(b.QueuedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// AddToQueue marks ep pending validation, optionally pre-assigned. An
// episode that is already pending keeps its original queued time.
func (m *Manager) AddToQueue(ctx context.Context, ep *episode.Episode, supervisorID string) error {
	if ep.Assessment == nil {
		return episode.Invalid("queue.AddToQueue", "episode has no triage assessment",
			map[string]any{"episode_id": ep.ID})
	}

	queuedAt := m.now()
	if ep.ValidationStatus == episode.ValidationPending && !ep.QueuedAt.IsZero() {
		queuedAt = ep.QueuedAt
	}
	p := &episode.Patch{
		ValidationStatus: episode.Ptr(episode.ValidationPending),
		QueuedAt:         &queuedAt,
		Status:           episode.Ptr(episode.StatusPendingValidation),
	}
	if supervisorID != "" {
		p.AssignedSupervisor = &supervisorID
	}
	if err := m.store.Update(ctx, ep.ID, p); err != nil {
		return err
	}

	if m.hooks.OnEnqueue != nil {
		m.hooks.OnEnqueue(ep.Urgency)
	}
	m.logger.Info(ctx, "episode queued",
		"episode_id", ep.ID,
		"urgency", ep.Urgency.String(),
		"supervisor_id", supervisorID,
	)
	return nil
}

// RemoveFromQueue withdraws a pending episode. Missing, completed or
// already-removed episodes are a no-op. Withdrawal returns the episode to
// no validation at all; it is not a validation outcome, and a completed
// episode is never moved back.
func (m *Manager) RemoveFromQueue(ctx context.Context, id string) error {
	ep, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok || ep.ValidationStatus != episode.ValidationPending {
		return nil
	}

	err = m.store.Update(ctx, id, &episode.Patch{
		ValidationStatus: episode.Ptr(episode.ValidationNone),
		Status:           episode.Ptr(episode.StatusActive),
		RequirePending:   true,
	})
	switch {
	case episode.IsKind(err, episode.KindConflict), episode.IsKind(err, episode.KindNotFound):
		// completed or deleted in between
		return nil
	case err != nil:
		return err
	}

	if m.hooks.OnRemove != nil {
		m.hooks.OnRemove(ep.Urgency)
	}
	return nil
}

// pending returns every queued episode matching the supervisor and urgency
// filters, in queue order.
func (m *Manager) pending(ctx context.Context, supervisor string, urgencies []episode.UrgencyLevel) ([]*episode.Episode, error) {
	q := episode.Query{
		Index:            episode.IndexStatusQueuedAt,
		ValidationStatus: episode.ValidationPending,
		Urgencies:        urgencies,
	}
	if supervisor != "" {
		q.Index = episode.IndexStatusSupervisor
		q.Supervisor = supervisor
	}
	eps, err := m.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	eps = slices.DeleteFunc(eps, func(e *episode.Episode) bool { return !e.InQueue() })
	slices.SortFunc(eps, compare)
	return eps, nil
}

// GetQueue lists the queue in strict priority order.
func (m *Manager) GetQueue(ctx context.Context, f Filter) (*Page, error) {
	var urgencies []episode.UrgencyLevel
	if f.Urgency != nil {
		urgencies = []episode.UrgencyLevel{*f.Urgency}
	}
	eps, err := m.pending(ctx, f.Supervisor, urgencies)
	if err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	now := m.now()
	page := &Page{Total: len(eps), Items: make([]Item, 0, min(limit, len(eps)))}
	for _, e := range eps[:min(limit, len(eps))] {
		page.Items = append(page.Items, toItem(e, now))
	}
	return page, nil
}

func toItem(e *episode.Episode, now time.Time) Item {
	return Item{
		EpisodeID:          e.ID,
		PatientID:          e.PatientID,
		Urgency:            e.Urgency,
		Priority:           e.Urgency.Rank(),
		AssignedSupervisor: e.AssignedSupervisor,
		QueuedAt:           e.QueuedAt,
		WaitSeconds:        max(now.Sub(e.QueuedAt), 0).Seconds(),
		Assessment:         e.Assessment,
	}
}

// GetQueuePosition returns the 1-based position of id in the whole queue,
// or 0 when the episode is missing or not queued.
func (m *Manager) GetQueuePosition(ctx context.Context, id string) (int, error) {
	ep, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok || !ep.InQueue() {
		return 0, nil
	}
	return m.position(ctx, ep)
}

func (m *Manager) position(ctx context.Context, ep *episode.Episode) (int, error) {
	eps, err := m.pending(ctx, "", nil)
	if err != nil {
		return 0, err
	}
	before := 0
	for _, e := range eps {
		if compare(e, ep) < 0 {
			before++
		}
	}
	return before + 1, nil
}

// GetEstimatedWaitTime is position times the tier's average validation
// time. Returns 0 when the episode is missing or not queued.
func (m *Manager) GetEstimatedWaitTime(ctx context.Context, id string) (time.Duration, error) {
	ep, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok || !ep.InQueue() {
		return 0, nil
	}
	pos, err := m.position(ctx, ep)
	if err != nil {
		return 0, err
	}
	avg, err := m.AverageValidationTime(ctx, ep.Urgency)
	if err != nil {
		return 0, err
	}
	return time.Duration(pos) * avg, nil
}

// AverageValidationTime is the mean of validation time minus queued time
// over the tier's most recent human validations. Automatic approvals are
// excluded. Without history it falls back to half the tier's max wait.
func (m *Manager) AverageValidationTime(ctx context.Context, u episode.UrgencyLevel) (time.Duration, error) {
	done, err := m.store.Query(ctx, episode.Query{
		Index:            episode.IndexStatusQueuedAt,
		ValidationStatus: episode.ValidationCompleted,
		Urgencies:        []episode.UrgencyLevel{u},
		Newest:           true,
		Limit:            historySize,
	})
	if err != nil {
		return 0, err
	}

	var (
		sum time.Duration
		n   int
	)
	for _, e := range done {
		v := e.Validation
		if v == nil || e.QueuedAt.IsZero() || v.SupervisorID == episode.SystemEscalationSupervisor {
			continue
		}
		if d := v.Timestamp.Sub(e.QueuedAt); d >= 0 {
			sum += d
			n++
		}
	}
	if n == 0 {
		return m.sla.MaxWait(u) / 2, nil
	}
	return sum / time.Duration(n), nil
}

// GetOverdueEpisodes returns queued episodes waiting longer than threshold,
// oldest first. Urgencies restricts the tiers (none = all).
func (m *Manager) GetOverdueEpisodes(ctx context.Context, threshold time.Duration, urgencies ...episode.UrgencyLevel) ([]*episode.Episode, error) {
	eps, err := m.store.Query(ctx, episode.Query{
		Index:            episode.IndexStatusQueuedAt,
		ValidationStatus: episode.ValidationPending,
		QueuedBefore:     m.now().Add(-threshold),
		Urgencies:        urgencies,
	})
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(eps, func(e *episode.Episode) bool { return !e.InQueue() }), nil
}

// ReassignEpisode points the episode at a new supervisor.
func (m *Manager) ReassignEpisode(ctx context.Context, id, supervisorID string) error {
	return m.reassign(ctx, "queue.ReassignEpisode", id, supervisorID, false)
}

// ReassignPending is ReassignEpisode conditional on the episode still being
// pending validation. A decided episode is left untouched and the call fails
// with KindConflict.
func (m *Manager) ReassignPending(ctx context.Context, id, supervisorID string) error {
	return m.reassign(ctx, "queue.ReassignPending", id, supervisorID, true)
}

func (m *Manager) reassign(ctx context.Context, op, id, supervisorID string, requirePending bool) error {
	if supervisorID == "" {
		return episode.Invalid(op, "supervisor id is required",
			map[string]any{"episode_id": id})
	}
	ep, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return episode.NotFound(op, id)
	}
	err = m.store.Update(ctx, id, &episode.Patch{
		AssignedSupervisor: &supervisorID,
		RequirePending:     requirePending,
	})
	if err != nil {
		return err
	}

	if m.hooks.OnReassign != nil {
		m.hooks.OnReassign(ep.Urgency)
	}
	m.logger.Info(ctx, "episode reassigned",
		"episode_id", id,
		"from_supervisor_id", ep.AssignedSupervisor,
		"supervisor_id", supervisorID,
	)
	return nil
}

// GetQueueStatistics counts the queue per tier and measures waits against
// the current time. Every known tier is present in ByUrgency.
func (m *Manager) GetQueueStatistics(ctx context.Context) (*Statistics, error) {
	eps, err := m.pending(ctx, "", nil)
	if err != nil {
		return nil, err
	}

	st := &Statistics{ByUrgency: make(map[episode.UrgencyLevel]int, 5)}
	for _, u := range episode.UrgencyLevels() {
		st.ByUrgency[u] = 0
	}

	now := m.now()
	var total time.Duration
	for _, e := range eps {
		st.ByUrgency[normalize(e.Urgency)]++
		w := max(now.Sub(e.QueuedAt), 0)
		total += w
		st.OldestWait = max(st.OldestWait, w)
	}
	st.Total = len(eps)
	if st.Total > 0 {
		st.AverageWait = total / time.Duration(st.Total)
	}

	if m.hooks.OnStats != nil {
		m.hooks.OnStats(st)
	}
	return st, nil
}

func normalize(u episode.UrgencyLevel) episode.UrgencyLevel {
	if u.IsKnown() {
		return u
	}
	return episode.UrgencyUnknown
}
