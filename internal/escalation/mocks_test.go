package escalation_test

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/linnemanlabs/validq/internal/audit"
	"github.com/linnemanlabs/validq/internal/episode"
	"github.com/linnemanlabs/validq/internal/escalation"
)

type supervisorCall struct {
	EpisodeID    string
	SupervisorID string
	Emergency    bool
}

type escalationCall struct {
	EpisodeID  string
	Reason     string
	Candidates []string
}

type mockNotifier struct {
	mu          sync.Mutex
	supervisor  []supervisorCall
	coordinator []string
	escalations []escalationCall
	err         error
}

func (n *mockNotifier) NotifySupervisor(_ context.Context, ep *episode.Episode, supervisorID string, emergency bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.supervisor = append(n.supervisor, supervisorCall{ep.ID, supervisorID, emergency})
	return n.err
}

func (n *mockNotifier) NotifyCareCoordinator(_ context.Context, ep *episode.Episode, _ *episode.HumanValidation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.coordinator = append(n.coordinator, ep.ID)
	return n.err
}

func (n *mockNotifier) SendEscalationNotification(_ context.Context, ep *episode.Episode, reason string, candidates []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, escalationCall{ep.ID, reason, slices.Clone(candidates)})
	return n.err
}

func (n *mockNotifier) escalationReasons() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.escalations))
	for _, c := range n.escalations {
		out = append(out, c.Reason)
	}
	return out
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAudit) Record(_ context.Context, ev audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAudit) Close() error { return nil }

func (a *recordingAudit) actions() []audit.Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.Action, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Action)
	}
	return out
}

// noBackup simulates every backup being unavailable.
var noBackup = escalation.AvailabilityFunc(func(context.Context, escalation.Rule, []string) (string, error) {
	return "", nil
})

var errQuery = errors.New("query timeout")

// flakyStore fails overdue queries that include failLevel.
type flakyStore struct {
	episode.Store
	failLevel episode.UrgencyLevel
}

func (s flakyStore) Query(ctx context.Context, q episode.Query) ([]*episode.Episode, error) {
	if slices.Contains(q.Urgencies, s.failLevel) && !q.QueuedBefore.IsZero() {
		return nil, errQuery
	}
	return s.Store.Query(ctx, q)
}

// decidingStore commits an approved decision on episodeID right after the
// first query returns, so callers work from a stale snapshot.
type decidingStore struct {
	episode.Store
	episodeID string
	once      sync.Once
}

func (s *decidingStore) Query(ctx context.Context, q episode.Query) ([]*episode.Episode, error) {
	eps, err := s.Store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		err = s.Store.Update(ctx, s.episodeID, &episode.Patch{
			ValidationStatus: episode.Ptr(episode.ValidationCompleted),
			Validation:       &episode.HumanValidation{SupervisorID: "sup-1", Approved: true},
			Status:           episode.Ptr(episode.StatusActive),
			RequirePending:   true,
		})
	})
	return eps, err
}
