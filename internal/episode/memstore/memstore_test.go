package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/validq/internal/episode"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func pending(id string, u episode.UrgencyLevel, queuedAt time.Time, supervisor string) *episode.Episode {
	return &episode.Episode{
		ID:                 id,
		PatientID:          "p-" + id,
		Urgency:            u,
		Assessment:         &episode.TriageAssessment{Urgency: u, Confidence: 0.9},
		ValidationStatus:   episode.ValidationPending,
		AssignedSupervisor: supervisor,
		QueuedAt:           queuedAt,
		Status:             episode.StatusPendingValidation,
	}
}

func TestStore_PutAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.Put(ctx, pending("e-1", episode.UrgencyUrgent, t0, "")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "e-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected episode to be found")
	}
	if got.Urgency != episode.UrgencyUrgent {
		t.Errorf("Urgency = %v, want %v", got.Urgency, episode.UrgencyUrgent)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, pending("e-copy", episode.UrgencyRoutine, t0, ""))

	got, _, _ := s.Get(ctx, "e-copy")
	got.Assessment.Confidence = 0.1
	got.AssignedSupervisor = "mutated"

	again, _, _ := s.Get(ctx, "e-copy")
	if again.Assessment.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9 (store shared a pointer)", again.Assessment.Confidence)
	}
	if again.AssignedSupervisor != "" {
		t.Errorf("AssignedSupervisor = %q, want empty", again.AssignedSupervisor)
	}
}

func TestStore_UpdateMissing(t *testing.T) {
	t.Parallel()

	s := New()
	err := s.Update(context.Background(), "ghost", &episode.Patch{Status: episode.Ptr(episode.StatusActive)})
	if !episode.IsKind(err, episode.KindNotFound) {
		t.Fatalf("Update missing = %v, want not_found", err)
	}
}

func TestStore_UpdateBumpsVersion(t *testing.T) {
	t.Parallel()

	s := New().WithClock(func() time.Time { return t0.Add(time.Hour) })
	ctx := context.Background()
	_ = s.Put(ctx, pending("e-v", episode.UrgencyUrgent, t0, ""))

	if err := s.Update(ctx, "e-v", &episode.Patch{AssignedSupervisor: episode.Ptr("sup-1")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _, _ := s.Get(ctx, "e-v")
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	if got.AssignedSupervisor != "sup-1" {
		t.Errorf("AssignedSupervisor = %q, want sup-1", got.AssignedSupervisor)
	}
	if !got.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, t0.Add(time.Hour))
	}
}

func TestStore_RequirePendingConflict(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	e := pending("e-c", episode.UrgencyEmergency, t0, "")
	e.ValidationStatus = episode.ValidationCompleted
	_ = s.Put(ctx, e)

	err := s.Update(ctx, "e-c", &episode.Patch{
		Status:         episode.Ptr(episode.StatusEscalated),
		RequirePending: true,
	})
	if !episode.IsKind(err, episode.KindConflict) {
		t.Fatalf("Update = %v, want conflict", err)
	}

	got, _, _ := s.Get(ctx, "e-c")
	if got.Status != episode.StatusPendingValidation {
		t.Errorf("Status = %q, rejected patch must not be applied", got.Status)
	}
	if got.Version != 0 {
		t.Errorf("Version = %d, want 0", got.Version)
	}
}

func TestStore_CompletedCannotReturnToPending(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	e := pending("e-t", episode.UrgencyRoutine, t0, "")
	e.ValidationStatus = episode.ValidationCompleted
	_ = s.Put(ctx, e)

	err := s.Update(ctx, "e-t", &episode.Patch{ValidationStatus: episode.Ptr(episode.ValidationPending)})
	if !episode.IsKind(err, episode.KindInvalidTransition) {
		t.Fatalf("Update = %v, want invalid_transition", err)
	}
}

func TestStore_QueryStatusQueuedAt(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, pending("b", episode.UrgencyRoutine, t0.Add(2*time.Minute), ""))
	_ = s.Put(ctx, pending("a", episode.UrgencyEmergency, t0.Add(time.Minute), ""))
	_ = s.Put(ctx, pending("c", episode.UrgencyRoutine, t0.Add(3*time.Minute), ""))
	done := pending("d", episode.UrgencyRoutine, t0, "")
	done.ValidationStatus = episode.ValidationCompleted
	_ = s.Put(ctx, done)

	tests := []struct {
		name  string
		query episode.Query
		want  []string
	}{
		{
			name:  "all pending ascending",
			query: episode.Query{Index: episode.IndexStatusQueuedAt, ValidationStatus: episode.ValidationPending},
			want:  []string{"a", "b", "c"},
		},
		{
			name:  "newest first with limit",
			query: episode.Query{Index: episode.IndexStatusQueuedAt, ValidationStatus: episode.ValidationPending, Newest: true, Limit: 2},
			want:  []string{"c", "b"},
		},
		{
			name:  "queued before bound",
			query: episode.Query{Index: episode.IndexStatusQueuedAt, ValidationStatus: episode.ValidationPending, QueuedBefore: t0.Add(3 * time.Minute)},
			want:  []string{"a", "b"},
		},
		{
			name:  "urgency filter",
			query: episode.Query{Index: episode.IndexStatusQueuedAt, ValidationStatus: episode.ValidationPending, Urgencies: []episode.UrgencyLevel{episode.UrgencyRoutine}},
			want:  []string{"b", "c"},
		},
		{
			name:  "completed partition",
			query: episode.Query{Index: episode.IndexStatusQueuedAt, ValidationStatus: episode.ValidationCompleted},
			want:  []string{"d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := s.Query(ctx, tt.query)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d episodes, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("result[%d] = %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestStore_QueryStatusSupervisor(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, pending("x", episode.UrgencyUrgent, t0, "sup-a"))
	_ = s.Put(ctx, pending("y", episode.UrgencyUrgent, t0, "sup-b"))
	_ = s.Put(ctx, pending("z", episode.UrgencyRoutine, t0.Add(time.Second), "sup-a"))

	got, err := s.Query(ctx, episode.Query{
		Index:            episode.IndexStatusSupervisor,
		ValidationStatus: episode.ValidationPending,
		Supervisor:       "sup-a",
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 || got[0].ID != "x" || got[1].ID != "z" {
		t.Fatalf("got %v, want [x z]", ids(got))
	}
}

func TestStore_QueryRejectsMissingKey(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.Query(context.Background(), episode.Query{
		Index:            episode.IndexStatusSupervisor,
		ValidationStatus: episode.ValidationPending,
	})
	if !episode.IsKind(err, episode.KindValidation) {
		t.Fatalf("Query = %v, want validation error", err)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 2)

	for i := range n {
		id := fmt.Sprintf("id-%d", i)

		go func() {
			defer wg.Done()
			_ = s.Put(ctx, pending(id, episode.UrgencyRoutine, t0, ""))
			_ = s.Update(ctx, id, &episode.Patch{AssignedSupervisor: episode.Ptr("sup")})
		}()

		go func() {
			defer wg.Done()
			_, _, _ = s.Get(ctx, id)
			_, _ = s.Query(ctx, episode.Query{Index: episode.IndexStatusQueuedAt, ValidationStatus: episode.ValidationPending})
		}()
	}

	wg.Wait()
}

func ids(eps []*episode.Episode) []string {
	out := make([]string, len(eps))
	for i, e := range eps {
		out[i] = e.ID
	}
	return out
}
