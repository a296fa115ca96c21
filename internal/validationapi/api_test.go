package validationapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/validq/internal/episode"
	"github.com/linnemanlabs/validq/internal/episode/memstore"
	"github.com/linnemanlabs/validq/internal/escalation"
	"github.com/linnemanlabs/validq/internal/notify"
	"github.com/linnemanlabs/validq/internal/queue"
	"github.com/linnemanlabs/validq/internal/workflow"
)

// fakeCoordinator records calls and returns canned results.
type fakeCoordinator struct {
	mu        sync.Mutex
	err       error
	filters   []queue.Filter
	decisions []workflow.DecisionRequest
	sweep     *escalation.SweepReport
}

func (f *fakeCoordinator) Submit(_ context.Context, req workflow.SubmitRequest) (*workflow.SubmitResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &workflow.SubmitResult{EpisodeID: req.EpisodeID, QueuePosition: 1}, nil
}

func (f *fakeCoordinator) Status(_ context.Context, id string) (*workflow.StatusResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &workflow.StatusResult{EpisodeID: id}, nil
}

func (f *fakeCoordinator) List(_ context.Context, fl queue.Filter) (*workflow.ListResult, error) {
	f.mu.Lock()
	f.filters = append(f.filters, fl)
	f.mu.Unlock()
	return &workflow.ListResult{Queue: []queue.Item{}}, f.err
}

func (f *fakeCoordinator) Decision(_ context.Context, req workflow.DecisionRequest) (*workflow.DecisionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.decisions = append(f.decisions, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &workflow.DecisionResult{EpisodeID: req.EpisodeID, Approved: *req.Approved}, nil
}

func (f *fakeCoordinator) Statistics(context.Context) (*workflow.StatisticsResult, error) {
	return &workflow.StatisticsResult{}, f.err
}

func (f *fakeCoordinator) Sweep(context.Context) (*escalation.SweepReport, error) {
	return f.sweep, f.err
}

func (f *fakeCoordinator) SupervisorUnavailable(_ context.Context, id string) (*escalation.UnavailabilityReport, error) {
	return &escalation.UnavailabilityReport{SupervisorID: id}, f.err
}

func newTestRouter(t *testing.T, coord Coordinator) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	New(nil, coord).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

// New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, &fakeCoordinator{})
	if api.logger == nil {
		t.Fatal("New(nil, coord) left logger nil; expected Nop logger")
	}
}

func TestNew_NilCoordinator_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic")
		}
	}()
	New(log.Nop(), nil)
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeCoordinator{sweep: &escalation.SweepReport{}})

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"submit", http.MethodPost, "/api/v1/validations", `{"episode_id":"e-1"}`, http.StatusAccepted},
		{"submit GET not allowed", http.MethodGet, "/api/v1/validations", "", http.StatusMethodNotAllowed},
		{"status", http.MethodGet, "/api/v1/validations/e-1", "", http.StatusOK},
		{"status DELETE not allowed", http.MethodDelete, "/api/v1/validations/e-1", "", http.StatusMethodNotAllowed},
		{"decision", http.MethodPost, "/api/v1/validations/e-1/decision", `{"supervisor_id":"s","approved":true}`, http.StatusOK},
		{"decision GET not allowed", http.MethodGet, "/api/v1/validations/e-1/decision", "", http.StatusMethodNotAllowed},
		{"queue", http.MethodGet, "/api/v1/queue", "", http.StatusOK},
		{"stats", http.MethodGet, "/api/v1/queue/stats", "", http.StatusOK},
		{"sweep", http.MethodPost, "/api/v1/escalations/sweep", "", http.StatusOK},
		{"sweep GET not allowed", http.MethodGet, "/api/v1/escalations/sweep", "", http.StatusMethodNotAllowed},
		{"unavailable", http.MethodPost, "/api/v1/supervisors/sup-1/unavailable", "", http.StatusOK},
		{"unknown path", http.MethodGet, "/api/v1/nope", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, r, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d (body %s)", tt.method, tt.path, rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
		wantMsg    string
	}{
		{"validation", episode.Invalid("op", "missing required fields", map[string]any{"missing": []string{"approved"}}), http.StatusBadRequest, "validation", "missing required fields"},
		{"not found", episode.NotFound("op", "e-1"), http.StatusNotFound, "not_found", "episode not found"},
		{"conflict", &episode.Error{Kind: episode.KindConflict, Op: "op", Reason: "episode is not pending validation"}, http.StatusConflict, "conflict", "episode is not pending validation"},
		{"store", errors.New("connection reset"), http.StatusInternalServerError, "store", "internal error"},
		{"notification", &episode.Error{Kind: episode.KindNotification, Op: "op", Err: errors.New("smtp")}, http.StatusInternalServerError, "notification", "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newTestRouter(t, &fakeCoordinator{err: tt.err})
			rec := do(t, r, http.MethodGet, "/api/v1/validations/e-1", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			body := decodeError(t, rec)
			if body.Error != tt.wantKind {
				t.Errorf("error = %q, want %q", body.Error, tt.wantKind)
			}
			if !strings.Contains(body.Message, tt.wantMsg) {
				t.Errorf("message = %q, want it to contain %q", body.Message, tt.wantMsg)
			}
		})
	}
}

func TestDecision_PathAndBody(t *testing.T) {
	t.Parallel()

	fc := &fakeCoordinator{}
	r := newTestRouter(t, fc)

	rec := do(t, r, http.MethodPost, "/api/v1/validations/e-1/decision", `{"episode_id":"e-2","supervisor_id":"s","approved":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("mismatched id = %d, want 400", rec.Code)
	}

	rec = do(t, r, http.MethodPost, "/api/v1/validations/e-1/decision", `{"supervisor_id":"s","approved":false,"unexpected":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field = %d, want 400", rec.Code)
	}

	rec = do(t, r, http.MethodPost, "/api/v1/validations/e-1/decision", `{"supervisor_id":"s","approved":false,"override_reason":"r"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid decision = %d, want 200", rec.Code)
	}
	if len(fc.decisions) != 1 || fc.decisions[0].EpisodeID != "e-1" || fc.decisions[0].OverrideReason != "r" {
		t.Errorf("decisions = %+v", fc.decisions)
	}
}

func TestList_QueryParams(t *testing.T) {
	t.Parallel()

	fc := &fakeCoordinator{}
	r := newTestRouter(t, fc)

	rec := do(t, r, http.MethodGet, "/api/v1/queue?supervisor=sup-1&urgency=emergency&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(fc.filters) != 1 {
		t.Fatalf("filters = %d, want 1", len(fc.filters))
	}
	got := fc.filters[0]
	if got.Supervisor != "sup-1" || got.Limit != 5 || got.Urgency == nil || *got.Urgency != episode.UrgencyEmergency {
		t.Errorf("filter = %+v", got)
	}

	for _, path := range []string{"/api/v1/queue?urgency=critical", "/api/v1/queue?limit=-1", "/api/v1/queue?limit=ten"} {
		if rec := do(t, r, http.MethodGet, path, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", path, rec.Code)
		}
	}
}

func TestSweep_PartialFailure(t *testing.T) {
	t.Parallel()

	fc := &fakeCoordinator{
		sweep: &escalation.SweepReport{Escalated: 2, Failed: 1},
		err:   errors.Join(errors.New("rule URGENT: store down")),
	}
	r := newTestRouter(t, fc)

	rec := do(t, r, http.MethodPost, "/api/v1/escalations/sweep", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body struct {
		Escalated int      `json:"escalated"`
		Failed    int      `json:"failed"`
		Errors    []string `json:"errors"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Escalated != 2 || body.Failed != 1 || len(body.Errors) != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestSweep_NoReport(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeCoordinator{err: errors.New("boom")})
	rec := do(t, r, http.MethodPost, "/api/v1/escalations/sweep", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

// End to end over the in-memory store.

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newStack(t *testing.T) (http.Handler, *memstore.Store) {
	t.Helper()
	clock := func() time.Time { return t0 }

	store := memstore.New().WithClock(clock)
	rules := escalation.DefaultRules()
	q := queue.New(store, rules, nil, queue.WithClock(clock))
	engine := escalation.New(store, q, rules, notify.Nop{}, nil, escalation.WithClock(clock))
	coord := workflow.New(store, q, engine, notify.Nop{}, nil)
	return newTestRouter(t, coord), store
}

func TestEndToEnd_SubmitDecide(t *testing.T) {
	t.Parallel()

	h, store := newStack(t)
	if err := store.Put(context.Background(), &episode.Episode{
		ID:         "e-1",
		Urgency:    episode.UrgencyUrgent,
		Assessment: &episode.TriageAssessment{Urgency: episode.UrgencyUrgent},
		Status:     episode.StatusActive,
	}); err != nil {
		t.Fatal(err)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/validations", `{"episode_id":"e-1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit = %d: %s", rec.Code, rec.Body.String())
	}
	var sub workflow.SubmitResult
	_ = json.NewDecoder(rec.Body).Decode(&sub)
	if sub.QueuePosition != 1 || sub.Urgency != episode.UrgencyUrgent {
		t.Errorf("submit result = %+v", sub)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/queue", "")
	if !strings.Contains(rec.Body.String(), `"urgency_level":"URGENT"`) || !strings.Contains(rec.Body.String(), `"total_items":1`) {
		t.Errorf("queue body = %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/validations/e-1/decision", `{"supervisor_id":"sup-1","approved":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("decision = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"new_status":"ACTIVE"`) {
		t.Errorf("decision body = %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/validations/e-1/decision", `{"supervisor_id":"sup-1","approved":true}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("second decision = %d, want 409", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/validations", `{"episode_id":"e-1"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), workflow.AlreadyValidatedMessage) {
		t.Errorf("resubmit = %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/validations", `{"episode_id":"ghost"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown episode = %d, want 404", rec.Code)
	}
}

func TestEndToEnd_DecisionMissingFields(t *testing.T) {
	t.Parallel()

	h, _ := newStack(t)
	rec := do(t, h, http.MethodPost, "/api/v1/validations/e-1/decision", `{"supervisor_id":"sup-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error != "validation" {
		t.Errorf("error = %q", body.Error)
	}
	missing, _ := body.Details["missing"].([]any)
	if len(missing) != 1 || missing[0] != "approved" {
		t.Errorf("details = %v", body.Details)
	}
}

func FuzzDecisionPayload(f *testing.F) {
	f.Add(`{"supervisor_id":"s","approved":true}`)
	f.Add(`{"supervisor_id":"s","approved":false,"override_reason":"x"}`)
	f.Add(`{}`)
	f.Add(`{"approved":"yes"}`)
	f.Add(`[`)

	fc := &fakeCoordinator{}
	r := chi.NewRouter()
	New(nil, fc).RegisterRoutes(r)

	f.Fuzz(func(t *testing.T, body string) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/validations/e-1/decision", strings.NewReader(body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK && rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d for body %q", rec.Code, body)
		}
		var out map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("response is not JSON: %v", err)
		}
	})
}
