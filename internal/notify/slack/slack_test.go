package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/validq/internal/episode"
)

var fixedNow = time.Date(2026, 3, 1, 14, 23, 0, 0, time.UTC)

func testEpisode() *episode.Episode {
	return &episode.Episode{
		ID:        "ep-42",
		PatientID: "pt-9",
		Urgency:   episode.UrgencyEmergency,
		QueuedAt:  fixedNow.Add(-7 * time.Minute),
		Assessment: &episode.TriageAssessment{
			Urgency:             episode.UrgencyEmergency,
			Confidence:          0.91,
			AgentRecommendation: "Call emergency services.",
		},
	}
}

type capture struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (c *capture) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("invalid_payload"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func headerText(t *testing.T, body map[string]any) string {
	t.Helper()
	blocks, ok := body["blocks"].([]any)
	if !ok || len(blocks) == 0 {
		t.Fatal("expected blocks array in payload")
	}
	hdr := blocks[0].(map[string]any)
	return hdr["text"].(map[string]any)["text"].(string)
}

func TestNotifySupervisor_PostsEmergencyMessage(t *testing.T) {
	t.Parallel()

	c := &capture{}
	n := New(c.server(t, http.StatusOK).URL, log.Nop())
	n.now = func() time.Time { return fixedNow }

	if err := n.NotifySupervisor(context.Background(), testEpisode(), "sup-1", true); err != nil {
		t.Fatalf("NotifySupervisor: %v", err)
	}
	if len(c.bodies) != 1 {
		t.Fatalf("posts = %d, want 1", len(c.bodies))
	}
	hdr := headerText(t, c.bodies[0])
	if !strings.Contains(hdr, "EMERGENCY") || !strings.Contains(hdr, "ep-42") {
		t.Errorf("header = %q", hdr)
	}
	raw, _ := json.Marshal(c.bodies[0])
	for _, want := range []string{"sup-1", "91%", "Call emergency services.", "2026-03-01 14:23 UTC"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("payload missing %q", want)
		}
	}
}

func TestNotifyCareCoordinator_Titles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		v    *episode.HumanValidation
		want string
	}{
		{"approved", &episode.HumanValidation{SupervisorID: "sup-1", Approved: true}, "approved"},
		{"overridden", &episode.HumanValidation{SupervisorID: "sup-1", OverrideReason: "wrong tier"}, "overridden"},
		{"system", &episode.HumanValidation{SupervisorID: episode.SystemEscalationSupervisor, Approved: true}, "Auto-approved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := coordinatorMessage(testEpisode(), tt.v, fixedNow)
			raw, _ := json.Marshal(msg)
			var body map[string]any
			_ = json.Unmarshal(raw, &body)
			if hdr := headerText(t, body); !strings.Contains(hdr, tt.want) {
				t.Errorf("header = %q, want it to contain %q", hdr, tt.want)
			}
		})
	}
}

func TestSendEscalationNotification_ListsCandidates(t *testing.T) {
	t.Parallel()

	msg := escalationMessage(testEpisode(), "Timeout escalation: exceeded 5 minutes",
		[]string{"emergency-supervisor-1", "emergency-supervisor-2"}, fixedNow)
	raw, _ := json.Marshal(msg)
	for _, want := range []string{"emergency-supervisor-1, emergency-supervisor-2", "exceeded 5 minutes"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("payload missing %q", want)
		}
	}

	raw, _ = json.Marshal(escalationMessage(testEpisode(), "r", nil, fixedNow))
	if !strings.Contains(string(raw), "none configured") {
		t.Error("expected placeholder for empty candidate list")
	}
}

func TestNoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	ep := testEpisode()
	if err := n.NotifySupervisor(context.Background(), ep, "", false); err != nil {
		t.Errorf("NotifySupervisor: %v", err)
	}
	if err := n.SendEscalationNotification(context.Background(), ep, "r", nil); err != nil {
		t.Errorf("SendEscalationNotification: %v", err)
	}
}

func TestNonOKStatus(t *testing.T) {
	t.Parallel()

	c := &capture{}
	n := New(c.server(t, http.StatusBadRequest).URL, log.Nop())

	err := n.NotifyCareCoordinator(context.Background(), testEpisode(), &episode.HumanValidation{Approved: true})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "invalid_payload") {
		t.Errorf("error = %v", err)
	}
}

func TestUrgencyEmoji(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for _, u := range episode.UrgencyLevels() {
		seen[urgencyEmoji(u)] = true
	}
	if len(seen) != 4 {
		t.Errorf("expected a distinct emoji per tier, got %d", len(seen))
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate(strings.Repeat("x", 20), 10); got != "xxxxxxx..." {
		t.Errorf("truncate long = %q", got)
	}
}

func FuzzSupervisorMessage(f *testing.F) {
	f.Add("ep-1", "sup-1", "EMERGENCY", "recommendation", true)
	f.Add("", "", "", "", false)
	f.Add(strings.Repeat("x", 300), "s", "self-care", strings.Repeat("y", 5000), false)

	f.Fuzz(func(t *testing.T, id, sup, urgency, rec string, emergency bool) {
		ep := &episode.Episode{
			ID:         id,
			Urgency:    episode.ParseUrgency(urgency),
			Assessment: &episode.TriageAssessment{AgentRecommendation: rec},
		}
		msg := supervisorMessage(ep, sup, emergency, fixedNow)
		if _, err := json.Marshal(msg); err != nil {
			t.Fatalf("marshal: %v", err)
		}
		blocks := msg["blocks"].([]map[string]any)
		for _, b := range blocks {
			if b["type"] != "section" {
				continue
			}
			if txt, ok := b["text"].(map[string]any); ok {
				if s := txt["text"].(string); len(s) > maxTextLen {
					t.Fatalf("section text %d bytes exceeds limit", len(s))
				}
			}
		}
	})
}
