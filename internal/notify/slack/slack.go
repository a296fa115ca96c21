// Package slack posts validation and escalation notices to a Slack incoming
// webhook using Block Kit messages.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/validq/internal/episode"
)

const (
	maxTextLen  = 2000
	httpTimeout = 10 * time.Second
)

// Notifier implements episode.Notifier against a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	now        func() time.Time
}

// New creates a Slack notifier. If webhookURL is empty every call is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
		now:        time.Now,
	}
}

// NotifySupervisor announces an episode awaiting the supervisor's sign-off.
func (n *Notifier) NotifySupervisor(ctx context.Context, ep *episode.Episode, supervisorID string, emergency bool) error {
	return n.post(ctx, supervisorMessage(ep, supervisorID, emergency, n.now()))
}

// NotifyCareCoordinator reports a recorded validation.
func (n *Notifier) NotifyCareCoordinator(ctx context.Context, ep *episode.Episode, v *episode.HumanValidation) error {
	return n.post(ctx, coordinatorMessage(ep, v, n.now()))
}

// SendEscalationNotification broadcasts an escalation to the candidate backups.
func (n *Notifier) SendEscalationNotification(ctx context.Context, ep *episode.Episode, reason string, candidates []string) error {
	return n.post(ctx, escalationMessage(ep, reason, candidates, n.now()))
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "episode_id", messageEpisode(msg))
	return nil
}

func messageEpisode(msg map[string]any) string {
	id, _ := msg["episode_id"].(string)
	return id
}

func supervisorMessage(ep *episode.Episode, supervisorID string, emergency bool, now time.Time) map[string]any {
	title := "Validation requested"
	if emergency {
		title = "EMERGENCY validation requested"
	}
	assignee := supervisorID
	if assignee == "" {
		assignee = "_unassigned_"
	}

	fields := []string{
		field("Urgency", ep.Urgency.String()),
		field("Assigned to", assignee),
		field("Patient", ep.PatientID),
	}
	if !ep.QueuedAt.IsZero() {
		fields = append(fields, field("Queued", ep.QueuedAt.UTC().Format("15:04 UTC")))
	}

	blocks := []map[string]any{
		header(urgencyEmoji(ep.Urgency) + " " + title + ": " + ep.ID),
		{"type": "divider"},
		fieldsBlock(fields),
	}
	if a := ep.Assessment; a != nil {
		fields = append(fields, field("Confidence", fmt.Sprintf("%.0f%%", a.Confidence*100)))
		blocks[2] = fieldsBlock(fields)
		blocks = append(blocks, section("*AI recommendation*\n\n"+orPlaceholder(a.AgentRecommendation, a.Reasoning)))
	}
	blocks = append(blocks, contextBlock(ep.ID, now))

	return message(ep.ID, blocks)
}

func coordinatorMessage(ep *episode.Episode, v *episode.HumanValidation, now time.Time) map[string]any {
	title := "✅ Triage approved"
	if !v.Approved {
		title = "⚠️ Triage overridden"
	}
	if v.SupervisorID == episode.SystemEscalationSupervisor {
		title = "\U0001f6a8 Auto-approved at higher care level"
	}

	blocks := []map[string]any{
		header(title + ": " + ep.ID),
		{"type": "divider"},
		fieldsBlock([]string{
			field("Urgency", ep.Urgency.String()),
			field("Supervisor", v.SupervisorID),
			field("Approved", fmt.Sprintf("%t", v.Approved)),
			field("Patient", ep.PatientID),
		}),
	}
	var notes []string
	if v.OverrideReason != "" {
		notes = append(notes, "*Reason*\n"+v.OverrideReason)
	}
	if v.Notes != "" {
		notes = append(notes, "*Notes*\n"+v.Notes)
	}
	if len(notes) > 0 {
		blocks = append(blocks, section(strings.Join(notes, "\n\n")))
	}
	blocks = append(blocks, contextBlock(ep.ID, now))

	return message(ep.ID, blocks)
}

func escalationMessage(ep *episode.Episode, reason string, candidates []string, now time.Time) map[string]any {
	who := "_none configured_"
	if len(candidates) > 0 {
		who = strings.Join(candidates, ", ")
	}
	blocks := []map[string]any{
		header("\U0001f6a8 Escalation: " + ep.ID),
		{"type": "divider"},
		fieldsBlock([]string{
			field("Urgency", ep.Urgency.String()),
			field("Backups", who),
			field("Assigned to", orPlaceholder(ep.AssignedSupervisor, "")),
			field("Patient", ep.PatientID),
		}),
		section("*Reason*\n\n" + orPlaceholder(reason, "")),
		contextBlock(ep.ID, now),
	}
	return message(ep.ID, blocks)
}

// message carries the episode ID next to the blocks for logging; Slack
// ignores unknown top-level keys.
func message(episodeID string, blocks []map[string]any) map[string]any {
	return map[string]any{"episode_id": episodeID, "blocks": blocks}
}

func header(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{"type": "plain_text", "text": truncate(text, 150)},
	}
}

func field(name, value string) string {
	return fmt.Sprintf("*%s:* %s", name, value)
}

func fieldsBlock(fields []string) map[string]any {
	out := make([]map[string]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, map[string]any{"type": "mrkdwn", "text": f})
	}
	return map[string]any{"type": "section", "fields": out}
}

func section(text string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": truncate(text, maxTextLen)},
	}
}

func contextBlock(id string, now time.Time) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{{
			"type": "mrkdwn",
			"text": fmt.Sprintf("validq • episode %s • %s", id, now.UTC().Format("2006-01-02 15:04 UTC")),
		}},
	}
}

func urgencyEmoji(u episode.UrgencyLevel) string {
	switch u {
	case episode.UrgencyEmergency:
		return "\U0001f534" // red circle
	case episode.UrgencyUrgent:
		return "\U0001f7e0" // orange circle
	case episode.UrgencyRoutine:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func orPlaceholder(s, alt string) string {
	switch {
	case s != "":
		return s
	case alt != "":
		return alt
	default:
		return "_none_"
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
