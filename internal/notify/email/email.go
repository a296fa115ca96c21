// Package email delivers validation and escalation notices over SMTP.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/validq/internal/episode"
)

const defaultFromName = "validq"

// Config holds SMTP and addressing settings.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	From               string
	FromName           string
	InsecureSkipVerify bool

	// Coordinators receive validation results and escalation notices.
	Coordinators []string

	// SupervisorDomain turns bare supervisor IDs into addresses. IDs that
	// already contain "@" are used as-is.
	SupervisorDomain string
}

// Enabled reports whether enough is configured to send mail.
func (c Config) Enabled() bool {
	return c.Host != "" && c.From != ""
}

type messageSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Notifier implements episode.Notifier over SMTP.
type Notifier struct {
	sender messageSender
	cfg    Config
	logger log.Logger
}

// New creates an SMTP notifier.
func New(cfg Config, logger log.Logger) *Notifier {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	if cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for internal relays
	}
	return newNotifier(d, cfg, logger)
}

func newNotifier(s messageSender, cfg Config, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.FromName == "" {
		cfg.FromName = defaultFromName
	}
	return &Notifier{sender: s, cfg: cfg, logger: logger}
}

// NotifySupervisor mails the assigned supervisor. Unaddressable supervisors
// are skipped.
func (n *Notifier) NotifySupervisor(ctx context.Context, ep *episode.Episode, supervisorID string, emergency bool) error {
	to := n.addresses(supervisorID)
	if len(to) == 0 {
		n.logger.Info(ctx, "no email address for supervisor, skipping", "episode_id", ep.ID, "supervisor_id", supervisorID)
		return nil
	}

	subject := fmt.Sprintf("[validq] %s validation requested: %s", ep.Urgency, ep.ID)
	if emergency {
		subject = "[validq] EMERGENCY " + strings.TrimPrefix(subject, "[validq] ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Episode %s (patient %s) is waiting for your validation.\n\n", ep.ID, ep.PatientID)
	fmt.Fprintf(&b, "Urgency: %s\n", ep.Urgency)
	if !ep.QueuedAt.IsZero() {
		fmt.Fprintf(&b, "Queued at: %s\n", ep.QueuedAt.UTC().Format(time.RFC3339))
	}
	if a := ep.Assessment; a != nil {
		fmt.Fprintf(&b, "Confidence: %.0f%%\n", a.Confidence*100)
		if a.AgentRecommendation != "" {
			fmt.Fprintf(&b, "\nRecommendation:\n%s\n", a.AgentRecommendation)
		}
		if a.Reasoning != "" {
			fmt.Fprintf(&b, "\nReasoning:\n%s\n", a.Reasoning)
		}
	}

	return n.send(ctx, ep, to, subject, b.String())
}

// NotifyCareCoordinator mails the recorded validation to the coordinators.
func (n *Notifier) NotifyCareCoordinator(ctx context.Context, ep *episode.Episode, v *episode.HumanValidation) error {
	if len(n.cfg.Coordinators) == 0 {
		return nil
	}

	verdict := "approved"
	if !v.Approved {
		verdict = "overridden"
	}
	subject := fmt.Sprintf("[validq] Triage %s: %s", verdict, ep.ID)

	var b strings.Builder
	fmt.Fprintf(&b, "Episode %s (patient %s) was %s by %s.\n\n", ep.ID, ep.PatientID, verdict, v.SupervisorID)
	fmt.Fprintf(&b, "Urgency: %s\n", ep.Urgency)
	if v.OverrideReason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", v.OverrideReason)
	}
	if v.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", v.Notes)
	}

	return n.send(ctx, ep, n.cfg.Coordinators, subject, b.String())
}

// SendEscalationNotification mails the candidate backups and the coordinators.
func (n *Notifier) SendEscalationNotification(ctx context.Context, ep *episode.Episode, reason string, candidates []string) error {
	to := n.addresses(candidates...)
	to = append(to, n.cfg.Coordinators...)
	if len(to) == 0 {
		return nil
	}

	subject := fmt.Sprintf("[validq] Escalation (%s): %s", ep.Urgency, ep.ID)

	var b strings.Builder
	fmt.Fprintf(&b, "Episode %s (patient %s) has been escalated.\n\n", ep.ID, ep.PatientID)
	fmt.Fprintf(&b, "Reason: %s\n", reason)
	if ep.AssignedSupervisor != "" {
		fmt.Fprintf(&b, "Assigned supervisor: %s\n", ep.AssignedSupervisor)
	}
	if len(candidates) > 0 {
		fmt.Fprintf(&b, "Backup supervisors: %s\n", strings.Join(candidates, ", "))
	}

	return n.send(ctx, ep, to, subject, b.String())
}

func (n *Notifier) send(ctx context.Context, ep *episode.Episode, to []string, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", n.cfg.From, n.cfg.FromName)
	msg.SetHeader("Bcc", to...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if err := n.sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("email: send %q: %w", subject, err)
	}
	n.logger.Info(ctx, "email notification sent", "episode_id", ep.ID, "recipients", len(to))
	return nil
}

func (n *Notifier) addresses(ids ...string) []string {
	var out []string
	for _, id := range ids {
		switch {
		case id == "":
		case strings.Contains(id, "@"):
			out = append(out, id)
		case n.cfg.SupervisorDomain != "":
			out = append(out, id+"@"+n.cfg.SupervisorDomain)
		}
	}
	return out
}
