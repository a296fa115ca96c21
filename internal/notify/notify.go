// Package notify composes notification channels: fan-out to several
// channels, a no-op channel, and bounded retry for emergency-tier deliveries.
package notify

import (
	"context"
	"errors"

	"github.com/linnemanlabs/validq/internal/episode"
)

// Multi delivers every notification to all channels. A failing channel does
// not stop the others; their errors are joined.
type Multi []episode.Notifier

func (m Multi) NotifySupervisor(ctx context.Context, ep *episode.Episode, supervisorID string, emergency bool) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifySupervisor(ctx, ep, supervisorID, emergency))
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyCareCoordinator(ctx context.Context, ep *episode.Episode, v *episode.HumanValidation) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyCareCoordinator(ctx, ep, v))
	}
	return errors.Join(errs...)
}

func (m Multi) SendEscalationNotification(ctx context.Context, ep *episode.Episode, reason string, candidates []string) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.SendEscalationNotification(ctx, ep, reason, candidates))
	}
	return errors.Join(errs...)
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) NotifySupervisor(context.Context, *episode.Episode, string, bool) error { return nil }

func (Nop) NotifyCareCoordinator(context.Context, *episode.Episode, *episode.HumanValidation) error {
	return nil
}

func (Nop) SendEscalationNotification(context.Context, *episode.Episode, string, []string) error {
	return nil
}
