package notify

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/validq/internal/episode"
)

// Notification kinds used in logs and metric labels.
const (
	KindSupervisor  = "supervisor"
	KindCoordinator = "coordinator"
	KindEscalation  = "escalation"
)

// RetryConfig bounds the retry loop for emergency deliveries.
type RetryConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryConfig returns the retry bounds used when none are configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      30 * time.Second,
	}
}

// Hooks are optional callbacks for metrics.
type Hooks struct {
	OnDelivery func(kind string, emergency bool, err error)
	OnRetry    func(kind string)
}

// Retrying wraps a channel and retries deliveries for emergency episodes
// with exponential backoff. Other deliveries are attempted once. Wrap single
// channels, not a Multi: a retry resends on every channel it wraps.
type Retrying struct {
	next   episode.Notifier
	cfg    RetryConfig
	logger log.Logger
	hooks  Hooks
}

// NewRetrying wraps next. Zero fields in cfg take their DefaultRetryConfig values.
func NewRetrying(next episode.Notifier, cfg RetryConfig, logger log.Logger, hooks Hooks) *Retrying {
	if next == nil {
		panic(xerrors.New("retrying notifier requires a channel"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	def := DefaultRetryConfig()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = def.MaxElapsed
	}
	return &Retrying{next: next, cfg: cfg, logger: logger, hooks: hooks}
}

// RetryEach wraps every channel of m in its own Retrying, so a failing
// channel is retried without resending on channels that already delivered.
func RetryEach(m Multi, cfg RetryConfig, logger log.Logger, hooks Hooks) Multi {
	out := make(Multi, len(m))
	for i, n := range m {
		out[i] = NewRetrying(n, cfg, logger, hooks)
	}
	return out
}

func (r *Retrying) NotifySupervisor(ctx context.Context, ep *episode.Episode, supervisorID string, emergency bool) error {
	return r.deliver(ctx, KindSupervisor, ep, emergency || isEmergency(ep), func() error {
		return r.next.NotifySupervisor(ctx, ep, supervisorID, emergency)
	})
}

func (r *Retrying) NotifyCareCoordinator(ctx context.Context, ep *episode.Episode, v *episode.HumanValidation) error {
	return r.deliver(ctx, KindCoordinator, ep, isEmergency(ep), func() error {
		return r.next.NotifyCareCoordinator(ctx, ep, v)
	})
}

func (r *Retrying) SendEscalationNotification(ctx context.Context, ep *episode.Episode, reason string, candidates []string) error {
	return r.deliver(ctx, KindEscalation, ep, isEmergency(ep), func() error {
		return r.next.SendEscalationNotification(ctx, ep, reason, candidates)
	})
}

func (r *Retrying) deliver(ctx context.Context, kind string, ep *episode.Episode, emergency bool, send func() error) error {
	var err error
	if !emergency {
		err = send()
	} else {
		err = r.retry(ctx, kind, ep, send)
	}
	if r.hooks.OnDelivery != nil {
		r.hooks.OnDelivery(kind, emergency, err)
	}
	return err
}

func (r *Retrying) retry(ctx context.Context, kind string, ep *episode.Episode, send func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, send()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(r.cfg.MaxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn(ctx, "emergency notification failed, retrying",
				"kind", kind,
				"episode_id", ep.ID,
				"urgency", ep.Urgency.String(),
				"wait", wait.String(),
				"err", err.Error(),
			)
			if r.hooks.OnRetry != nil {
				r.hooks.OnRetry(kind)
			}
		}),
	)
	if err != nil {
		r.logger.Error(ctx, err, "emergency notification gave up",
			"kind", kind,
			"episode_id", ep.ID,
			"attempts", r.cfg.MaxAttempts,
		)
	}
	return err
}

func isEmergency(ep *episode.Episode) bool {
	return ep != nil && ep.Urgency == episode.UrgencyEmergency
}
