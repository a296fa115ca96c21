package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/validq/internal/audit"
	vc "github.com/linnemanlabs/validq/internal/cfg"
	"github.com/linnemanlabs/validq/internal/episode"
	"github.com/linnemanlabs/validq/internal/episode/memstore"
	"github.com/linnemanlabs/validq/internal/episode/pgstore"
	"github.com/linnemanlabs/validq/internal/notify"
	"github.com/linnemanlabs/validq/internal/notify/email"
	"github.com/linnemanlabs/validq/internal/notify/slack"
	"github.com/linnemanlabs/validq/internal/postgres"
)

// registerDBMetrics installs the per-query duration histogram as the
// postgres query observer.
func registerDBMetrics(reg prometheus.Registerer) {
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "validq_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route", "outcome"})
	reg.MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, operation, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(operation, route, outcome).Observe(dur.Seconds())
		},
	))
}

// openStore returns the postgres store when a database URL is configured and
// the in-memory store otherwise.
func openStore(ctx context.Context, L log.Logger, c *vc.Config) (episode.Store, func(), error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		return memstore.New(), func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolOptions{
		MaxConns:  int32(c.DBMaxConns), //nolint:gosec // validated 1..1000
		SlowQuery: c.SlowQuery(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	store, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres store", "max_conns", c.DBMaxConns)
	return store, pool.Close, nil
}

// buildChannels fans out to every configured notification channel. Each
// channel retries emergency deliveries on its own.
func buildChannels(ctx context.Context, L log.Logger, c *vc.Config, retry notify.RetryConfig, hooks notify.Hooks) episode.Notifier {
	var channels notify.Multi
	if c.SlackWebhookURL != "" {
		channels = append(channels, slack.New(c.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	ec := email.Config{
		Host:               c.SMTPHost,
		Port:               c.SMTPPort,
		User:               c.SMTPUser,
		Password:           c.SMTPPassword,
		From:               c.SMTPFrom,
		InsecureSkipVerify: c.SMTPInsecureSkipVerify,
		Coordinators:       c.CoordinatorEmailList(),
		SupervisorDomain:   c.SupervisorEmailDomain,
	}
	if ec.Enabled() {
		channels = append(channels, email.New(ec, L))
		L.Info(ctx, "notifier enabled", "type", "email", "smtp_host", ec.Host, "coordinators", len(ec.Coordinators))
	}

	if len(channels) == 0 {
		L.Warn(ctx, "no notification channel configured, notifications are dropped")
		return notify.Nop{}
	}
	return notify.RetryEach(channels, retry, L, hooks)
}

// buildAudit always logs audit events and also publishes them to Kafka when
// brokers are configured.
func buildAudit(ctx context.Context, L log.Logger, c *vc.Config) (audit.Sink, error) {
	sinks := audit.Multi{audit.NewLogSink(L)}
	if brokers := c.KafkaBrokerList(); len(brokers) > 0 {
		ks, err := audit.NewKafkaSink(audit.KafkaConfig{Brokers: brokers, Topic: c.KafkaTopic})
		if err != nil {
			return nil, fmt.Errorf("kafka audit sink: %w", err)
		}
		sinks = append(sinks, ks)
		L.Info(ctx, "audit sink enabled", "type", "kafka", "topic", c.KafkaTopic, "brokers", len(brokers))
	}
	return sinks, nil
}
