// Package validationapi exposes the validation workflow and the escalation
// triggers over HTTP.
package validationapi

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/validq/internal/authmw"
	"github.com/linnemanlabs/validq/internal/escalation"
	"github.com/linnemanlabs/validq/internal/postgres"
	"github.com/linnemanlabs/validq/internal/queue"
	"github.com/linnemanlabs/validq/internal/workflow"
)

// maxBodyBytes bounds request payloads.
const maxBodyBytes = 64 << 10

// Coordinator defines the workflow operations the API needs.
type Coordinator interface {
	Submit(ctx context.Context, req workflow.SubmitRequest) (*workflow.SubmitResult, error)
	Status(ctx context.Context, id string) (*workflow.StatusResult, error)
	List(ctx context.Context, f queue.Filter) (*workflow.ListResult, error)
	Decision(ctx context.Context, req workflow.DecisionRequest) (*workflow.DecisionResult, error)
	Statistics(ctx context.Context) (*workflow.StatisticsResult, error)
	Sweep(ctx context.Context) (*escalation.SweepReport, error)
	SupervisorUnavailable(ctx context.Context, supervisorID string) (*escalation.UnavailabilityReport, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	coord  Coordinator
}

// New creates a new API handler.
func New(logger log.Logger, coord Coordinator) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if coord == nil {
		panic(xerrors.New("workflow coordinator is required"))
	}
	return &API{
		logger: logger,
		coord:  coord,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.dbStats)

		r.Post("/validations", a.handleSubmit)
		r.Get("/validations/{id}", a.handleStatus)
		r.Post("/validations/{id}/decision", a.handleDecision)

		r.Get("/queue", a.handleList)
		r.Get("/queue/stats", a.handleStats)

		r.Post("/escalations/sweep", a.handleSweep)
		r.Post("/supervisors/{id}/unavailable", a.handleUnavailable)
	})
}

// dbStats attaches per-request query accounting and reports it once the
// handler returns.
func (a *API) dbStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, stats := postgres.WithReqDBStats(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))

		queries, errs, dur := stats.Snapshot()
		if queries == 0 {
			return
		}
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("db.queries", queries),
			attribute.Int("db.errors", errs),
			attribute.Float64("db.duration_ms", float64(dur.Microseconds())/1000),
		)
		a.logger.Info(ctx, "request db stats",
			"db.queries", queries,
			"db.errors", errs,
			"db.duration", dur,
			"caller", authmw.CallerFromContext(ctx),
		)
	})
}
