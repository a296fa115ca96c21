package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const modulePrefix = "github.com/linnemanlabs/validq/"

var observer atomic.Pointer[observerHolder]

type observerHolder struct{ QueryObserver }

// QueryObserver receives one call per finished statement.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, operation, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, operation, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, operation, route, outcome string, dur time.Duration) {
	f(ctx, operation, route, outcome, dur)
}

// SetQueryObserver installs the process-wide observer; nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerHolder{QueryObserver: o})
}

func currentObserver() QueryObserver {
	if h := observer.Load(); h != nil {
		return h.QueryObserver
	}
	return nil
}

// ReqDBStats accumulates the statements issued while serving one request.
type ReqDBStats struct {
	mu       sync.Mutex
	Queries  int
	Errors   int
	Duration time.Duration
}

// Add records one statement.
func (s *ReqDBStats) Add(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Queries++
	s.Duration += dur
	if err != nil {
		s.Errors++
	}
}

// Snapshot returns the counters under the lock.
func (s *ReqDBStats) Snapshot() (queries, errs int, dur time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Queries, s.Errors, s.Duration
}

type statsKey struct{}

// WithReqDBStats attaches a fresh ReqDBStats to ctx.
func WithReqDBStats(ctx context.Context) (context.Context, *ReqDBStats) {
	s := &ReqDBStats{}
	return context.WithValue(ctx, statsKey{}, s), s
}

// ReqDBStatsFromContext returns the stats attached by WithReqDBStats.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(statsKey{}).(*ReqDBStats)
	return s, ok
}

type inflightKey struct{}

// inflight is what TraceQueryStart hands to TraceQueryEnd.
type inflight struct {
	sql    string
	args   []any
	start  time.Time
	caller string
}

// queryTracer chains an inner tracer (otelpgx) with logging and metrics.
type queryTracer struct {
	inner pgx.QueryTracer
	slow  time.Duration
	now   func() time.Time
}

func newQueryTracer(inner pgx.QueryTracer, slow time.Duration) *queryTracer {
	return &queryTracer{inner: inner, slow: slow, now: time.Now}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q := &inflight{sql: data.SQL, args: data.Args, start: t.now(), caller: storeCaller()}

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if q.caller != "" {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("db.caller", q.caller))
		}
	}
	return context.WithValue(ctx, inflightKey{}, q)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, _ := ctx.Value(inflightKey{}).(*inflight)
	if q == nil {
		return
	}
	dur := t.now().Sub(q.start)
	op := operationName(data.CommandTag.String(), q.sql)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.Add(dur, data.Err)
	}

	if obs := currentObserver(); obs != nil {
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, op, routeFromContext(ctx), outcome, dur)
	}

	if data.Err == nil && t.slow > 0 && dur < t.slow {
		return
	}

	fields := []any{
		"db.operation.name", op,
		"db.statement", compactSQL(q.sql),
		"db.args", len(q.args),
		"db.duration", dur.Seconds(),
	}
	if data.Err == nil {
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}
	if q.caller != "" {
		fields = append(fields, "db.caller", q.caller)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// routeFromContext returns "METHOD /pattern" from chi, or "background" for
// statements issued outside a request (startup, sweeps driven in-process).
func routeFromContext(ctx context.Context) string {
	rc := chi.RouteContext(ctx)
	if rc == nil {
		return "background"
	}
	pattern := rc.RoutePattern()
	if pattern == "" {
		return "background"
	}
	if rc.RouteMethod != "" {
		return rc.RouteMethod + " " + pattern
	}
	return pattern
}

// operationName prefers the command tag and falls back to the first SQL
// keyword when the statement failed before producing one.
func operationName(tag, sql string) string {
	for _, s := range []string{tag, sql} {
		if f := strings.Fields(s); len(f) > 0 {
			return strings.ToUpper(f[0])
		}
	}
	return "UNKNOWN"
}

// compactSQL folds whitespace so multi-line statements log on one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// storeCaller walks the stack for the first function in this module outside
// the postgres package, which is the store method issuing the statement.
func storeCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, modulePrefix) &&
			!strings.HasPrefix(fr.Function, modulePrefix+"internal/postgres.") {
			return shortenFuncName(fr.Function)
		}
		if !more {
			return ""
		}
	}
}

// shortenFuncName trims the import path: ".../pgstore.(*Store).Get" becomes
// "pgstore.(*Store).Get".
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		return fn[i+1:]
	}
	return fn
}
