// Package pgstore provides a PostgreSQL implementation of episode.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/validq/internal/episode"
)

var tracer = otel.Tracer("github.com/linnemanlabs/validq/internal/episode/pgstore")

//go:embed schema.sql
var schema string

// Store persists episodes in PostgreSQL. The two secondary indexes of the
// episode.Store contract are btree indexes on the episodes table.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool and closes it.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

const episodeColumns = `id, patient_id, urgency, assessment, validation_status, assigned_supervisor,
	queued_at, human_validation, escalation_info, override_info, status, version, created_at, updated_at`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves an episode by ID.
func (s *Store) Get(ctx context.Context, id string) (*episode.Episode, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	e, err := scanEpisode(s.pool.QueryRow(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return e, e != nil, nil
}

// Put inserts or replaces an episode. Used by intake and test fixtures.
func (s *Store) Put(ctx context.Context, e *episode.Episode) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	cp := e.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	args, err := rowArgs(cp)
	if err != nil {
		return fail(span, err)
	}

	query := `INSERT INTO episodes (` + episodeColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (id) DO UPDATE SET
		patient_id          = EXCLUDED.patient_id,
		urgency             = EXCLUDED.urgency,
		assessment          = EXCLUDED.assessment,
		validation_status   = EXCLUDED.validation_status,
		assigned_supervisor = EXCLUDED.assigned_supervisor,
		queued_at           = EXCLUDED.queued_at,
		human_validation    = EXCLUDED.human_validation,
		escalation_info     = EXCLUDED.escalation_info,
		override_info       = EXCLUDED.override_info,
		status              = EXCLUDED.status,
		version             = EXCLUDED.version,
		updated_at          = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fail(span, fmt.Errorf("upsert episode: %w", err))
	}
	return nil
}

// Update locks the row, applies the patch and writes it back in one
// transaction, so conditional patches see the committed state.
func (s *Store) Update(ctx context.Context, id string, p *episode.Patch) error {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	defer span.End()
	span.SetAttributes(
		attribute.String("episode.id", id),
		attribute.Bool("episode.require_pending", p.RequirePending),
	)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	e, err := scanEpisode(tx.QueryRow(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return fail(span, err)
	}
	if e == nil {
		return fail(span, episode.NotFound("pgstore.Update", id))
	}
	if err := p.Apply(e, s.now()); err != nil {
		return fail(span, err)
	}

	args, err := rowArgs(e)
	if err != nil {
		return fail(span, err)
	}
	// created_at never changes
	args = append(args[:12:12], args[13])
	query := `UPDATE episodes SET
		patient_id = $2, urgency = $3, assessment = $4, validation_status = $5,
		assigned_supervisor = $6, queued_at = $7, human_validation = $8,
		escalation_info = $9, override_info = $10, status = $11, version = $12,
		updated_at = $13
	WHERE id = $1`
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fail(span, fmt.Errorf("update episode: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Query serves both indexes with a single parameterised statement.
func (s *Store) Query(ctx context.Context, q episode.Query) ([]*episode.Episode, error) {
	ctx, span := startSpan(ctx, "pgstore.Query", "SELECT")
	defer span.End()
	span.SetAttributes(attribute.String("db.index", string(q.Index)))

	if err := q.Validate(); err != nil {
		return nil, fail(span, err)
	}
	sql, args := buildQuery(q)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query episodes: %w", err))
	}
	defer rows.Close()

	out := make([]*episode.Episode, 0)
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("rows: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// buildQuery renders the index key condition, filters, order and limit.
func buildQuery(q episode.Query) (string, []any) {
	var (
		where = []string{"validation_status = $1"}
		args  = []any{string(q.ValidationStatus)}
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if q.Index == episode.IndexStatusSupervisor {
		where = append(where, "assigned_supervisor = "+arg(q.Supervisor))
	}
	if !q.QueuedBefore.IsZero() {
		where = append(where, "queued_at < "+arg(q.QueuedBefore))
	}
	if len(q.Urgencies) > 0 {
		names := make([]string, 0, len(q.Urgencies))
		for _, u := range q.Urgencies {
			names = append(names, urgencyText(u))
		}
		where = append(where, "urgency = ANY("+arg(names)+")")
	}

	dir := "ASC"
	if q.Newest {
		dir = "DESC"
	}
	sql := `SELECT ` + episodeColumns + ` FROM episodes WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY queued_at ` + dir + ` NULLS LAST, id ASC`
	if q.Limit > 0 {
		sql += " LIMIT " + arg(q.Limit)
	}
	return sql, args
}

func urgencyText(u episode.UrgencyLevel) string {
	b, _ := u.MarshalText()
	return string(b)
}

func rowArgs(e *episode.Episode) ([]any, error) {
	assessment, err := jsonOrNil(e.Assessment)
	if err != nil {
		return nil, fmt.Errorf("marshal assessment: %w", err)
	}
	validation, err := jsonOrNil(e.Validation)
	if err != nil {
		return nil, fmt.Errorf("marshal human validation: %w", err)
	}
	escalation, err := jsonOrNil(e.EscalationInfo)
	if err != nil {
		return nil, fmt.Errorf("marshal escalation info: %w", err)
	}
	override, err := jsonOrNil(e.OverrideInfo)
	if err != nil {
		return nil, fmt.Errorf("marshal override info: %w", err)
	}

	var queuedAt *time.Time
	if !e.QueuedAt.IsZero() {
		queuedAt = &e.QueuedAt
	}

	return []any{
		e.ID, e.PatientID, urgencyText(e.Urgency), assessment, string(e.ValidationStatus),
		e.AssignedSupervisor, queuedAt, validation, escalation, override,
		string(e.Status), e.Version, e.CreatedAt, e.UpdatedAt,
	}, nil
}

// jsonOrNil keeps absent sub-documents as SQL NULL.
func jsonOrNil[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// scanEpisode scans a single row. Returns (nil, nil) when no row is found.
func scanEpisode(row pgx.Row) (*episode.Episode, error) {
	var (
		e                                         episode.Episode
		urgency, validationStatus, status         string
		assessment, validation, escalation, ovrde []byte
		queuedAt                                  *time.Time
	)
	err := row.Scan(
		&e.ID, &e.PatientID, &urgency, &assessment, &validationStatus, &e.AssignedSupervisor,
		&queuedAt, &validation, &escalation, &ovrde, &status, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	e.Urgency = episode.ParseUrgency(urgency)
	e.ValidationStatus = episode.ValidationStatus(validationStatus)
	e.Status = episode.Status(status)
	if queuedAt != nil {
		e.QueuedAt = queuedAt.UTC()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()

	if e.Assessment, err = unmarshalOrNil[episode.TriageAssessment](assessment); err != nil {
		return nil, fmt.Errorf("unmarshal assessment: %w", err)
	}
	if e.Validation, err = unmarshalOrNil[episode.HumanValidation](validation); err != nil {
		return nil, fmt.Errorf("unmarshal human validation: %w", err)
	}
	if e.EscalationInfo, err = unmarshalOrNil[episode.EscalationInfo](escalation); err != nil {
		return nil, fmt.Errorf("unmarshal escalation info: %w", err)
	}
	if e.OverrideInfo, err = unmarshalOrNil[episode.OverrideInfo](ovrde); err != nil {
		return nil, fmt.Errorf("unmarshal override info: %w", err)
	}
	return &e, nil
}

func unmarshalOrNil[T any](b []byte) (*T, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
