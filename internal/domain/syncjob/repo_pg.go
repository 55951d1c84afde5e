package syncjob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehrsync/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const jobCols = `id, type, direction, priority, status, provider, connection_id,
	entity_type, resource_id, patient_id,
	attempt, retries, parent_job_id, schedule_id, cancel_requested,
	last_error, error_class, result,
	created_at, updated_at, started_at, finished_at`

const terminalStatuses = `('completed','failed','cancelled')`

func (r *repoPG) Create(ctx context.Context, j *Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sync_job (
			id, type, direction, priority, status, provider, connection_id,
			entity_type, resource_id, patient_id, scope_key,
			attempt, retries, parent_job_id, schedule_id, result
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		j.ID, j.Type, j.Direction, j.Priority, j.Status, j.Provider, j.ConnectionID,
		j.Scope.EntityType, j.Scope.ResourceID, j.Scope.PatientID, j.Scope.String(),
		j.Attempt, j.Retries, j.ParentJobID, j.ScheduleID, j.Result,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(r.conn(ctx).QueryRow(ctx, `SELECT `+jobCols+` FROM sync_job WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (r *repoPG) Update(ctx context.Context, j *Job) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE sync_job SET
			status=$2, attempt=$3, retries=$4, last_error=$5, error_class=$6, result=$7,
			started_at=$8, finished_at=$9, updated_at=NOW()
		WHERE id = $1 AND status NOT IN `+terminalStatuses+`
		RETURNING cancel_requested, updated_at`,
		j.ID, j.Status, j.Attempt, j.Retries, j.LastError, j.ErrorClass, j.Result,
		j.StartedAt, j.FinishedAt,
	).Scan(&j.CancelRequested, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.missingOrStale(ctx, j.ID)
	}
	return err
}

func (r *repoPG) Transition(ctx context.Context, id uuid.UUID, from []Status, to Status) (*Job, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	j, err := scanJob(r.conn(ctx).QueryRow(ctx, `
		UPDATE sync_job SET
			status = $2,
			started_at = CASE WHEN $2 = 'processing' AND started_at IS NULL THEN NOW() ELSE started_at END,
			finished_at = CASE WHEN $2 IN `+terminalStatuses+` THEN NOW() ELSE finished_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+jobCols,
		id, to, allowed,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missingOrStale(ctx, id)
	}
	return j, err
}

func (r *repoPG) RequestCancel(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(r.conn(ctx).QueryRow(ctx, `
		UPDATE sync_job SET
			cancel_requested = TRUE,
			status = CASE WHEN status = 'processing' THEN status ELSE 'cancelled' END,
			finished_at = CASE WHEN status = 'processing' THEN finished_at ELSE NOW() END,
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN `+terminalStatuses+`
		RETURNING `+jobCols,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missingOrStale(ctx, id)
	}
	return j, err
}

func (r *repoPG) missingOrStale(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sync_job WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleStatus
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Job, int, error) {
	where, args := filterClause(f)
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM sync_job`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+jobCols+` FROM sync_job%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, where, n+1, n+2),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectJobs(rows, total)
}

func filterClause(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Provider != "" {
		add("provider = $%d", f.Provider)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.ConnectionID != nil {
		add("connection_id = $%d", *f.ConnectionID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *repoPG) LastCompleted(ctx context.Context, connectionID uuid.UUID, scope Scope) (*Job, error) {
	j, err := scanJob(r.conn(ctx).QueryRow(ctx, `
		SELECT `+jobCols+` FROM sync_job
		WHERE connection_id = $1 AND scope_key = $2 AND status = 'completed' AND finished_at IS NOT NULL
		ORDER BY finished_at DESC LIMIT 1`,
		connectionID, scope.String(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (r *repoPG) AddError(ctx context.Context, e *SyncError) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sync_error (id, job_id, class, message, record_id, context)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		e.ID, e.JobID, e.Class, e.Message, e.RecordID, e.Context,
	).Scan(&e.CreatedAt)
}

func (r *repoPG) ListErrors(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]*SyncError, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM sync_error WHERE job_id = $1`, jobID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, job_id, class, message, record_id, context, created_at
		FROM sync_error WHERE job_id = $1
		ORDER BY created_at, id LIMIT $2 OFFSET $3`,
		jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*SyncError
	for rows.Next() {
		var e SyncError
		if err := rows.Scan(&e.ID, &e.JobID, &e.Class, &e.Message, &e.RecordID, &e.Context, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

func (r *repoPG) Aggregate(ctx context.Context, since time.Time) (*Aggregate, error) {
	a := &Aggregate{ByStatus: map[Status]int{}, ErrorBreakdown: map[string]int{}}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM((result->>'processed')::int), 0)
		FROM sync_job WHERE created_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var st Status
		var n, records int
		if err := rows.Scan(&st, &n, &records); err != nil {
			rows.Close()
			return nil, err
		}
		a.ByStatus[st] = n
		a.Records += records
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var meanMS float64
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(EXTRACT(EPOCH FROM (finished_at - started_at)) * 1000), 0)
		FROM sync_job
		WHERE created_at >= $1 AND status IN ('completed','failed')
		  AND started_at IS NOT NULL AND finished_at IS NOT NULL`, since,
	).Scan(&a.Finished, &meanMS); err != nil {
		return nil, err
	}
	a.TotalDuration = time.Duration(meanMS * float64(time.Millisecond))

	rows, err = r.conn(ctx).Query(ctx, `
		SELECT class, COUNT(*) FROM (
			SELECT e.class FROM sync_error e JOIN sync_job j ON j.id = e.job_id WHERE j.created_at >= $1
			UNION ALL
			SELECT error_class FROM sync_job WHERE created_at >= $1 AND error_class <> ''
		) c GROUP BY class`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var class string
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, err
		}
		a.ErrorBreakdown[class] = n
	}
	return a, rows.Err()
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Type, &j.Direction, &j.Priority, &j.Status, &j.Provider, &j.ConnectionID,
		&j.Scope.EntityType, &j.Scope.ResourceID, &j.Scope.PatientID,
		&j.Attempt, &j.Retries, &j.ParentJobID, &j.ScheduleID, &j.CancelRequested,
		&j.LastError, &j.ErrorClass, &j.Result,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows, total int) ([]*Job, int, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// ---------------------------------------------------------------------------
// Schedules
// ---------------------------------------------------------------------------

type scheduleRepoPG struct {
	pool *pgxpool.Pool
}

func NewScheduleRepo(pool *pgxpool.Pool) ScheduleRepository {
	return &scheduleRepoPG{pool: pool}
}

func (r *scheduleRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const scheduleCols = `id, connection_id, type, direction, priority,
	entity_type, resource_id, patient_id, interval_seconds, enabled,
	next_run_at, last_run_at, last_job_id, created_at, updated_at`

func (r *scheduleRepoPG) Upsert(ctx context.Context, s *Schedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sync_schedule (
			id, connection_id, type, direction, priority,
			entity_type, resource_id, patient_id, scope_key,
			interval_seconds, enabled, next_run_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (connection_id, scope_key) DO UPDATE SET
			type = EXCLUDED.type, direction = EXCLUDED.direction, priority = EXCLUDED.priority,
			interval_seconds = EXCLUDED.interval_seconds, enabled = EXCLUDED.enabled,
			next_run_at = EXCLUDED.next_run_at, updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		s.ID, s.ConnectionID, s.Type, s.Direction, s.Priority,
		s.Scope.EntityType, s.Scope.ResourceID, s.Scope.PatientID, s.ScopeKey(),
		int64(s.Interval/time.Second), s.Enabled, s.NextRunAt,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

func (r *scheduleRepoPG) Get(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	s, err := scanSchedule(r.conn(ctx).QueryRow(ctx, `SELECT `+scheduleCols+` FROM sync_schedule WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (r *scheduleRepoPG) List(ctx context.Context, connectionID *uuid.UUID, limit, offset int) ([]*Schedule, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_schedule WHERE $1::uuid IS NULL OR connection_id = $1`, connectionID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+scheduleCols+` FROM sync_schedule
		WHERE $1::uuid IS NULL OR connection_id = $1
		ORDER BY created_at LIMIT $2 OFFSET $3`,
		connectionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out, err := collectSchedules(rows)
	return out, total, err
}

func (r *scheduleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM sync_schedule WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *scheduleRepoPG) Due(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+scheduleCols+` FROM sync_schedule
		WHERE enabled AND next_run_at <= $1
		ORDER BY next_run_at LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *scheduleRepoPG) MarkRun(ctx context.Context, id, jobID uuid.UUID, ranAt, next time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_schedule SET last_run_at = $2, last_job_id = $3, next_run_at = $4, updated_at = NOW()
		WHERE id = $1`,
		id, ranAt, nullUUID(jobID), next)
	return err
}

// nullUUID stores uuid.Nil as NULL.
func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule
	var seconds int64
	err := row.Scan(
		&s.ID, &s.ConnectionID, &s.Type, &s.Direction, &s.Priority,
		&s.Scope.EntityType, &s.Scope.ResourceID, &s.Scope.PatientID, &seconds, &s.Enabled,
		&s.NextRunAt, &s.LastRunAt, &s.LastJobID, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Interval = time.Duration(seconds) * time.Second
	s.Cadence = s.Interval.String()
	return &s, nil
}

func collectSchedules(rows pgx.Rows) ([]*Schedule, error) {
	var out []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
