package conflict

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

// canonical, incoming, base, changes, provider_data and resolved_value are jsonb.
const conflictCols = `id, job_id, connection_id, entity_type, record_id, provider_id, identity,
	type, severity, status, canonical, incoming, base, changes, provider_data,
	strategy, winner, resolved_value, resolved_deleted, reason, resolved_by, resolved_at,
	applied, prior_conflict_id, created_at`

func (r *repoPG) Create(ctx context.Context, c *Conflict) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sync_conflict (id, job_id, connection_id, entity_type, record_id, provider_id, identity,
			type, severity, status, canonical, incoming, base, changes, provider_data,
			strategy, winner, resolved_value, resolved_deleted, reason, resolved_by, resolved_at,
			prior_conflict_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		RETURNING created_at`,
		c.ID, c.JobID, c.ConnectionID, c.EntityType, c.RecordID, c.ProviderID, c.Identity,
		c.Type, c.Severity, c.Status, c.Canonical, c.Incoming, c.Base, c.Changes, c.ProviderData,
		c.Strategy, c.Winner, c.ResolvedValue, c.ResolvedDeleted, c.Reason, c.ResolvedBy, c.ResolvedAt,
		c.PriorConflictID,
	).Scan(&c.CreatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Conflict, error) {
	c, err := scanConflict(r.conn(ctx).QueryRow(ctx, `SELECT `+conflictCols+` FROM sync_conflict WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Conflict, int, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.ConnectionID != nil {
		add("connection_id = $%d", *f.ConnectionID)
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.ProviderID != "" {
		add("provider_id = $%d", f.ProviderID)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.JobID != nil {
		add("job_id = $%d", *f.JobID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM sync_conflict`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+conflictCols+` FROM sync_conflict%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, where, n+1, n+2),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *repoPG) MarkResolved(ctx context.Context, c *Conflict) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_conflict SET
			status=$2, severity=$3, strategy=$4, winner=$5, resolved_value=$6, resolved_deleted=$7,
			reason=$8, resolved_by=$9, resolved_at=$10
		WHERE id = $1 AND status = 'unresolved'`,
		c.ID, c.Status, c.Severity, c.Strategy, c.Winner, c.ResolvedValue, c.ResolvedDeleted,
		c.Reason, c.ResolvedBy, c.ResolvedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, c.ID); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

func (r *repoPG) MarkApplied(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE sync_conflict SET applied = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConflict(row pgx.Row) (*Conflict, error) {
	var c Conflict
	err := row.Scan(
		&c.ID, &c.JobID, &c.ConnectionID, &c.EntityType, &c.RecordID, &c.ProviderID, &c.Identity,
		&c.Type, &c.Severity, &c.Status, &c.Canonical, &c.Incoming, &c.Base, &c.Changes, &c.ProviderData,
		&c.Strategy, &c.Winner, &c.ResolvedValue, &c.ResolvedDeleted, &c.Reason, &c.ResolvedBy, &c.ResolvedAt,
		&c.Applied, &c.PriorConflictID, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
