package record

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehrsync/internal/engine/syncerr"
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

const recCols = `id, entity_type, identity, data, revision, deleted, modified_at, created_at, updated_at`

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recCols+` FROM canonical_record WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (r *repoPG) FindByIdentity(ctx context.Context, entityType, identity string) (*Record, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recCols+` FROM canonical_record WHERE entity_type = $1 AND identity = $2`,
		entityType, identity))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (r *repoPG) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Revision = 1
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO canonical_record (id, entity_type, identity, data, revision, deleted, modified_at)
		VALUES ($1, $2, $3, $4, 1, $5, COALESCE($6, NOW()))
		RETURNING modified_at, created_at, updated_at`,
		rec.ID, rec.EntityType, rec.Identity, rec.Data, rec.Deleted, nullTime(rec),
	).Scan(&rec.ModifiedAt, &rec.CreatedAt, &rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateIdentity
	}
	return err
}

func (r *repoPG) UpdateIfRevision(ctx context.Context, rec *Record, expected int64) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE canonical_record SET
			data = $3, deleted = $4, revision = revision + 1,
			modified_at = COALESCE($5, NOW()), updated_at = NOW()
		WHERE id = $1 AND revision = $2
		RETURNING revision, modified_at, updated_at`,
		rec.ID, expected, rec.Data, rec.Deleted, nullTime(rec),
	).Scan(&rec.Revision, &rec.ModifiedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := r.Get(ctx, rec.ID); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return syncerr.Wrap(ErrRevisionMismatch, syncerr.RevisionMismatch,
			fmt.Sprintf("%s %s expected revision %d", rec.EntityType, rec.ID, expected))
	}
	return err
}

func nullTime(rec *Record) interface{} {
	if rec.ModifiedAt.IsZero() {
		return nil
	}
	return rec.ModifiedAt
}

func (r *repoPG) List(ctx context.Context, entityType string, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM canonical_record WHERE entity_type = $1`, entityType,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recCols+` FROM canonical_record WHERE entity_type = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`,
		entityType, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	if err := row.Scan(&rec.ID, &rec.EntityType, &rec.Identity, &rec.Data, &rec.Revision,
		&rec.Deleted, &rec.ModifiedAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

const linkCols = `connection_id, entity_type, provider_id, record_id,
	canonical_revision, provider_revision, snapshot, synced_at`

func (r *repoPG) GetLink(ctx context.Context, connectionID uuid.UUID, entityType, providerID string) (*Link, error) {
	l, err := scanLink(r.conn(ctx).QueryRow(ctx, `
		SELECT `+linkCols+` FROM sync_link
		WHERE connection_id = $1 AND entity_type = $2 AND provider_id = $3`,
		connectionID, entityType, providerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func (r *repoPG) GetLinkByRecord(ctx context.Context, connectionID, recordID uuid.UUID) (*Link, error) {
	l, err := scanLink(r.conn(ctx).QueryRow(ctx, `
		SELECT `+linkCols+` FROM sync_link
		WHERE connection_id = $1 AND record_id = $2`,
		connectionID, recordID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func (r *repoPG) UpsertLink(ctx context.Context, l *Link) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sync_link (connection_id, entity_type, provider_id, record_id,
			canonical_revision, provider_revision, snapshot, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (connection_id, entity_type, provider_id) DO UPDATE SET
			record_id = EXCLUDED.record_id,
			canonical_revision = EXCLUDED.canonical_revision,
			provider_revision = EXCLUDED.provider_revision,
			snapshot = EXCLUDED.snapshot,
			synced_at = NOW()
		RETURNING synced_at`,
		l.ConnectionID, l.EntityType, l.ProviderID, l.RecordID,
		l.CanonicalRevision, l.ProviderRevision, l.Snapshot,
	).Scan(&l.SyncedAt)
}

func scanLink(row pgx.Row) (*Link, error) {
	var l Link
	if err := row.Scan(&l.ConnectionID, &l.EntityType, &l.ProviderID, &l.RecordID,
		&l.CanonicalRevision, &l.ProviderRevision, &l.Snapshot, &l.SyncedAt); err != nil {
		return nil, err
	}
	return &l, nil
}
