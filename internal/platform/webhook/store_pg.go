package webhook

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehrsync/internal/platform/db"
)

type storePG struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a Store backed by the sync_webhook_* tables.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (s *storePG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const subCols = `id, connection_id, url, secret, previous_secret, secret_rotated_at, events,
	algorithm, max_attempts, timeout_seconds, enabled, created_at, updated_at`

func scanSub(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(&sub.ID, &sub.ConnectionID, &sub.URL, &sub.Secret, &sub.PreviousSecret,
		&sub.SecretRotatedAt, &sub.Events, &sub.Algorithm, &sub.MaxAttempts, &sub.TimeoutSeconds,
		&sub.Enabled, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *storePG) Create(ctx context.Context, sub *Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	return s.conn(ctx).QueryRow(ctx, `
		INSERT INTO sync_webhook_subscription (id, connection_id, url, secret, previous_secret,
			secret_rotated_at, events, algorithm, max_attempts, timeout_seconds, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		sub.ID, sub.ConnectionID, sub.URL, sub.Secret, sub.PreviousSecret, sub.SecretRotatedAt,
		sub.Events, sub.Algorithm, sub.MaxAttempts, sub.TimeoutSeconds, sub.Enabled,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
}

func (s *storePG) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	sub, err := scanSub(s.conn(ctx).QueryRow(ctx, `SELECT `+subCols+` FROM sync_webhook_subscription WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (s *storePG) Update(ctx context.Context, sub *Subscription) error {
	err := s.conn(ctx).QueryRow(ctx, `
		UPDATE sync_webhook_subscription SET
			url=$2, secret=$3, previous_secret=$4, secret_rotated_at=$5, events=$6,
			algorithm=$7, max_attempts=$8, timeout_seconds=$9, enabled=$10, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		sub.ID, sub.URL, sub.Secret, sub.PreviousSecret, sub.SecretRotatedAt, sub.Events,
		sub.Algorithm, sub.MaxAttempts, sub.TimeoutSeconds, sub.Enabled,
	).Scan(&sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *storePG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM sync_webhook_subscription WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *storePG) List(ctx context.Context, connectionID *uuid.UUID) ([]*Subscription, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+subCols+` FROM sync_webhook_subscription
		WHERE ($1::uuid IS NULL OR connection_id = $1)
		ORDER BY created_at`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Subscription
	for rows.Next() {
		sub, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *storePG) RecordDelivery(ctx context.Context, d *Delivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return s.conn(ctx).QueryRow(ctx, `
		INSERT INTO sync_webhook_delivery (id, subscription_id, direction, event_type, event_id,
			payload_digest, status_code, outcome, attempt, signature_valid, job_id, error, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at`,
		d.ID, d.SubscriptionID, d.Direction, d.EventType, d.EventID, d.PayloadDigest,
		d.StatusCode, d.Outcome, d.Attempt, d.SignatureValid, d.JobID, d.Error, d.DurationMS,
	).Scan(&d.CreatedAt)
}

func (s *storePG) ListDeliveries(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, subscription_id, direction, event_type, event_id, payload_digest, status_code,
			outcome, attempt, signature_valid, job_id, error, duration_ms, created_at
		FROM sync_webhook_delivery WHERE subscription_id = $1
		ORDER BY created_at DESC LIMIT $2`, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.Direction, &d.EventType, &d.EventID,
			&d.PayloadDigest, &d.StatusCode, &d.Outcome, &d.Attempt, &d.SignatureValid, &d.JobID,
			&d.Error, &d.DurationMS, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
