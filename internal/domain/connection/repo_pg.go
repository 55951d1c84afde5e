package connection

import (
	"context"
	"errors"

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

const connCols = `id, name, provider, adapter, base_url, token_url, client_id, client_secret,
	scopes, status, default_strategy, last_tested_at, last_error, created_at, updated_at`

func (r *repoPG) scanConn(row pgx.Row) (*Connection, error) {
	var c Connection
	err := row.Scan(&c.ID, &c.Name, &c.Provider, &c.Adapter, &c.BaseURL, &c.TokenURL,
		&c.ClientID, &c.ClientSecret, &c.Scopes, &c.Status, &c.DefaultStrategy,
		&c.LastTestedAt, &c.LastError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) Create(ctx context.Context, c *Connection) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sync_connection (id, name, provider, adapter, base_url, token_url,
			client_id, client_secret, scopes, status, default_strategy)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		c.ID, c.Name, c.Provider, c.Adapter, c.BaseURL, c.TokenURL,
		c.ClientID, c.ClientSecret, c.Scopes, c.Status, c.DefaultStrategy,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	c, err := r.scanConn(r.conn(ctx).QueryRow(ctx, `SELECT `+connCols+` FROM sync_connection WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (r *repoPG) Update(ctx context.Context, c *Connection) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE sync_connection SET
			name=$2, provider=$3, adapter=$4, base_url=$5, token_url=$6, client_id=$7,
			client_secret=$8, scopes=$9, status=$10, default_strategy=$11,
			last_tested_at=$12, last_error=$13, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.Name, c.Provider, c.Adapter, c.BaseURL, c.TokenURL, c.ClientID,
		c.ClientSecret, c.Scopes, c.Status, c.DefaultStrategy, c.LastTestedAt, c.LastError,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Connection, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM sync_connection`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+connCols+` FROM sync_connection ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Connection
	for rows.Next() {
		c, err := r.scanConn(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}
