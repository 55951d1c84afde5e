package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresTableName         = "broker_message"
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 50 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBroker is a Broker on a single Postgres table. Dequeue leases rows
// with FOR UPDATE SKIP LOCKED so concurrent workers never share a message.
type PostgresBroker struct {
	dsn          string
	tableName    string
	visibility   time.Duration
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresBroker returns a broker; the table is created on first use.
func NewPostgresBroker(dsn string, visibility time.Duration) (*PostgresBroker, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("queue: postgres dsn is required")
	}
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &PostgresBroker{
		dsn:          dsn,
		tableName:    postgresTableName,
		visibility:   visibility,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (b *PostgresBroker) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(b.tableName)
		stmts := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					seq BIGSERIAL,
					lane TEXT NOT NULL,
					priority INT NOT NULL,
					payload TEXT NOT NULL,
					attempt INT NOT NULL DEFAULT 0,
					enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					visible_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					leased_until TIMESTAMPTZ
				)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (lane, priority, seq)",
				postgresQuoteIdentifier(b.tableName+"_lane_order_idx"), table),
		}
		for _, q := range stmts {
			if _, err := db.ExecContext(ctx, q); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBroker) Enqueue(ctx context.Context, m Message) (string, error) {
	if err := checkMessage(&m); err != nil {
		return "", err
	}
	if err := b.ensureReady(); err != nil {
		return "", err
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now()
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = now
	}
	visible := now
	if m.NotBefore.After(now) {
		visible = m.NotBefore
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, lane, priority, payload, attempt, enqueued_at, visible_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query,
		m.ID, string(m.Lane), int(m.Priority), string(m.Payload), m.Attempt, m.EnqueuedAt, visible)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", m.Lane, err)
	}
	return m.ID, nil
}

func (b *PostgresBroker) Dequeue(ctx context.Context, lane Lane) (*Message, error) {
	if !validLane(lane) {
		return nil, checkMessage(&Message{Lane: lane})
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	for {
		m, err := b.tryDequeue(ctx, lane)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

func (b *PostgresBroker) tryDequeue(ctx context.Context, lane Lane) (*Message, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(b.tableName)
	query := fmt.Sprintf(`
		SELECT id, priority, payload, attempt, enqueued_at
		FROM %s
		WHERE lane = $1
		  AND visible_at <= NOW()
		  AND (leased_until IS NULL OR leased_until <= NOW())
		ORDER BY priority ASC, seq ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, table)
	var (
		m       = Message{Lane: lane}
		prio    int
		payload string
	)
	err = tx.QueryRowContext(ctx, query, string(lane)).Scan(&m.ID, &prio, &payload, &m.Attempt, &m.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lease := fmt.Sprintf("UPDATE %s SET leased_until = NOW() + $2::double precision * INTERVAL '1 millisecond' WHERE id = $1", table)
	if _, err := tx.ExecContext(ctx, lease, m.ID, b.visibility.Milliseconds()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	m.Priority = Priority(prio)
	m.Payload = json.RawMessage(payload)
	return &m, nil
}

func (b *PostgresBroker) Ack(ctx context.Context, lane Lane, id string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND lane = $2 AND leased_until IS NOT NULL",
		postgresQuoteIdentifier(b.tableName))
	res, err := b.db.ExecContext(ctx, query, id, string(lane))
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownMessage
	}
	return nil
}

func (b *PostgresBroker) Nack(ctx context.Context, lane Lane, id string, delay time.Duration) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET leased_until = NULL,
		    attempt = attempt + 1,
		    visible_at = NOW() + $3::double precision * INTERVAL '1 millisecond'
		WHERE id = $1 AND lane = $2 AND leased_until IS NOT NULL`, postgresQuoteIdentifier(b.tableName))
	res, err := b.db.ExecContext(ctx, query, id, string(lane), delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownMessage
	}
	return nil
}

func (b *PostgresBroker) Depth(ctx context.Context, lane Lane) (int, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE lane = $1 AND (leased_until IS NULL OR leased_until <= NOW())`, postgresQuoteIdentifier(b.tableName))
	var n int
	if err := b.db.QueryRowContext(ctx, query, string(lane)).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (b *PostgresBroker) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
