// Package postgres is an optional persistent integration for the queue
// Adapter contract, backed by PostgreSQL. It is not part of the pool's core
// responsibility; the in-memory adapter in package
// queue remains the default.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // migration driver shim
	"github.com/pressly/goose/v3"

	"github.com/rezkam/workflowpool/queue"
)

func newReservationID() string { return uuid.NewString() }

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Config holds PostgreSQL connection configuration for the Adapter.
type Config struct {
	DSN             string
	MaxOpenConns    int           // 0 = auto-scale from GOMAXPROCS
	MaxIdleConns    int           // 0 = auto-scale from GOMAXPROCS
	ConnMaxLifetime time.Duration // 0 = 5m default
	ConnMaxIdleTime time.Duration // 0 = 1m default
}

// Adapter is a queue.Adapter backed by a `workflow_pool_jobs` table, using
// `SELECT ... FOR UPDATE SKIP LOCKED` to claim jobs safely under concurrent
// reservations.
type Adapter struct {
	pool *pgxpool.Pool
}

// New runs embedded migrations, opens a connection pool sized per cfg, and
// returns a ready Adapter.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if err := runMigrations(ctx, cfg.DSN); err != nil {
		return nil, fmt.Errorf("postgres queue: migrations: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres queue: parse dsn: %w", err)
	}

	maxConns := int32(cfg.MaxOpenConns)
	if maxConns <= 0 {
		maxConns = int32(runtime.GOMAXPROCS(0) * 4)
	}
	minConns := int32(cfg.MaxIdleConns)
	if minConns <= 0 {
		minConns = int32(runtime.GOMAXPROCS(0))
	}
	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime <= 0 {
		connMaxLifetime = 5 * time.Minute
	}
	connMaxIdleTime := cfg.ConnMaxIdleTime
	if connMaxIdleTime <= 0 {
		connMaxIdleTime = time.Minute
	}

	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = minConns
	poolConfig.MaxConnLifetime = connMaxLifetime
	poolConfig.MaxConnIdleTime = connMaxIdleTime
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET TIMEZONE='UTC'")
		return err
	}

	pgxPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres queue: new pool: %w", err)
	}
	if err := pgxPool.Ping(ctx); err != nil {
		pgxPool.Close()
		return nil, fmt.Errorf("postgres queue: ping: %w", err)
	}

	return &Adapter{pool: pgxPool}, nil
}

func runMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.ErrorContext(ctx, "postgres queue: failed to close migration connection", "error", err)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("up: %w", err)
	}
	return nil
}

func (a *Adapter) Enqueue(payload queue.Payload) error {
	ctx := context.Background()
	data, err := marshalData(payload.Data)
	if err != nil {
		return fmt.Errorf("postgres queue: marshal payload data: %w", err)
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO workflow_pool_jobs (job_id, priority, attempts, exclude_client_ids, data, state, available_at)
		VALUES ($1, $2, $3, $4, $5, 'waiting', now())
		ON CONFLICT (job_id) DO UPDATE SET
			priority = EXCLUDED.priority,
			attempts = EXCLUDED.attempts,
			exclude_client_ids = EXCLUDED.exclude_client_ids,
			data = EXCLUDED.data,
			state = 'waiting',
			available_at = now()
	`, payload.JobID, payload.Priority, payload.Attempts, excludeSlice(payload.ExcludeClientIds), data)
	if err != nil {
		return fmt.Errorf("postgres queue: enqueue: %w", err)
	}
	return nil
}

func (a *Adapter) Peek(n int) []queue.Payload {
	ctx := context.Background()
	rows, err := a.pool.Query(ctx, `
		SELECT job_id, priority, attempts, exclude_client_ids, data
		FROM workflow_pool_jobs
		WHERE state = 'waiting' AND available_at <= now()
		ORDER BY priority DESC, seq ASC
		LIMIT $1
	`, n)
	if err != nil {
		slog.ErrorContext(ctx, "postgres queue: peek failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []queue.Payload
	for rows.Next() {
		p, err := scanPayload(rows)
		if err != nil {
			slog.ErrorContext(ctx, "postgres queue: peek scan failed", "error", err)
			continue
		}
		out = append(out, p)
	}
	return out
}

func (a *Adapter) ReserveByID(jobID string) (*queue.Reservation, error) {
	ctx := context.Background()
	reservationID := newReservationID()

	row := a.pool.QueryRow(ctx, `
		UPDATE workflow_pool_jobs
		SET state = 'leased', reservation_id = $2
		WHERE job_id = (
			SELECT job_id FROM workflow_pool_jobs
			WHERE job_id = $1 AND state = 'waiting' AND available_at <= now()
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id, priority, attempts, exclude_client_ids, data
	`, jobID, reservationID)

	p, err := scanPayloadRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres queue: reserve by id: %w", err)
	}
	return &queue.Reservation{ID: reservationID, Payload: p}, nil
}

func (a *Adapter) Commit(reservationID string) error {
	ctx := context.Background()
	tag, err := a.pool.Exec(ctx, `
		UPDATE workflow_pool_jobs SET state = 'completed'
		WHERE reservation_id = $1 AND state = 'leased'
	`, reservationID)
	if err != nil {
		return fmt.Errorf("postgres queue: commit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrReservationNotFound{ReservationID: reservationID}
	}
	return nil
}

// Retry returns the leased row to waiting once delay has elapsed. The row
// keeps the attempts and exclusion set stored at Enqueue; changes made to
// the Reservation's Payload are not written back.
func (a *Adapter) Retry(reservationID string, delay time.Duration) error {
	ctx := context.Background()
	tag, err := a.pool.Exec(ctx, `
		UPDATE workflow_pool_jobs
		SET state = 'waiting', reservation_id = NULL, available_at = now() + $2
		WHERE reservation_id = $1 AND state = 'leased'
	`, reservationID, delay)
	if err != nil {
		return fmt.Errorf("postgres queue: retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrReservationNotFound{ReservationID: reservationID}
	}
	return nil
}

func (a *Adapter) Discard(reservationID string, _ error) error {
	ctx := context.Background()
	tag, err := a.pool.Exec(ctx, `
		UPDATE workflow_pool_jobs SET state = 'failed'
		WHERE reservation_id = $1 AND state = 'leased'
	`, reservationID)
	if err != nil {
		return fmt.Errorf("postgres queue: discard: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrReservationNotFound{ReservationID: reservationID}
	}
	return nil
}

func (a *Adapter) Remove(jobID string) bool {
	ctx := context.Background()
	tag, err := a.pool.Exec(ctx, `
		DELETE FROM workflow_pool_jobs WHERE job_id = $1 AND state = 'waiting'
	`, jobID)
	if err != nil {
		slog.ErrorContext(ctx, "postgres queue: remove failed", "job_id", jobID, "error", err)
		return false
	}
	return tag.RowsAffected() > 0
}

func (a *Adapter) Stats() queue.Stats {
	ctx := context.Background()
	var s queue.Stats
	err := a.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE state = 'waiting'),
			count(*) FILTER (WHERE state = 'leased'),
			count(*) FILTER (WHERE state = 'completed'),
			count(*) FILTER (WHERE state = 'failed')
		FROM workflow_pool_jobs
	`).Scan(&s.Waiting, &s.Leased, &s.Completed, &s.Failed)
	if err != nil {
		slog.ErrorContext(ctx, "postgres queue: stats failed", "error", err)
	}
	return s
}

func (a *Adapter) Close() error {
	a.pool.Close()
	return nil
}

func marshalData(data any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

func excludeSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func excludeSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayload(rows pgx.Rows) (queue.Payload, error) {
	return scanPayloadRow(rows)
}

func scanPayloadRow(row rowScanner) (queue.Payload, error) {
	var p queue.Payload
	var excludeIDs []string
	var data []byte

	if err := row.Scan(&p.JobID, &p.Priority, &p.Attempts, &excludeIDs, &data); err != nil {
		return queue.Payload{}, err
	}
	p.ExcludeClientIds = excludeSet(excludeIDs)
	if len(data) > 0 {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			p.Data = decoded
		}
	}
	return p, nil
}
