// Package repository persists trades in Postgres (production) or SQLite
// (local runs and tests) through one set of sqlx queries.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	appconfig "github.com/coinlordd/pear-limit-engine/config"
	"github.com/coinlordd/pear-limit-engine/models"
)

var ErrNotFound = errors.New("trade not found")

// TradeRepository is the persistence contract of the pipeline.
type TradeRepository interface {
	// Upsert inserts or overwrites the trade with the same id.
	Upsert(ctx context.Context, t *models.Trade) error
	Find(ctx context.Context, id uuid.UUID) (*models.Trade, error)
	// UpdateState moves a trade to state and, when result is non-nil,
	// replaces its result.
	UpdateState(ctx context.Context, id uuid.UUID, state models.TradeState, result *models.TradeResult) error
}

// SQL implements TradeRepository on a sqlx handle.
type SQL struct {
	db  *sqlx.DB
	now func() time.Time
}

func init() {
	// glebarez registers as "sqlite", which sqlx does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Open connects with the configured driver and applies pool limits.
func Open(ctx context.Context, cfg appconfig.DatabaseConfig) (*SQL, error) {
	var dsn string
	switch cfg.Driver {
	case "postgres":
		dsn = cfg.ConnString()
	case "sqlite":
		dsn = cfg.DSN
		if dsn == "" {
			dsn = "file:pear.db"
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := sqlx.ConnectContext(ctx, cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return New(db), nil
}

func New(db *sqlx.DB) *SQL {
	return &SQL{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *SQL) DB() *sqlx.DB { return r.db }

func (r *SQL) Close() error { return r.db.Close() }

const postgresSchema = `
CREATE TABLE IF NOT EXISTS trade (
	id           UUID PRIMARY KEY,
	state        TEXT NOT NULL,
	pair_id      TEXT NOT NULL DEFAULT '',
	order_id     TEXT NOT NULL DEFAULT '',
	ratio_target DOUBLE PRECISION NOT NULL,
	ratio_last   DOUBLE PRECISION,
	size         DOUBLE PRECISION NOT NULL,
	result       JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
)`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trade (
	id           TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	pair_id      TEXT NOT NULL DEFAULT '',
	order_id     TEXT NOT NULL DEFAULT '',
	ratio_target REAL NOT NULL,
	ratio_last   REAL,
	size         REAL NOT NULL,
	result       TEXT,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
)`

// EnsureSchema creates the trade table when it does not exist.
func (r *SQL) EnsureSchema(ctx context.Context) error {
	schema := postgresSchema
	if r.db.DriverName() == "sqlite" {
		schema = sqliteSchema
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create trade table: %w", err)
	}
	return nil
}

const upsertTrade = `
INSERT INTO trade (id, state, pair_id, order_id, ratio_target, ratio_last, size, result, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	state = excluded.state,
	pair_id = excluded.pair_id,
	order_id = excluded.order_id,
	ratio_target = excluded.ratio_target,
	ratio_last = excluded.ratio_last,
	size = excluded.size,
	result = excluded.result,
	updated_at = excluded.updated_at`

func (r *SQL) Upsert(ctx context.Context, t *models.Trade) error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("trade id is required")
	}
	if !t.State.Valid() {
		return fmt.Errorf("trade %s: invalid state %q", t.ID, t.State)
	}
	if t.Result != nil {
		if err := t.Result.Validate(); err != nil {
			return fmt.Errorf("trade %s: %w", t.ID, err)
		}
	}
	now := r.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(upsertTrade),
		t.ID, t.State, t.PairID, t.OrderID, t.RatioTarget, t.RatioLast, t.Size, t.Result, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert trade %s: %w", t.ID, err)
	}
	return nil
}

const selectTrade = `
SELECT id, state, pair_id, order_id, ratio_target, ratio_last, size, result, created_at, updated_at
FROM trade WHERE id = ?`

func (r *SQL) Find(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	var t models.Trade
	err := r.db.GetContext(ctx, &t, r.db.Rebind(selectTrade), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find trade %s: %w", id, err)
	}
	return &t, nil
}

func (r *SQL) UpdateState(ctx context.Context, id uuid.UUID, state models.TradeState, result *models.TradeResult) error {
	if !state.Valid() {
		return fmt.Errorf("trade %s: invalid state %q", id, state)
	}
	var (
		res sql.Result
		err error
	)
	if result != nil {
		if err := result.Validate(); err != nil {
			return fmt.Errorf("trade %s: %w", id, err)
		}
		res, err = r.db.ExecContext(ctx,
			r.db.Rebind(`UPDATE trade SET state = ?, result = ?, updated_at = ? WHERE id = ?`),
			state, result, r.now(), id)
	} else {
		res, err = r.db.ExecContext(ctx,
			r.db.Rebind(`UPDATE trade SET state = ?, updated_at = ? WHERE id = ?`),
			state, r.now(), id)
	}
	if err != nil {
		return fmt.Errorf("update trade %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trade %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByState returns how many trades sit in each state.
func (r *SQL) CountByState(ctx context.Context) (map[models.TradeState]int, error) {
	var rows []struct {
		State models.TradeState `db:"state"`
		N     int               `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT state, COUNT(*) AS n FROM trade GROUP BY state`); err != nil {
		return nil, fmt.Errorf("count trades: %w", err)
	}
	out := make(map[models.TradeState]int, len(rows))
	for _, row := range rows {
		out[row.State] = row.N
	}
	return out, nil
}
