package budget

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PgxQuerier is the subset of a pgx pool used by [PostgresStore]. It is
// satisfied by [*pgxpool.Pool] and pgxmock pools.
type PgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var (
	_ PgxQuerier = (*pgxpool.Pool)(nil)
	_ SpendStore = (*PostgresStore)(nil)
)

const (
	createSpendTableSQL = `CREATE TABLE IF NOT EXISTS budget_spend (
	tenant_id  TEXT        NOT NULL,
	period     TEXT        NOT NULL,
	amount     BIGINT      NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, period)
)`

	incrementSpendSQL = `INSERT INTO budget_spend (tenant_id, period, amount)
VALUES ($1, $2, $3)
ON CONFLICT (tenant_id, period)
DO UPDATE SET amount = budget_spend.amount + EXCLUDED.amount, updated_at = now()
RETURNING amount`

	currentSpendSQL = `SELECT amount FROM budget_spend WHERE tenant_id = $1 AND period = $2`
)

// PostgresStore keeps spend counters in the budget_spend table as integer
// micro-units. Increments are a single upsert, atomic under concurrent
// writers.
type PostgresStore struct {
	db     PgxQuerier
	tracer trace.Tracer
}

// NewPostgresStore creates a PostgresStore over db.
func NewPostgresStore(db PgxQuerier) *PostgresStore {
	return &PostgresStore{db: db, tracer: otel.Tracer(tracerName)}
}

// Migrate creates the budget_spend table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Migrate", createSpendTableSQL)
	_, err := s.db.Exec(ctx, createSpendTableSQL)
	finishSpan(span, err)
	if err != nil {
		return wrapDBError(err, "budget: migrate budget_spend failed")
	}
	return nil
}

// Increment implements [SpendStore].
func (s *PostgresStore) Increment(ctx context.Context, key SpendKey, micros int64) (int64, error) {
	ctx, span := s.startSpan(ctx, "Increment", incrementSpendSQL)
	var total int64
	err := s.db.QueryRow(ctx, incrementSpendSQL, key.TenantID, key.Period, micros).Scan(&total)
	finishSpan(span, err)
	if err != nil {
		return 0, wrapDBError(err, "budget: spend upsert failed")
	}
	return total, nil
}

// Current implements [SpendStore].
func (s *PostgresStore) Current(ctx context.Context, key SpendKey) (int64, error) {
	ctx, span := s.startSpan(ctx, "Current", currentSpendSQL)
	var total int64
	err := s.db.QueryRow(ctx, currentSpendSQL, key.TenantID, key.Period).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		err = nil
	}
	finishSpan(span, err)
	if err != nil {
		return 0, wrapDBError(err, "budget: spend query failed")
	}
	return total, nil
}

func (s *PostgresStore) startSpan(ctx context.Context, op, statement string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "postgres."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.statement", statement),
		),
	)
}
