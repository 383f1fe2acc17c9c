package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quaylabs/flasharb/types"
)

const executionsSchema = `
CREATE TABLE IF NOT EXISTS executions (
	execution_id TEXT PRIMARY KEY,
	fingerprint  BIGINT NOT NULL,
	success      BOOLEAN NOT NULL,
	profit_wei   NUMERIC,
	gas_used     BIGINT NOT NULL,
	gas_price    NUMERIC,
	tx_hash      TEXT,
	reason       TEXT,
	duration_ms  BIGINT NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL
)`

// PGSink persists execution results to Postgres.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink connects to the database and ensures the executions table.
func NewPGSink(ctx context.Context, dsn string) (*PGSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, executionsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure executions table: %w", err)
	}
	return &PGSink{pool: pool}, nil
}

// Record inserts one execution row.
func (s *PGSink) Record(ctx context.Context, res *types.ExecutionResult) error {
	var profit, gasPrice *string
	if res.Profit != nil {
		v := res.Profit.String()
		profit = &v
	}
	if res.GasPrice != nil {
		v := res.GasPrice.String()
		gasPrice = &v
	}
	var fingerprint int64
	if res.Opportunity != nil {
		fingerprint = int64(res.Opportunity.Fingerprint())
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions
			(execution_id, fingerprint, success, profit_wei, gas_used, gas_price,
			 tx_hash, reason, duration_ms, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (execution_id) DO NOTHING`,
		res.ExecutionID, fingerprint, res.Success, profit, int64(res.GasUsed),
		gasPrice, res.TxHash.Hex(), res.Reason, res.Duration.Milliseconds(),
		res.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", res.ExecutionID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PGSink) Close() {
	s.pool.Close()
}
