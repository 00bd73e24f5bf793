// Package ledger records a durable history of transfer outcomes in
// Postgres. This is a genuine gap in spec.md's scope: the original tool
// only ever logged transfer results to its text log, so operators had no
// queryable record of what had been received. It is grounded on the
// teacher's postgres job repository (pool.Exec / RowsAffected pattern),
// generalized from job-status updates to transfer-result inserts.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/naojsoft/datasink/internal/transfer"
)

// Ledger persists transfer.Result records keyed by correlation ID.
type Ledger interface {
	Record(ctx context.Context, correlationID, action string, res *transfer.Result, errMsg string) error
}

type pgLedger struct {
	pool *pgxpool.Pool
}

// New creates a Postgres-backed Ledger. Callers typically disable this
// entirely (config.LedgerConfig.Enabled == false) for deployments that
// don't need a transfer audit trail.
func New(pool *pgxpool.Pool) Ledger {
	return &pgLedger{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS transfer_ledger (
	id             bigserial PRIMARY KEY,
	correlation_id text NOT NULL,
	action         text NOT NULL,
	src_host       text,
	src_path       text,
	dst_host       text,
	dst_path       text,
	method         text,
	exit_code      integer,
	file_size      bigint,
	md5sum         text,
	error_message  text,
	time_start     timestamptz,
	time_done      timestamptz,
	created_at     timestamptz NOT NULL DEFAULT now()
)`

// EnsureSchema creates the transfer_ledger table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ledger: ensure schema: %w", err)
	}
	return nil
}

// Record inserts one transfer outcome. res may be nil if the transfer
// failed before a Result was produced (e.g. bad destination policy).
func (l *pgLedger) Record(ctx context.Context, correlationID, action string, res *transfer.Result, errMsg string) error {
	query := `
		INSERT INTO transfer_ledger
			(correlation_id, action, src_host, src_path, dst_host, dst_path,
			 method, exit_code, file_size, md5sum, error_message, time_start, time_done)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	var srcHost, srcPath, dstHost, dstPath, method, md5sum string
	var exitCode int
	var fileSize int64
	var timeStart, timeDone *time.Time

	if res != nil {
		srcHost, srcPath, dstHost, dstPath, method = res.SrcHost, res.SrcPath, res.DstHost, res.DstPath, res.Method
		exitCode, fileSize, md5sum = res.ExitCode, res.FileSize, res.MD5Sum
		ts, td := res.TimeStart, res.TimeDone
		timeStart, timeDone = &ts, &td
	}

	tag, err := l.pool.Exec(ctx, query,
		correlationID, action, srcHost, srcPath, dstHost, dstPath,
		method, exitCode, fileSize, md5sum, errMsg, timeStart, timeDone,
	)
	if err != nil {
		return fmt.Errorf("ledger: record transfer: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("ledger: expected 1 row inserted, got %d", tag.RowsAffected())
	}
	return nil
}
