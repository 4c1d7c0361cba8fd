package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/flowmetrics/internal/domain"
	"github.com/splax/flowmetrics/internal/repository"
	"github.com/splax/flowmetrics/internal/repository/record"
)

// Repository implements repository.MetricsRepository on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New constructs a Repository.
func New(pool *pgxpool.Pool, log *slog.Logger) *Repository {
	if log == nil {
		log = slog.Default()
	}
	return &Repository{pool: pool, log: log.With("component", "postgres")}
}

// ensure Repository satisfies interfaces.
var _ repository.MetricsRepository = (*Repository)(nil)

// WriteEntry inserts entry. Writers of the same process model are serialised by a
// transaction scoped advisory lock so row ids follow commit order.
func (r *Repository) WriteEntry(ctx context.Context, entry domain.MetricEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	processModelID := entry.ProcessModelID()
	if processModelID == "" {
		return &repository.StorageError{Op: "write", Err: repository.ErrInvalidArgument}
	}
	line, err := record.Encode(entry)
	if err != nil {
		return &repository.StorageError{Op: "encode", ProcessModelID: processModelID, Err: err}
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return r.storageErr(ctx, "begin", processModelID, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, processModelID); err != nil {
		return r.storageErr(ctx, "lock", processModelID, err)
	}

	const query = `INSERT INTO metric_entries (process_model_id, correlation_id, flow_node_instance_id, measurement_point, occurred_at, record)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, query,
		processModelID,
		entry.CorrelationID(),
		nilIfEmpty(entry.FlowNodeInstanceID()),
		entry.MeasurementPoint().String(),
		entry.Timestamp(),
		strings.TrimSuffix(string(line), "\n"),
	); err != nil {
		return r.storageErr(ctx, "insert", processModelID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return r.storageErr(ctx, "commit", processModelID, err)
	}
	return nil
}

// ReadEntriesForProcessModel lists the entries of a process model in insertion order.
func (r *Repository) ReadEntriesForProcessModel(ctx context.Context, processModelID string) (repository.ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return repository.ReadResult{}, err
	}
	processModelID = strings.TrimSpace(processModelID)
	if processModelID == "" {
		return repository.ReadResult{}, &repository.StorageError{Op: "read", Err: repository.ErrInvalidArgument}
	}

	const query = `SELECT id, record FROM metric_entries WHERE process_model_id = $1 ORDER BY id ASC`
	rows, err := r.pool.Query(ctx, query, processModelID)
	if err != nil {
		return repository.ReadResult{}, r.storageErr(ctx, "read", processModelID, err)
	}
	defer rows.Close()

	entries := make([]domain.MetricEntry, 0)
	var skipped []repository.CorruptionError
	for rows.Next() {
		var (
			id   int64
			line string
		)
		if err := rows.Scan(&id, &line); err != nil {
			return repository.ReadResult{}, r.storageErr(ctx, "scan", processModelID, err)
		}
		entry, err := record.Decode([]byte(line))
		if err != nil {
			skipped = append(skipped, repository.CorruptionError{Position: "row " + strconv.FormatInt(id, 10), Reason: err.Error()})
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return repository.ReadResult{}, r.storageErr(ctx, "read", processModelID, err)
	}
	if len(skipped) > 0 {
		r.log.Warn("skipped corrupt metric rows", "process_model_id", processModelID, "count", len(skipped))
	}
	return repository.ReadResult{
		Entries: entries,
		Warning: repository.NewPartialReadWarning(processModelID, skipped),
	}, nil
}

// Ping verifies the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// storageErr classifies a driver error. Context errors pass through untouched.
func (r *Repository) storageErr(ctx context.Context, op, processModelID string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23514", "22P02", "22001", "23502":
			err = fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
		}
	}
	return &repository.StorageError{Op: op, ProcessModelID: processModelID, Err: err}
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
