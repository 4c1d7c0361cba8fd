// Package redisstream stores metric entries in one Redis stream per process model.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/flowmetrics/internal/domain"
	"github.com/splax/flowmetrics/internal/repository"
	"github.com/splax/flowmetrics/internal/repository/record"
)

const (
	// DefaultPrefix namespaces stream keys.
	DefaultPrefix = "flowmetrics:metrics:"
	recordField   = "record"
	pageSize      = 500
)

// Store implements repository.MetricsRepository on Redis streams. XADD is atomic and
// Redis assigns increasing ids, so each stream holds a partition in commit order.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
	prefix string
}

var _ repository.MetricsRepository = (*Store)(nil)

// New wraps an existing client.
func New(client redis.UniversalClient, prefix string, logger *slog.Logger) *Store {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, prefix: prefix, logger: logger.With("component", "redisstream")}
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr, password string, db int, prefix string, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, prefix, logger), nil
}

// WriteEntry appends entry to its process model's stream.
func (s *Store) WriteEntry(ctx context.Context, entry domain.MetricEntry) error {
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
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(processModelID),
		Values: []any{recordField, strings.TrimSuffix(string(line), "\n")},
	}).Err()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &repository.StorageError{Op: "xadd", ProcessModelID: processModelID, Err: err}
	}
	return nil
}

// ReadEntriesForProcessModel returns the stream content present when the read began.
func (s *Store) ReadEntriesForProcessModel(ctx context.Context, processModelID string) (repository.ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return repository.ReadResult{}, err
	}
	processModelID = strings.TrimSpace(processModelID)
	if processModelID == "" {
		return repository.ReadResult{}, &repository.StorageError{Op: "read", Err: repository.ErrInvalidArgument}
	}
	key := s.key(processModelID)

	last, err := s.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return repository.ReadResult{}, s.storageErr(ctx, "xrevrange", processModelID, err)
	}
	entries := make([]domain.MetricEntry, 0)
	if len(last) == 0 {
		return repository.ReadResult{Entries: entries}, nil
	}
	end := last[0].ID

	var skipped []repository.CorruptionError
	start := "-"
	for {
		page, err := s.client.XRangeN(ctx, key, start, end, pageSize).Result()
		if err != nil {
			return repository.ReadResult{}, s.storageErr(ctx, "xrange", processModelID, err)
		}
		for _, msg := range page {
			entry, err := decodeMessage(msg)
			if err != nil {
				skipped = append(skipped, repository.CorruptionError{Position: "stream id " + msg.ID, Reason: err.Error()})
				continue
			}
			entries = append(entries, entry)
		}
		if len(page) < pageSize || page[len(page)-1].ID == end {
			break
		}
		start, err = nextID(page[len(page)-1].ID)
		if err != nil {
			return repository.ReadResult{}, s.storageErr(ctx, "xrange", processModelID, err)
		}
	}
	if len(skipped) > 0 {
		s.logger.Warn("skipped corrupt metric stream entries", "process_model_id", processModelID, "count", len(skipped))
	}
	return repository.ReadResult{
		Entries: entries,
		Warning: repository.NewPartialReadWarning(processModelID, skipped),
	}, nil
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(processModelID string) string {
	return s.prefix + processModelID
}

func (s *Store) storageErr(ctx context.Context, op, processModelID string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &repository.StorageError{Op: op, ProcessModelID: processModelID, Err: err}
}

func decodeMessage(msg redis.XMessage) (domain.MetricEntry, error) {
	raw, ok := msg.Values[recordField]
	if !ok {
		return domain.MetricEntry{}, fmt.Errorf("%w: missing %s field", record.ErrMalformed, recordField)
	}
	line, ok := raw.(string)
	if !ok {
		return domain.MetricEntry{}, fmt.Errorf("%w: unexpected %T value", record.ErrMalformed, raw)
	}
	return record.Decode([]byte(line))
}

// nextID returns the smallest stream id greater than id.
func nextID(id string) (string, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return "", errors.New("malformed stream id " + id)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return "", fmt.Errorf("malformed stream id %s: %w", id, err)
	}
	return ms + "-" + strconv.FormatUint(n+1, 10), nil
}
