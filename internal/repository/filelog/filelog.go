// Package filelog stores metric entries in one append-only log file per process model.
package filelog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/splax/flowmetrics/internal/domain"
	"github.com/splax/flowmetrics/internal/repository"
	"github.com/splax/flowmetrics/internal/repository/record"
)

const (
	fileSuffix    = ".log"
	tailScanChunk = 4096
)

// Store implements repository.MetricsRepository on the local filesystem.
type Store struct {
	dir    string
	fsync  bool
	logger *slog.Logger

	mu         sync.Mutex
	partitions map[string]*partition
	closed     bool

	encode func(domain.MetricEntry) ([]byte, error)
	sync   func(*os.File) error
}

// partition owns the log file of one process model. slot admits a single writer;
// committed is the length of the fully written prefix visible to readers.
type partition struct {
	id        string
	file      *os.File
	slot      chan struct{}
	committed atomic.Int64
}

// Option customises a Store.
type Option func(*Store)

// WithoutFsync skips the fsync after each append. Appends stay atomic for readers
// of this process but may be lost on power failure.
func WithoutFsync() Option {
	return func(s *Store) {
		s.fsync = false
	}
}

var _ repository.MetricsRepository = (*Store)(nil)

// New opens a Store rooted at dir, creating the directory when needed.
func New(dir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("filelog: empty data directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filelog: create data directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:        dir,
		fsync:      true,
		logger:     logger.With("component", "filelog"),
		partitions: make(map[string]*partition),
		encode:     record.Encode,
		sync:       (*os.File).Sync,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// WriteEntry appends entry to its process model's log. The append is all or nothing:
// on failure the file is truncated back to its previous length.
func (s *Store) WriteEntry(ctx context.Context, entry domain.MetricEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	processModelID := entry.ProcessModelID()
	if processModelID == "" {
		return &repository.StorageError{Op: "write", Err: repository.ErrInvalidArgument}
	}
	line, err := s.encode(entry)
	if err != nil {
		return &repository.StorageError{Op: "encode", ProcessModelID: processModelID, Err: err}
	}
	p, err := s.partition(processModelID, true)
	if err != nil {
		return &repository.StorageError{Op: "open", ProcessModelID: processModelID, Err: err}
	}

	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.slot }()
	if err := ctx.Err(); err != nil {
		return err
	}

	offset := p.committed.Load()
	n, err := p.file.WriteAt(line, offset)
	if err == nil && n != len(line) {
		err = io.ErrShortWrite
	}
	if err == nil && s.fsync {
		err = s.sync(p.file)
	}
	if err != nil {
		s.rollback(p, offset)
		return &repository.StorageError{Op: "append", ProcessModelID: processModelID, Err: err}
	}
	p.committed.Store(offset + int64(n))
	return nil
}

// ReadEntriesForProcessModel returns the committed entries of a process model.
// Damaged records are skipped and listed in the result warning.
func (s *Store) ReadEntriesForProcessModel(ctx context.Context, processModelID string) (repository.ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return repository.ReadResult{}, err
	}
	processModelID = strings.TrimSpace(processModelID)
	if processModelID == "" {
		return repository.ReadResult{}, &repository.StorageError{Op: "read", Err: repository.ErrInvalidArgument}
	}
	p, err := s.partition(processModelID, false)
	if err != nil {
		return repository.ReadResult{}, &repository.StorageError{Op: "open", ProcessModelID: processModelID, Err: err}
	}
	if p == nil {
		return repository.ReadResult{Entries: []domain.MetricEntry{}}, nil
	}

	committed := p.committed.Load()
	entries, damaged, err := record.ReadAll(ctx, io.NewSectionReader(p.file, 0, committed))
	if err != nil {
		if ctx.Err() != nil {
			return repository.ReadResult{}, ctx.Err()
		}
		return repository.ReadResult{}, &repository.StorageError{Op: "read", ProcessModelID: processModelID, Err: err}
	}
	skipped := corruptions(damaged)
	if len(skipped) > 0 {
		s.logger.Warn("skipped corrupt metric records", "process_model_id", processModelID, "count", len(skipped))
	}
	return repository.ReadResult{
		Entries: entries,
		Warning: repository.NewPartialReadWarning(processModelID, skipped),
	}, nil
}

// Close releases every open log file. The Store cannot be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for id, p := range s.partitions {
		p.slot <- struct{}{}
		if err := p.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		<-p.slot
	}
	s.partitions = nil
	return errors.Join(errs...)
}

// ReadFile decodes a log file directly, without a Store. It never modifies the file.
func ReadFile(ctx context.Context, path string) (repository.ReadResult, error) {
	processModelID := ProcessModelIDFromPath(path)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return repository.ReadResult{Entries: []domain.MetricEntry{}}, nil
	}
	if err != nil {
		return repository.ReadResult{}, &repository.StorageError{Op: "open", ProcessModelID: processModelID, Err: err}
	}
	defer f.Close()
	entries, damaged, err := record.ReadAll(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return repository.ReadResult{}, ctx.Err()
		}
		return repository.ReadResult{}, &repository.StorageError{Op: "read", ProcessModelID: processModelID, Err: err}
	}
	return repository.ReadResult{
		Entries: entries,
		Warning: repository.NewPartialReadWarning(processModelID, corruptions(damaged)),
	}, nil
}

// PathFor returns the log file holding a process model's entries below dir.
func PathFor(dir, processModelID string) string {
	return filepath.Join(dir, url.PathEscape(processModelID)+fileSuffix)
}

// ProcessModelIDFromPath reverses PathFor for a log file name.
func ProcessModelIDFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), fileSuffix)
	if id, err := url.PathUnescape(name); err == nil {
		return id
	}
	return name
}

func (s *Store) partition(processModelID string, create bool) (*partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, repository.ErrClosed
	}
	if p, ok := s.partitions[processModelID]; ok {
		return p, nil
	}

	path := PathFor(s.dir, processModelID)
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if !create && errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	committed, err := s.recoverTail(f, processModelID)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	p := &partition{id: processModelID, file: f, slot: make(chan struct{}, 1)}
	p.committed.Store(committed)
	s.partitions[processModelID] = p
	return p, nil
}

// recoverTail returns the length of the newline-terminated prefix of f and truncates
// any unterminated tail left by an interrupted append.
func (s *Store) recoverTail(f *os.File, processModelID string) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	end := size
	buf := make([]byte, tailScanChunk)
	for end > 0 {
		start := end - tailScanChunk
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if idx := bytes.LastIndexByte(chunk, '\n'); idx >= 0 {
			end = start + int64(idx) + 1
			break
		}
		end = start
	}
	if end < size {
		s.logger.Warn("truncating unterminated metric record", "process_model_id", processModelID, "offset", end, "bytes", size-end)
		if err := f.Truncate(end); err != nil {
			return 0, fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	return end, nil
}

func (s *Store) rollback(p *partition, offset int64) {
	if err := p.file.Truncate(offset); err != nil {
		s.logger.Error("failed to roll back metric append", "process_model_id", p.id, "offset", offset, "error", err)
	}
}

func corruptions(damaged []record.Damage) []repository.CorruptionError {
	if len(damaged) == 0 {
		return nil
	}
	out := make([]repository.CorruptionError, 0, len(damaged))
	for _, d := range damaged {
		out = append(out, repository.CorruptionError{Position: fmt.Sprintf("offset %d", d.Offset), Reason: d.Err.Error()})
	}
	return out
}
