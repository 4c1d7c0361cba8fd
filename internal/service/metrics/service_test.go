package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/splax/flowmetrics/internal/domain"
	"github.com/splax/flowmetrics/internal/repository"
	"github.com/splax/flowmetrics/internal/ws"
)

type stubRepo struct {
	mu       sync.Mutex
	entries  []domain.MetricEntry
	writeErr error
	read     repository.ReadResult
	readErr  error
}

func (r *stubRepo) WriteEntry(_ context.Context, entry domain.MetricEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *stubRepo) ReadEntriesForProcessModel(_ context.Context, processModelID string) (repository.ReadResult, error) {
	return r.read, r.readErr
}

func (r *stubRepo) snapshot() []domain.MetricEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.MetricEntry(nil), r.entries...)
}

type testSubscriber struct {
	ch chan []byte
}

func (s *testSubscriber) Send(payload []byte) error {
	s.ch <- payload
	return nil
}

func (s *testSubscriber) Close() {}

var base = time.Date(2025, time.November, 5, 12, 34, 56, 0, time.UTC)

func TestProcessOperationsNeverSetFlowNodeFields(t *testing.T) {
	repo := &stubRepo{}
	svc := New(repo, nil, nil)
	ctx := context.Background()
	event := ProcessEvent{CorrelationID: "c1", ProcessModelID: "p1", Timestamp: base}

	if err := svc.WriteOnProcessStarted(ctx, event); err != nil {
		t.Fatalf("started: %v", err)
	}
	if err := svc.WriteOnProcessFinished(ctx, event); err != nil {
		t.Fatalf("finished: %v", err)
	}
	if err := svc.WriteOnProcessError(ctx, event, domain.NewErrorInfo(errors.New("boom"))); err != nil {
		t.Fatalf("error: %v", err)
	}

	got := repo.snapshot()
	want := []domain.MeasurementPoint{domain.OnProcessStarted, domain.OnProcessFinished, domain.OnProcessError}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, entry := range got {
		if entry.MeasurementPoint() != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], entry.MeasurementPoint())
		}
		if entry.IsFlowNodeScoped() {
			t.Fatalf("entry %d: process entry carries flow node fields", i)
		}
	}
	if got[2].ErrorInfo() == nil || got[2].ErrorInfo().Message != "boom" {
		t.Fatalf("expected error info on process error, got %+v", got[2].ErrorInfo())
	}
}

func TestFlowNodeOperationsMapMeasurementPoints(t *testing.T) {
	repo := &stubRepo{}
	svc := New(repo, nil, nil)
	ctx := context.Background()
	event := FlowNodeEvent{
		CorrelationID:      "c1",
		ProcessModelID:     "p1",
		FlowNodeInstanceID: "f1",
		FlowNodeID:         "Task_1",
		TokenSnapshot:      json.RawMessage(`{"current": 1}`),
		Timestamp:          base,
	}

	ops := []func() error{
		func() error { return svc.WriteOnFlowNodeInstanceEnter(ctx, event) },
		func() error { return svc.WriteOnFlowNodeInstanceExit(ctx, event) },
		func() error {
			return svc.WriteOnFlowNodeInstanceError(ctx, event, &domain.ErrorInfo{Message: "task failed"})
		},
		func() error { return svc.WriteOnFlowNodeInstanceSuspend(ctx, event) },
		func() error { return svc.WriteOnFlowNodeInstanceResume(ctx, event) },
	}
	for i, op := range ops {
		if err := op(); err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
	}

	want := []domain.MeasurementPoint{domain.OnEnter, domain.OnExit, domain.OnError, domain.OnSuspend, domain.OnResume}
	got := repo.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, entry := range got {
		if entry.MeasurementPoint() != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], entry.MeasurementPoint())
		}
		if entry.FlowNodeID() != "Task_1" || entry.FlowNodeInstanceID() != "f1" {
			t.Fatalf("entry %d: unexpected flow node fields", i)
		}
		if string(entry.TokenSnapshot()) != `{"current":1}` {
			t.Fatalf("entry %d: unexpected snapshot %s", i, entry.TokenSnapshot())
		}
		if (entry.ErrorInfo() != nil) != (want[i] == domain.OnError) {
			t.Fatalf("entry %d: unexpected error info %+v", i, entry.ErrorInfo())
		}
	}
}

func TestErrorOperationsRequireErrorInfo(t *testing.T) {
	repo := &stubRepo{}
	svc := New(repo, nil, nil)
	err := svc.WriteOnFlowNodeInstanceError(context.Background(), FlowNodeEvent{
		CorrelationID:      "c1",
		ProcessModelID:     "p1",
		FlowNodeInstanceID: "f1",
		FlowNodeID:         "Task_1",
		Timestamp:          base,
	}, nil)
	if !errors.Is(err, domain.ErrInvalidEntry) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(repo.snapshot()) != 0 {
		t.Fatal("invalid entry must not reach the repository")
	}
}

func TestFlowNodeOperationRejectsMissingFlowNodeID(t *testing.T) {
	repo := &stubRepo{}
	svc := New(repo, nil, nil)
	err := svc.WriteOnFlowNodeInstanceEnter(context.Background(), FlowNodeEvent{
		CorrelationID:      "c1",
		ProcessModelID:     "p1",
		FlowNodeInstanceID: "f1",
		Timestamp:          base,
	})
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "flow_node" {
		t.Fatalf("expected flow_node validation error, got %v", err)
	}
}

func TestStorageErrorsSurface(t *testing.T) {
	storageErr := &repository.StorageError{Op: "append", ProcessModelID: "p1", Err: errors.New("disk full")}
	svc := New(&stubRepo{writeErr: storageErr}, nil, nil)
	err := svc.WriteOnProcessStarted(context.Background(), ProcessEvent{CorrelationID: "c1", ProcessModelID: "p1", Timestamp: base})
	if !errors.Is(err, repository.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestRecordedEntriesAreBroadcast(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Close()
	sub := &testSubscriber{ch: make(chan []byte, 1)}
	hub.Register("p1", sub)

	svc := New(&stubRepo{}, hub, nil)
	if err := svc.WriteOnProcessStarted(context.Background(), ProcessEvent{CorrelationID: "c1", ProcessModelID: "p1", Timestamp: base}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case payload := <-sub.ch:
		var msg EntryPayload
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		if msg.ProcessModelID != "p1" || msg.MeasurementPoint != "onProcessStarted" {
			t.Fatalf("unexpected broadcast %+v", msg)
		}
		if msg.Timestamp != base.Format(time.RFC3339Nano) {
			t.Fatalf("unexpected timestamp %s", msg.Timestamp)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected entry broadcast")
	}
}

type stalledSubscriber struct {
	release chan struct{}
}

func (s *stalledSubscriber) Send([]byte) error {
	<-s.release
	return nil
}

func (s *stalledSubscriber) Close() {}

func TestStalledSubscriberDoesNotBlockWrites(t *testing.T) {
	hub := ws.NewHub(ws.WithQueueSize(2))
	defer hub.Close()
	stalled := &stalledSubscriber{release: make(chan struct{})}
	defer close(stalled.release)
	hub.Register("slow-model", stalled)

	svc := New(&stubRepo{}, hub, nil)
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for i := 0; i < 10; i++ {
			if err := svc.WriteOnProcessStarted(ctx, ProcessEvent{CorrelationID: "c1", ProcessModelID: "slow-model", Timestamp: base}); err != nil {
				done <- err
				return
			}
		}
		done <- svc.WriteOnProcessStarted(ctx, ProcessEvent{CorrelationID: "c2", ProcessModelID: "unrelated", Timestamp: base})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("write: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("writes blocked behind a stalled subscriber")
	}
	if n := hub.Subscribers("slow-model"); n != 0 {
		t.Fatalf("expected overflowing subscriber to be dropped, %d remain", n)
	}
}

func TestReadPassesThroughWarning(t *testing.T) {
	warning := repository.NewPartialReadWarning("p1", []repository.CorruptionError{{Position: "offset 0", Reason: "checksum mismatch"}})
	svc := New(&stubRepo{read: repository.ReadResult{Entries: []domain.MetricEntry{}, Warning: warning}}, nil, nil)
	result, err := svc.ReadEntriesForProcessModel(context.Background(), "p1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if result.Warning != warning {
		t.Fatal("expected warning to be returned unchanged")
	}
	payload := NewWarningPayload(result.Warning)
	if payload == nil || len(payload.Skipped) != 1 || payload.Skipped[0].Position != "offset 0" {
		t.Fatalf("unexpected warning payload %+v", payload)
	}
	if NewWarningPayload(nil) != nil {
		t.Fatal("expected nil payload for nil warning")
	}
}
