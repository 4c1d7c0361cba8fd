package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/splax/flowmetrics/internal/domain"
	"github.com/splax/flowmetrics/internal/repository"
	"github.com/splax/flowmetrics/internal/ws"
)

// ProcessEvent identifies a process instance lifecycle event.
type ProcessEvent struct {
	CorrelationID  string
	ProcessModelID string
	Timestamp      time.Time
}

// FlowNodeEvent identifies a flow node instance lifecycle event.
type FlowNodeEvent struct {
	CorrelationID      string
	ProcessModelID     string
	FlowNodeInstanceID string
	FlowNodeID         string
	TokenSnapshot      json.RawMessage
	Timestamp          time.Time
}

// Service records engine lifecycle events and serves them back per process model.
type Service struct {
	repo   repository.MetricsRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a recording service. hub may be nil when nothing streams entries.
func New(repo repository.MetricsRepository, hub *ws.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	initInstruments()
	return &Service{repo: repo, hub: hub, logger: logger.With("component", "metrics_service")}
}

// WriteOnProcessStarted records that a process instance started.
func (s *Service) WriteOnProcessStarted(ctx context.Context, event ProcessEvent) error {
	return s.record(ctx, processParams(event, domain.OnProcessStarted, nil))
}

// WriteOnProcessFinished records that a process instance finished.
func (s *Service) WriteOnProcessFinished(ctx context.Context, event ProcessEvent) error {
	return s.record(ctx, processParams(event, domain.OnProcessFinished, nil))
}

// WriteOnProcessError records that a process instance failed.
func (s *Service) WriteOnProcessError(ctx context.Context, event ProcessEvent, failure *domain.ErrorInfo) error {
	return s.record(ctx, processParams(event, domain.OnProcessError, failure))
}

// WriteOnFlowNodeInstanceEnter records that a flow node instance was entered.
func (s *Service) WriteOnFlowNodeInstanceEnter(ctx context.Context, event FlowNodeEvent) error {
	return s.record(ctx, flowNodeParams(event, domain.OnEnter, nil))
}

// WriteOnFlowNodeInstanceExit records that a flow node instance was left.
func (s *Service) WriteOnFlowNodeInstanceExit(ctx context.Context, event FlowNodeEvent) error {
	return s.record(ctx, flowNodeParams(event, domain.OnExit, nil))
}

// WriteOnFlowNodeInstanceError records that a flow node instance failed.
func (s *Service) WriteOnFlowNodeInstanceError(ctx context.Context, event FlowNodeEvent, failure *domain.ErrorInfo) error {
	return s.record(ctx, flowNodeParams(event, domain.OnError, failure))
}

// WriteOnFlowNodeInstanceSuspend records that a flow node instance was suspended.
func (s *Service) WriteOnFlowNodeInstanceSuspend(ctx context.Context, event FlowNodeEvent) error {
	return s.record(ctx, flowNodeParams(event, domain.OnSuspend, nil))
}

// WriteOnFlowNodeInstanceResume records that a flow node instance was resumed.
func (s *Service) WriteOnFlowNodeInstanceResume(ctx context.Context, event FlowNodeEvent) error {
	return s.record(ctx, flowNodeParams(event, domain.OnResume, nil))
}

// ReadEntriesForProcessModel returns every recorded entry of a process model in write order.
func (s *Service) ReadEntriesForProcessModel(ctx context.Context, processModelID string) (repository.ReadResult, error) {
	result, err := s.repo.ReadEntriesForProcessModel(ctx, processModelID)
	if err != nil {
		return repository.ReadResult{}, err
	}
	if result.Warning != nil {
		s.logger.Warn("partial metrics read", "process_model_id", processModelID, "skipped", len(result.Warning.Skipped))
	}
	return result, nil
}

// Hub exposes the live entry hub for streaming handlers.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

func (s *Service) record(ctx context.Context, params domain.MetricEntryParams) error {
	point := params.MeasurementPoint.String()
	entry, err := domain.NewMetricEntry(params)
	if err != nil {
		observeWrite(point, outcomeInvalid, 0)
		return err
	}

	start := time.Now()
	err = s.repo.WriteEntry(ctx, entry)
	elapsed := time.Since(start)
	if err != nil {
		observeWrite(point, outcomeFailed, elapsed)
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("failed to record metric entry",
				"process_model_id", entry.ProcessModelID(),
				"correlation_id", entry.CorrelationID(),
				"measurement_point", point,
				"error", err,
			)
		}
		return err
	}
	observeWrite(point, outcomeRecorded, elapsed)
	s.logger.Debug("metric entry recorded", "process_model_id", entry.ProcessModelID(), "measurement_point", point)
	s.broadcast(entry)
	return nil
}

func (s *Service) broadcast(entry domain.MetricEntry) {
	if s.hub == nil {
		return
	}
	payload, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal metric entry", "error", err)
		return
	}
	s.hub.Broadcast(entry.ProcessModelID(), payload)
}

func processParams(event ProcessEvent, point domain.MeasurementPoint, failure *domain.ErrorInfo) domain.MetricEntryParams {
	return domain.MetricEntryParams{
		Timestamp:        event.Timestamp,
		CorrelationID:    event.CorrelationID,
		ProcessModelID:   event.ProcessModelID,
		MeasurementPoint: point,
		Error:            failure,
	}
}

func flowNodeParams(event FlowNodeEvent, point domain.MeasurementPoint, failure *domain.ErrorInfo) domain.MetricEntryParams {
	return domain.MetricEntryParams{
		Timestamp:          event.Timestamp,
		CorrelationID:      event.CorrelationID,
		ProcessModelID:     event.ProcessModelID,
		FlowNodeInstanceID: event.FlowNodeInstanceID,
		FlowNodeID:         event.FlowNodeID,
		MeasurementPoint:   point,
		Error:              failure,
		TokenSnapshot:      event.TokenSnapshot,
	}
}
