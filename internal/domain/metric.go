package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MeasurementPoint names the lifecycle moment a metric entry was recorded at.
type MeasurementPoint string

const (
	OnEnter           MeasurementPoint = "onEnter"
	OnExit            MeasurementPoint = "onExit"
	OnError           MeasurementPoint = "onError"
	OnSuspend         MeasurementPoint = "onSuspend"
	OnResume          MeasurementPoint = "onResume"
	OnProcessStarted  MeasurementPoint = "onProcessStarted"
	OnProcessFinished MeasurementPoint = "onProcessFinished"
	OnProcessError    MeasurementPoint = "onProcessError"
)

var measurementPoints = []MeasurementPoint{
	OnEnter,
	OnExit,
	OnError,
	OnSuspend,
	OnResume,
	OnProcessStarted,
	OnProcessFinished,
	OnProcessError,
}

// MeasurementPoints returns every known measurement point.
func MeasurementPoints() []MeasurementPoint {
	return append([]MeasurementPoint(nil), measurementPoints...)
}

// ParseMeasurementPoint resolves a wire name to a MeasurementPoint.
func ParseMeasurementPoint(value string) (MeasurementPoint, error) {
	candidate := MeasurementPoint(strings.TrimSpace(value))
	if candidate.Valid() {
		return candidate, nil
	}
	return "", &ValidationError{Field: "measurement_point", Reason: fmt.Sprintf("unknown measurement point %q", value)}
}

// Valid reports whether p is part of the closed set.
func (p MeasurementPoint) Valid() bool {
	for _, known := range measurementPoints {
		if p == known {
			return true
		}
	}
	return false
}

// IsError reports whether entries at p must carry error information.
func (p MeasurementPoint) IsError() bool {
	return p == OnError || p == OnProcessError
}

// IsProcessScoped reports whether p describes a process instance rather than a flow node instance.
func (p MeasurementPoint) IsProcessScoped() bool {
	return p == OnProcessStarted || p == OnProcessFinished || p == OnProcessError
}

func (p MeasurementPoint) String() string {
	return string(p)
}

// ErrorInfo describes a failure observed by the engine.
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// NewErrorInfo captures err for recording. It returns nil for a nil error.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Message: err.Error(), Type: fmt.Sprintf("%T", err)}
}

// MetricEntryParams carries the attributes used to build a MetricEntry.
type MetricEntryParams struct {
	Timestamp          time.Time
	CorrelationID      string
	ProcessModelID     string
	FlowNodeInstanceID string
	FlowNodeID         string
	MeasurementPoint   MeasurementPoint
	Error              *ErrorInfo
	TokenSnapshot      json.RawMessage
}

// MetricEntry is one recorded lifecycle event. It cannot be changed after construction.
type MetricEntry struct {
	timestamp          time.Time
	correlationID      string
	processModelID     string
	flowNodeInstanceID string
	flowNodeID         string
	measurementPoint   MeasurementPoint
	errorInfo          *ErrorInfo
	tokenSnapshot      json.RawMessage
}

// NewMetricEntry validates params and builds an entry.
func NewMetricEntry(params MetricEntryParams) (MetricEntry, error) {
	if params.Timestamp.IsZero() {
		return MetricEntry{}, &ValidationError{Field: "timestamp", Reason: "timestamp is required"}
	}
	correlationID := strings.TrimSpace(params.CorrelationID)
	if correlationID == "" {
		return MetricEntry{}, &ValidationError{Field: "correlation_id", Reason: "correlation id is required"}
	}
	processModelID := strings.TrimSpace(params.ProcessModelID)
	if processModelID == "" {
		return MetricEntry{}, &ValidationError{Field: "process_model_id", Reason: "process model id is required"}
	}
	if !params.MeasurementPoint.Valid() {
		return MetricEntry{}, &ValidationError{Field: "measurement_point", Reason: fmt.Sprintf("unknown measurement point %q", params.MeasurementPoint)}
	}

	flowNodeInstanceID := strings.TrimSpace(params.FlowNodeInstanceID)
	flowNodeID := strings.TrimSpace(params.FlowNodeID)
	if (flowNodeInstanceID == "") != (flowNodeID == "") {
		return MetricEntry{}, &ValidationError{Field: "flow_node", Reason: "flow node instance id and flow node id must be set together"}
	}
	flowNodeScoped := flowNodeInstanceID != ""
	if params.MeasurementPoint.IsProcessScoped() && flowNodeScoped {
		return MetricEntry{}, &ValidationError{Field: "flow_node", Reason: fmt.Sprintf("%s is process scoped and cannot reference a flow node", params.MeasurementPoint)}
	}
	if !params.MeasurementPoint.IsProcessScoped() && !flowNodeScoped {
		return MetricEntry{}, &ValidationError{Field: "flow_node", Reason: fmt.Sprintf("%s requires a flow node instance", params.MeasurementPoint)}
	}

	if params.MeasurementPoint.IsError() && params.Error == nil {
		return MetricEntry{}, &ValidationError{Field: "error", Reason: fmt.Sprintf("%s requires error info", params.MeasurementPoint)}
	}
	if !params.MeasurementPoint.IsError() && params.Error != nil {
		return MetricEntry{}, &ValidationError{Field: "error", Reason: fmt.Sprintf("%s cannot carry error info", params.MeasurementPoint)}
	}

	var snapshot json.RawMessage
	if len(bytes.TrimSpace(params.TokenSnapshot)) > 0 {
		if !flowNodeScoped {
			return MetricEntry{}, &ValidationError{Field: "token_snapshot", Reason: "token snapshots are only recorded for flow node instances"}
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, params.TokenSnapshot); err != nil {
			return MetricEntry{}, &ValidationError{Field: "token_snapshot", Reason: fmt.Sprintf("token snapshot is not valid JSON: %v", err)}
		}
		snapshot = json.RawMessage(buf.Bytes())
	}

	var errInfo *ErrorInfo
	if params.Error != nil {
		copied := *params.Error
		errInfo = &copied
	}

	return MetricEntry{
		timestamp:          params.Timestamp.UTC(),
		correlationID:      correlationID,
		processModelID:     processModelID,
		flowNodeInstanceID: flowNodeInstanceID,
		flowNodeID:         flowNodeID,
		measurementPoint:   params.MeasurementPoint,
		errorInfo:          errInfo,
		tokenSnapshot:      snapshot,
	}, nil
}

func (e MetricEntry) Timestamp() time.Time               { return e.timestamp }
func (e MetricEntry) CorrelationID() string              { return e.correlationID }
func (e MetricEntry) ProcessModelID() string             { return e.processModelID }
func (e MetricEntry) FlowNodeInstanceID() string         { return e.flowNodeInstanceID }
func (e MetricEntry) FlowNodeID() string                 { return e.flowNodeID }
func (e MetricEntry) MeasurementPoint() MeasurementPoint { return e.measurementPoint }

// IsFlowNodeScoped reports whether the entry references a flow node instance.
func (e MetricEntry) IsFlowNodeScoped() bool {
	return e.flowNodeInstanceID != ""
}

// ErrorInfo returns a copy of the recorded failure, or nil.
func (e MetricEntry) ErrorInfo() *ErrorInfo {
	if e.errorInfo == nil {
		return nil
	}
	copied := *e.errorInfo
	return &copied
}

// TokenSnapshot returns a copy of the recorded token snapshot, or nil.
func (e MetricEntry) TokenSnapshot() json.RawMessage {
	if len(e.tokenSnapshot) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), e.tokenSnapshot...)
}

// Params returns the attributes the entry was built from.
func (e MetricEntry) Params() MetricEntryParams {
	return MetricEntryParams{
		Timestamp:          e.timestamp,
		CorrelationID:      e.correlationID,
		ProcessModelID:     e.processModelID,
		FlowNodeInstanceID: e.flowNodeInstanceID,
		FlowNodeID:         e.flowNodeID,
		MeasurementPoint:   e.measurementPoint,
		Error:              e.ErrorInfo(),
		TokenSnapshot:      e.TokenSnapshot(),
	}
}

// Equal reports whether both entries carry the same values in every field.
func (e MetricEntry) Equal(other MetricEntry) bool {
	if !e.timestamp.Equal(other.timestamp) ||
		e.correlationID != other.correlationID ||
		e.processModelID != other.processModelID ||
		e.flowNodeInstanceID != other.flowNodeInstanceID ||
		e.flowNodeID != other.flowNodeID ||
		e.measurementPoint != other.measurementPoint {
		return false
	}
	if (e.errorInfo == nil) != (other.errorInfo == nil) {
		return false
	}
	if e.errorInfo != nil && *e.errorInfo != *other.errorInfo {
		return false
	}
	return bytes.Equal(e.tokenSnapshot, other.tokenSnapshot)
}
