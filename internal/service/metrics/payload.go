package metrics

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/splax/flowmetrics/internal/domain"
	"github.com/splax/flowmetrics/internal/repository"
)

// EntryPayload is the JSON shape of a metric entry served to consumers.
type EntryPayload struct {
	Timestamp          string            `json:"timestamp"`
	CorrelationID      string            `json:"correlation_id"`
	ProcessModelID     string            `json:"process_model_id"`
	FlowNodeInstanceID string            `json:"flow_node_instance_id,omitempty"`
	FlowNodeID         string            `json:"flow_node_id,omitempty"`
	MeasurementPoint   string            `json:"measurement_point"`
	Error              *domain.ErrorInfo `json:"error,omitempty"`
	TokenSnapshot      json.RawMessage   `json:"token_snapshot,omitempty"`
}

// WarningPayload reports records skipped by a read.
type WarningPayload struct {
	Message string           `json:"message"`
	Skipped []SkippedPayload `json:"skipped"`
}

// SkippedPayload describes one skipped record.
type SkippedPayload struct {
	Position string `json:"position"`
	Reason   string `json:"reason"`
}

// NewEntryPayload converts an entry for streaming and read responses.
func NewEntryPayload(entry domain.MetricEntry) EntryPayload {
	return EntryPayload{
		Timestamp:          entry.Timestamp().UTC().Format(time.RFC3339Nano),
		CorrelationID:      entry.CorrelationID(),
		ProcessModelID:     entry.ProcessModelID(),
		FlowNodeInstanceID: entry.FlowNodeInstanceID(),
		FlowNodeID:         entry.FlowNodeID(),
		MeasurementPoint:   entry.MeasurementPoint().String(),
		Error:              entry.ErrorInfo(),
		TokenSnapshot:      entry.TokenSnapshot(),
	}
}

// NewEntryPayloads converts entries preserving order. The result is never nil.
func NewEntryPayloads(entries []domain.MetricEntry) []EntryPayload {
	out := make([]EntryPayload, 0, len(entries))
	for _, entry := range entries {
		out = append(out, NewEntryPayload(entry))
	}
	return out
}

// NewWarningPayload returns nil when the read skipped nothing.
func NewWarningPayload(warning *repository.PartialReadWarning) *WarningPayload {
	if warning == nil {
		return nil
	}
	skipped := make([]SkippedPayload, 0, len(warning.Skipped))
	for _, s := range warning.Skipped {
		skipped = append(skipped, SkippedPayload{Position: s.Position, Reason: s.Reason})
	}
	return &WarningPayload{Message: warning.Error(), Skipped: skipped}
}

// MarshalEntry encodes an entry for SSE/WebSocket clients.
func MarshalEntry(entry domain.MetricEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(NewEntryPayload(entry)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
