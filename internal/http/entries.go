package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/splax/flowmetrics/internal/domain"
	"github.com/splax/flowmetrics/internal/service/metrics"
)

// recordPath is a parsed recording route:
// /v1/correlation/{cid}/process_model/{pmid}/{action} or
// /v1/correlation/{cid}/process_model/{pmid}/flow_node_instance/{fniid}/{action}.
type recordPath struct {
	correlationID      string
	processModelID     string
	flowNodeInstanceID string
	action             string
}

func (p recordPath) flowNodeScoped() bool {
	return p.flowNodeInstanceID != ""
}

var (
	processActions  = map[string]bool{"started": true, "finished": true, "error": true}
	flowNodeActions = map[string]bool{"entered": true, "exited": true, "error": true, "suspended": true, "resumed": true}
)

func parseRecordPath(escapedPath string) (recordPath, bool) {
	trimmed := strings.TrimPrefix(escapedPath, apiPrefix+"/correlation/")
	if trimmed == escapedPath {
		return recordPath{}, false
	}
	raw := strings.Split(trimmed, "/")
	parts := make([]string, len(raw))
	for i, part := range raw {
		decoded, err := url.PathUnescape(part)
		if err != nil || strings.TrimSpace(decoded) == "" {
			return recordPath{}, false
		}
		parts[i] = decoded
	}
	switch {
	case len(parts) == 4 && parts[1] == "process_model" && processActions[parts[3]]:
		return recordPath{correlationID: parts[0], processModelID: parts[2], action: parts[3]}, true
	case len(parts) == 6 && parts[1] == "process_model" && parts[3] == "flow_node_instance" && flowNodeActions[parts[5]]:
		return recordPath{correlationID: parts[0], processModelID: parts[2], flowNodeInstanceID: parts[4], action: parts[5]}, true
	default:
		return recordPath{}, false
	}
}

// recordRequest is the body accepted by recording routes. Every field is optional.
type recordRequest struct {
	Timestamp    string            `json:"timestamp"`
	FlowNodeID   string            `json:"flow_node_id"`
	ProcessToken json.RawMessage   `json:"process_token"`
	Error        *domain.ErrorInfo `json:"error"`
}

func (r *Router) handleRecord(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	path, ok := parseRecordPath(req.URL.EscapedPath())
	if !ok {
		r.notFound(w)
		return
	}

	payload, timestamp, problem := r.decodeRecordRequest(w, req, path)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		r.observeRecord(path, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.cfg.WriteTimeout)
	defer cancel()
	status := http.StatusCreated
	if err := r.dispatchRecord(ctx, path, payload, timestamp); err != nil {
		if status = writeStoreError(w, err); status >= http.StatusInternalServerError {
			r.logger.Error("failed to record metric entry", "process_model_id", path.processModelID, "action", path.action, "error", err)
		}
	} else {
		writeJSON(w, status, map[string]string{"status": "recorded"})
	}
	r.observeRecord(path, status)
}

// decodeRecordRequest reads the body and checks it against the route. A
// non-empty problem describes why the request is rejected.
func (r *Router) decodeRecordRequest(w http.ResponseWriter, req *http.Request, path recordPath) (payload recordRequest, timestamp time.Time, problem string) {
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		return payload, timestamp, "invalid JSON body"
	}
	timestamp = r.now().UTC()
	if payload.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
		if err != nil {
			return payload, timestamp, "invalid timestamp format"
		}
		timestamp = parsed
	}
	if bytes.Equal(bytes.TrimSpace(payload.ProcessToken), []byte("null")) {
		payload.ProcessToken = nil
	}
	switch {
	case !path.flowNodeScoped() && strings.TrimSpace(payload.FlowNodeID) != "":
		return payload, timestamp, "flow_node_id is only accepted on flow node instance routes"
	case !path.flowNodeScoped() && len(payload.ProcessToken) > 0:
		return payload, timestamp, "process_token is only accepted on flow node instance routes"
	case path.action != "error" && payload.Error != nil:
		return payload, timestamp, "error is only accepted on error routes"
	}
	return payload, timestamp, ""
}

func (r *Router) dispatchRecord(ctx context.Context, path recordPath, payload recordRequest, timestamp time.Time) error {
	if !path.flowNodeScoped() {
		event := metrics.ProcessEvent{
			CorrelationID:  path.correlationID,
			ProcessModelID: path.processModelID,
			Timestamp:      timestamp,
		}
		switch path.action {
		case "started":
			return r.metrics.WriteOnProcessStarted(ctx, event)
		case "finished":
			return r.metrics.WriteOnProcessFinished(ctx, event)
		default:
			return r.metrics.WriteOnProcessError(ctx, event, payload.Error)
		}
	}

	event := metrics.FlowNodeEvent{
		CorrelationID:      path.correlationID,
		ProcessModelID:     path.processModelID,
		FlowNodeInstanceID: path.flowNodeInstanceID,
		FlowNodeID:         payload.FlowNodeID,
		TokenSnapshot:      payload.ProcessToken,
		Timestamp:          timestamp,
	}
	switch path.action {
	case "entered":
		return r.metrics.WriteOnFlowNodeInstanceEnter(ctx, event)
	case "exited":
		return r.metrics.WriteOnFlowNodeInstanceExit(ctx, event)
	case "suspended":
		return r.metrics.WriteOnFlowNodeInstanceSuspend(ctx, event)
	case "resumed":
		return r.metrics.WriteOnFlowNodeInstanceResume(ctx, event)
	default:
		return r.metrics.WriteOnFlowNodeInstanceError(ctx, event, payload.Error)
	}
}

// entriesResponse is the body of a read. Entries are in write order unless
// order=timestamp was requested.
type entriesResponse struct {
	ProcessModelID string                  `json:"process_model_id"`
	Entries        []metrics.EntryPayload  `json:"entries"`
	Warning        *metrics.WarningPayload `json:"warning,omitempty"`
}

func (r *Router) handleEntries(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	trimmed := strings.TrimPrefix(req.URL.EscapedPath(), apiPrefix+"/process_model/")
	escapedID, rest, found := strings.Cut(trimmed, "/")
	if !found || rest != "entries" {
		r.notFound(w)
		return
	}
	processModelID, err := url.PathUnescape(escapedID)
	if err != nil || strings.TrimSpace(processModelID) == "" {
		writeError(w, http.StatusBadRequest, "process model id required")
		return
	}
	order := strings.TrimSpace(req.URL.Query().Get("order"))
	if order != "" && order != "write" && order != "timestamp" {
		writeError(w, http.StatusBadRequest, "order must be write or timestamp")
		return
	}

	result, err := r.metrics.ReadEntriesForProcessModel(req.Context(), processModelID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// client went away
			return
		}
		if status := writeStoreError(w, err); status >= http.StatusInternalServerError {
			r.logger.Error("failed to read metric entries", "process_model_id", processModelID, "error", err)
		}
		return
	}
	entries := result.Entries
	if order == "timestamp" {
		entries = domain.SortByTimestamp(entries)
	}
	skipped := 0
	if result.Warning != nil {
		skipped = len(result.Warning.Skipped)
	}
	r.observeRead(order, len(entries), skipped)
	writeJSON(w, http.StatusOK, entriesResponse{
		ProcessModelID: processModelID,
		Entries:        metrics.NewEntryPayloads(entries),
		Warning:        metrics.NewWarningPayload(result.Warning),
	})
}
