package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/splax/flowmetrics/internal/ws"
)

func (r *Router) streamTarget(w http.ResponseWriter, req *http.Request) (*ws.Hub, string, bool) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return nil, "", false
	}
	hub := r.metrics.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live stream disabled")
		return nil, "", false
	}
	processModelID := strings.TrimSpace(req.URL.Query().Get("process_model_id"))
	if processModelID == "" {
		writeError(w, http.StatusBadRequest, "process_model_id query parameter required")
		return nil, "", false
	}
	return hub, processModelID, true
}

func (r *Router) handleEntriesWS(w http.ResponseWriter, req *http.Request) {
	hub, processModelID, ok := r.streamTarget(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	release := r.trackSubscriber("websocket")
	hub.Register(processModelID, client)
	go func() {
		defer func() {
			hub.Unregister(processModelID, client)
			client.Close()
			release()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleEntriesSSE(w http.ResponseWriter, req *http.Request) {
	hub, processModelID, ok := r.streamTarget(w, req)
	if !ok {
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := http.NewResponseController(w).Flush(); err != nil {
		r.logger.Error("sse flush failed", "error", err)
		return
	}

	client := ws.NewSSEClient(w, r.logger)
	defer r.trackSubscriber("sse")()
	hub.Register(processModelID, client)
	defer func() {
		hub.Unregister(processModelID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
