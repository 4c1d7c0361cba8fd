package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/flowmetrics/internal/service/metrics"
)

// EngineTokenHeader carries the shared secret on recording routes.
const EngineTokenHeader = "X-Engine-Token"

// RequestIDHeader correlates a request with its audit log line.
const RequestIDHeader = "X-Request-ID"

const (
	apiPrefix          = "/v1"
	routeRecord        = "record"
	routeEntries       = "entries"
	routeStreamWS      = "stream_ws"
	routeStreamSSE     = "stream_sse"
	routeHealthz       = "healthz"
	defaultWriteWait   = 5 * time.Second
	defaultRateWindow  = time.Minute
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	maxBodyBytes       = 1 << 20
)

// Config carries router settings taken from the service configuration.
type Config struct {
	EngineToken    string
	JWTSecret      string
	WriteTimeout   time.Duration
	WriteRateLimit int
	ReadRateLimit  int
	RateWindow     time.Duration
}

// Router wires HTTP endpoints to the recording service.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	metrics  *metrics.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter
	cfg      Config
	health   func(context.Context) error
	now      func() time.Time

	metricsOnce sync.Once
	instruments *instruments
}

// NewRouter assembles routes with dependencies. health may be nil.
func NewRouter(logger *slog.Logger, svc *metrics.Service, limiter RateLimiter, cfg Config, health func(context.Context) error) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.EngineToken = strings.TrimSpace(cfg.EngineToken)
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteWait
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaultRateWindow
	}
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		metrics: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: limiter,
		cfg:     cfg,
		health:  health,
		now:     time.Now,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(routeHealthz, r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc(apiPrefix+"/correlation/", r.audit(routeRecord, r.requireEngine(r.withRateLimit(routeRecord, r.cfg.WriteRateLimit, recordRateKey, r.handleRecord))))
	r.mux.HandleFunc(apiPrefix+"/process_model/", r.audit(routeEntries, r.requireReader(r.withRateLimit(routeEntries, r.cfg.ReadRateLimit, readerRateKey, r.handleEntries))))
	r.mux.HandleFunc(apiPrefix+"/ws/entries", r.audit(routeStreamWS, r.requireReader(r.withRateLimit(routeStreamWS, r.cfg.ReadRateLimit, readerRateKey, r.handleEntriesWS))))
	r.mux.HandleFunc(apiPrefix+"/sse/entries", r.audit(routeStreamSSE, r.requireReader(r.withRateLimit(routeStreamSSE, r.cfg.ReadRateLimit, readerRateKey, r.handleEntriesSSE))))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.health(ctx); err != nil {
			status = "degraded"
			components["store"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["store"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  r.now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get(RequestIDHeader))
		if reqID == "" {
			reqID = uuid.NewString()
			req.Header.Set(RequestIDHeader, reqID)
		}
		w.Header().Set(RequestIDHeader, reqID)

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "reader"
			fields = append(fields, "subject", info.Subject)
		} else if route == routeRecord {
			actor = "engine"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

// Unwrap lets http.ResponseController reach write deadlines on the connection.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func isStreamPath(path string) bool {
	return path == apiPrefix+"/ws/entries" || path == apiPrefix+"/sse/entries"
}
