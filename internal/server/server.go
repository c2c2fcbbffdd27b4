// Package server exposes the prediction pipeline over HTTP for browser and
// service clients. It serves the REST predict endpoint, a WebSocket streaming
// endpoint with the same per-message semantics as the stdio server, model
// diagnostics, the prediction log and Prometheus metrics.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"car-forecast/internal/metrics"
	"car-forecast/internal/ml"
	"car-forecast/internal/pipeline"
	"car-forecast/internal/storage"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// ModelInfoProvider describes the loaded model.
type ModelInfoProvider interface {
	Info() ml.ModelInfo
}

// PredictionLog is the read side of the prediction log.
type PredictionLog interface {
	Recent(limit int) ([]storage.Prediction, error)
	Between(start, end time.Time) ([]storage.Prediction, error)
	Count() (int, error)
}

// Options configures optional collaborators of the server.
type Options struct {
	Port     int
	Timeout  time.Duration
	Metrics  *metrics.MetricsWrapper // nil disables request counters
	Gatherer prometheus.Gatherer     // nil disables /metrics
	History  PredictionLog           // nil disables /api/predictions
}

// Server is the HTTP bridge in front of the pipeline.
type Server struct {
	pipeline *pipeline.Pipeline
	model    ModelInfoProvider
	opts     Options
	started  time.Time

	server    *http.Server
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	isRunning bool
	mu        sync.Mutex
}

// New creates a server. Call Start to begin listening.
func New(p *pipeline.Pipeline, model ModelInfoProvider, opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	s := &Server{
		pipeline: p,
		model:    model,
		opts:     opts,
		started:  time.Now(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]bool),
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler builds the routed, CORS-enabled handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.instrument("/health", s.handleHealth)).Methods(http.MethodGet)
	r.HandleFunc("/api/predict", s.instrument("/api/predict", s.handlePredict)).Methods(http.MethodPost)
	r.HandleFunc("/api/predictions", s.instrument("/api/predictions", s.handleHistory)).Methods(http.MethodGet)
	r.HandleFunc("/model/info", s.instrument("/model/info", s.handleModelInfo)).Methods(http.MethodGet)
	r.HandleFunc("/ws/predict", s.handleWebSocket).Methods(http.MethodGet)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, pipeline.ErrorResponse{Error: "not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, pipeline.ErrorResponse{Error: "method not allowed"})
	})

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)

	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{}))(cors(r))
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	go func() {
		log.Info().
			Str("address", ln.Addr().String()).
			Msg("Starting HTTP bridge")

		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP bridge failed")
		}
	}()

	s.isRunning = true
	return nil
}

// Stop closes WebSocket clients and shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.clientsMu.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.clientsMu.Unlock()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown HTTP bridge")
		return err
	}

	s.isRunning = false
	log.Info().Msg("HTTP bridge stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"backend":        s.model.Info().Backend,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, pipeline.ErrorResponse{Error: "request body exceeds 1 MiB"})
			return
		}
		writeJSON(w, http.StatusBadRequest, pipeline.NewErrorResponse(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.Timeout)
	defer cancel()

	res, err := s.pipeline.HandleJSON(ctx, body)
	if err != nil {
		writeJSON(w, statusFor(err), pipeline.NewErrorResponse(err))
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// statusFor maps a pipeline error to an HTTP status. Request problems are 400,
// a request that outlived its deadline is 504 and model failures are 500.
func statusFor(err error) int {
	switch {
	case pipeline.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case pipeline.IsInferenceError(err):
		return http.StatusInternalServerError
	default:
		log.Warn().Err(err).Msg("Unclassified prediction error")
		return http.StatusInternalServerError
	}
}

func (s *Server) handleModelInfo(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		ml.ModelInfo
		PredictionCount *int `json:"prediction_count,omitempty"`
	}{ModelInfo: s.model.Info()}

	if s.opts.History != nil {
		if n, err := s.opts.History.Count(); err == nil {
			resp.PredictionCount = &n
		} else {
			log.Warn().Err(err).Msg("Failed to count predictions")
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, http.StatusNotFound, pipeline.ErrorResponse{Error: "prediction log is disabled"})
		return
	}

	query := r.URL.Query()

	limit := defaultHistoryLimit
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, pipeline.ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	var (
		entries []storage.Prediction
		err     error
	)
	if query.Has("since") || query.Has("until") {
		since, until, perr := parseWindow(query.Get("since"), query.Get("until"))
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, pipeline.NewErrorResponse(perr))
			return
		}
		entries, err = s.opts.History.Between(since, until)
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	} else {
		entries, err = s.opts.History.Recent(limit)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to read prediction log")
		writeJSON(w, http.StatusInternalServerError, pipeline.NewErrorResponse(err))
		return
	}
	if entries == nil {
		entries = []storage.Prediction{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// parseWindow reads RFC 3339 bounds. A missing since starts at the epoch and
// a missing until ends now.
func parseWindow(since, until string) (time.Time, time.Time, error) {
	start, end := time.Unix(0, 0), time.Now()
	var err error
	if since != "" {
		if start, err = time.Parse(time.RFC3339, since); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("since must be an RFC 3339 time: %w", err)
		}
	}
	if until != "" {
		if end, err = time.Parse(time.RFC3339, until); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("until must be an RFC 3339 time: %w", err)
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("until is before since")
	}
	return start, end, nil
}

// handleWebSocket serves one prediction per text message, like the stdio server.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, conn)
		s.clientsMu.Unlock()
	}()

	conn.SetReadLimit(maxBodyBytes)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("WebSocket client disconnected")
			}
			return
		}

		msg = bytes.TrimSpace(msg)
		if len(msg) == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.opts.Timeout)
		var resp any
		if res, err := s.pipeline.HandleJSON(ctx, msg); err != nil {
			resp = pipeline.NewErrorResponse(err)
		} else {
			resp = res
		}
		cancel()

		data, err := encodeJSON(resp)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode WebSocket response")
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Msg("Failed to write WebSocket response")
			return
		}
	}
}

// instrument counts requests by route and status code.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		if s.opts.Metrics != nil {
			s.opts.Metrics.HTTPRequest(route, strconv.Itoa(rec.status)).Inc()
		}

		log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type recoveryLogger struct{}

func (recoveryLogger) Println(v ...interface{}) {
	log.Error().Msg(fmt.Sprint(v...))
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := encodeJSON(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
