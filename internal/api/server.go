// Package api serves the captured request log to debugging UIs over HTTP:
// JSON snapshots, per-request views, and live SSE and WebSocket streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/adamdrake/go_netinspect/internal/capture"
)

// bodyReadTimeout bounds blob decoding for a single response body request.
const bodyReadTimeout = 10 * time.Second

// Server exposes an Inspector's captured requests over HTTP.
type Server struct {
	inspector *capture.Inspector
	defaults  *capture.Options
	logger    *slog.Logger
	server    *http.Server
	router    chi.Router
}

// NewServer creates a new API server. defaults are the options used by
// POST /api/start when the request carries none.
func NewServer(inspector *capture.Inspector, defaults *capture.Options, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		inspector: inspector,
		defaults:  defaults,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/requests", s.handleRequests)
		r.Get("/requests/stream", s.handleStream)
		r.Get("/requests/ws", s.handleWebSocket)
		r.Get("/requests/export", s.handleExport)
		r.Get("/requests/{id}", s.handleRequestByID)
		r.Get("/requests/{id}/curl", s.handleCurl)
		r.Get("/requests/{id}/body", s.handleRequestBody)
		r.Get("/requests/{id}/response", s.handleResponseBody)
		r.Post("/clear", s.handleClear)
		r.Delete("/clear", s.handleClear)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Get("/stats", s.handleStats)
	})
	s.router = r

	s.server = &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		// Streams stay open indefinitely
		WriteTimeout: 0,
	}

	return s
}

// Handler returns the API's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves the API.
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and waits for active handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleRequests lists captured requests, newest first, optionally capped
// by ?limit.
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	requests := s.inspector.Requests()

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		if limit < len(requests) {
			requests = requests[:limit]
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requests": requests,
		"count":    len(requests),
		"enabled":  s.inspector.Enabled(),
		"session":  s.inspector.SessionID(),
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*capture.Request, bool) {
	req, ok := s.inspector.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "request not found")
		return nil, false
	}
	return req, true
}

// handleRequestByID renders one record by its sequence id.
func (s *Server) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	req, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCurl(w http.ResponseWriter, r *http.Request) {
	req, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeText(w, http.StatusOK, req.CurlRequest())
}

// handleRequestBody returns the outgoing body; ?unescape=true expands
// literal \n and \" sequences.
func (s *Server) handleRequestBody(w http.ResponseWriter, r *http.Request) {
	req, ok := s.lookup(w, r)
	if !ok {
		return
	}
	unescape, _ := strconv.ParseBool(r.URL.Query().Get("unescape"))
	writeText(w, http.StatusOK, req.RequestBody(unescape))
}

func (s *Server) handleResponseBody(w http.ResponseWriter, r *http.Request) {
	req, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), bodyReadTimeout)
	defer cancel()

	body, err := req.ResponseBody(ctx)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.logger.Debug("response body decode failed", "id", req.ID(), "error", err)
		writeError(w, status, err.Error())
		return
	}
	writeText(w, http.StatusOK, body)
}

// handleClear empties the log. The sequence counter is kept.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.inspector.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// startRequest is the optional body of POST /api/start.
type startRequest struct {
	MaxRequests     int      `json:"maxRequests"`
	RefreshRate     int      `json:"refreshRate"`
	IgnoredHosts    []string `json:"ignoredHosts"`
	IgnoredURLs     []string `json:"ignoredUrls"`
	IgnoredPatterns []string `json:"ignoredPatterns"`
	ForceEnable     bool     `json:"forceEnable"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	opts := s.defaults
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > 0 {
		var in startRequest
		if err := json.Unmarshal(body, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		opts, err = in.options()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	s.inspector.Start(opts)
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": s.inspector.Enabled(),
		"session": s.inspector.SessionID(),
	})
}

func (in startRequest) options() (*capture.Options, error) {
	opts := &capture.Options{
		MaxRequests:  in.MaxRequests,
		RefreshRate:  time.Duration(in.RefreshRate) * time.Millisecond,
		IgnoredHosts: in.IgnoredHosts,
		IgnoredURLs:  in.IgnoredURLs,
		ForceEnable:  in.ForceEnable,
	}
	for _, p := range in.IgnoredPatterns {
		pattern, err := capture.ParsePattern(p)
		if err != nil {
			return nil, err
		}
		opts.IgnoredPatterns = append(opts.IgnoredPatterns, pattern)
	}
	return opts, nil
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.inspector.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"enabled": s.inspector.Enabled()})
}

// handleStats summarizes the log by method and status class.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	requests := s.inspector.Requests()

	byMethod := make(map[string]int)
	byStatus := make(map[string]int)
	var completed int
	var totalDuration time.Duration

	for _, req := range requests {
		byMethod[req.Method()]++
		byStatus[statusClass(req.Status())]++
		if req.Status() != capture.StatusUnset {
			completed++
			totalDuration += req.Duration()
		}
	}

	avgDuration := time.Duration(0)
	if completed > 0 {
		avgDuration = totalDuration / time.Duration(completed)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":             s.inspector.Enabled(),
		"session":             s.inspector.SessionID(),
		"total_requests":      len(requests),
		"completed_requests":  completed,
		"by_method":           byMethod,
		"by_status":           byStatus,
		"average_duration_ms": avgDuration.Milliseconds(),
	})
}

func statusClass(status int) string {
	switch {
	case status == capture.StatusUnset:
		return "pending"
	case status <= 0:
		return "failed"
	default:
		return strconv.Itoa(status/100) + "xx"
	}
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// corsMiddleware lets browser-based inspectors on other origins call the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("json response write failed", "error", err)
	}
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := io.WriteString(w, s); err != nil {
		slog.Debug("text response write failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
