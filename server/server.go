// Package server exposes the dashboard's JSON API, a WebSocket live-update
// channel and an SSE event stream over the runtime, generalizing the
// teacher's scheduler.WebServer from a single-scheduler health page to
// Power Master's telemetry/price/plan/mode/accounting/provider surface.
// Templates and static assets are an external collaborator per spec §1;
// this package serves JSON only.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	goruntime "runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/powermaster/energy-optimiser/core"
	"github.com/powermaster/energy-optimiser/runtime"
)

// Server serves the dashboard's HTTP API.
type Server struct {
	rt        *runtime.Runtime
	logger    fmtLogger
	startTime time.Time
	eventsHz  float64

	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    sync.Map
	done       chan struct{}
}

// fmtLogger is the minimal logging surface this package needs, letting
// callers pass their own *log.Logger without importing "log" twice here.
type fmtLogger interface {
	Printf(format string, v ...any)
}

// New builds a dashboard server bound to listenAddr, following
// scheduler.NewWebServer's mux/http.Server construction.
func New(rt *runtime.Runtime, logger fmtLogger, listenAddr string, eventsHz float64) *Server {
	if listenAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	s := &Server{
		rt:        rt,
		logger:    logger,
		startTime: time.Now(),
		eventsHz:  eventsHz,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
		httpServer: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // SSE/WS handlers stream indefinitely
			IdleTimeout:  60 * time.Second,
		},
	}

	mux.HandleFunc("/api/health", s.healthHandler)
	mux.HandleFunc("/api/telemetry/history", s.telemetryHistoryHandler)
	mux.HandleFunc("/api/prices/history", s.priceHistoryHandler)
	mux.HandleFunc("/api/plan/active", s.planActiveHandler)
	mux.HandleFunc("/api/mode", s.modeHandler)
	mux.HandleFunc("/api/accounting/summary", s.accountingSummaryHandler)
	mux.HandleFunc("/api/providers/status", s.providersStatusHandler)
	mux.HandleFunc("/api/events", s.eventsHandler)
	mux.HandleFunc("/api/ws", s.wsHandler)

	return s
}

// Start launches the HTTP listener and the WebSocket broadcast loop.
func (s *Server) Start() error {
	if s == nil {
		return nil
	}
	go s.broadcastLoop()
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server: listen failed: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server and WebSocket connections down.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	close(s.done)
	s.clients.Range(func(key, _ any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	_, hasTelemetry := s.rt.LatestTelemetry()
	resp := map[string]any{
		"status":     "healthy",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"uptime":     formatUptime(time.Since(s.startTime)),
		"telemetry":  hasTelemetry,
		"goroutines": goruntime.NumGoroutine(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) telemetryHistoryHandler(w http.ResponseWriter, r *http.Request) {
	since := sinceFromHours(r, 24)
	hist, err := s.rt.TelemetryHistory(r.Context(), since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) priceHistoryHandler(w http.ResponseWriter, r *http.Request) {
	since := sinceFromHours(r, 48)
	hist, err := s.rt.PriceHistory(r.Context(), since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) planActiveHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.rt.PlanActive()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"slots": []core.PlanSlot{}, "status": "NO_PLAN"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slots":    p.Slots,
		"built_at": p.BuiltAt,
		"status":   p.Status,
	})
}

func (s *Server) modeHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		st := s.rt.ModeStatus()
		writeJSON(w, http.StatusOK, map[string]any{
			"optimiser_mode":           st.OptimiserMode.String(),
			"override_active":          st.OverrideActive,
			"override_mode":            st.OverrideMode.String(),
			"override_remaining_s":     int(st.OverrideRemaining.Seconds()),
			"mode_name":                st.OptimiserMode.String(),
		})
	case http.MethodPost:
		var body struct {
			Mode     string   `json:"mode"`
			PowerW   *float64 `json:"power_w"`
			TimeoutS int      `json:"timeout_s"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		mode := parseModeName(body.Mode)
		if mode == 0 {
			http.Error(w, "unknown mode", http.StatusBadRequest)
			return
		}
		o := core.Override{Mode: mode, PowerW: body.PowerW, ExpiresAt: time.Now().Add(time.Duration(body.TimeoutS) * time.Second)}
		s.rt.SetOverride(o)
		writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) accountingSummaryHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.AccountingState())
}

func (s *Server) providersStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.ProviderStatus())
}

// eventsHandler serves the combined telemetry/mode/accounting SSE stream
// at the configured rate, grounded on the teacher's periodic-broadcast
// pattern but over text/event-stream instead of WebSocket framing. Price
// points are not part of the stream.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	hz := s.eventsHz
	if hz <= 0 {
		hz = 1
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / hz))
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			payload, err := json.Marshal(s.eventSnapshot())
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) eventSnapshot() map[string]any {
	telem, _ := s.rt.LatestTelemetry()
	return map[string]any{
		"telemetry":  telem,
		"mode":       s.rt.ModeStatus().OptimiserMode.String(),
		"accounting": s.rt.AccountingState(),
	}
}

// wsHandler mirrors the teacher's WebSocket connection lifecycle
// (register, send initial snapshot, drain reads until close).
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("server: websocket upgrade failed: %v", err)
		return
	}
	s.clients.Store(conn, true)
	_ = conn.WriteJSON(s.eventSnapshot())

	defer func() {
		s.clients.Delete(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcastLoop() {
	hz := s.eventsHz
	if hz <= 0 {
		hz = 1
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / hz))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			payload, err := json.Marshal(s.eventSnapshot())
			if err != nil {
				continue
			}
			s.clients.Range(func(key, _ any) bool {
				conn, ok := key.(*websocket.Conn)
				if !ok {
					return true
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					conn.Close()
					s.clients.Delete(conn)
				}
				return true
			})
		case <-s.done:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sinceFromHours(r *http.Request, defaultHours int) time.Time {
	hours := defaultHours
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}
	return time.Now().Add(-time.Duration(hours) * time.Hour)
}

func parseModeName(s string) core.Mode {
	switch s {
	case "SELF_USE":
		return core.SelfUse
	case "SELF_USE_ZERO_EXPORT":
		return core.SelfUseZeroExport
	case "FORCE_CHARGE":
		return core.ForceCharge
	case "FORCE_DISCHARGE":
		return core.ForceDischarge
	case "CHARGE_NO_IMPORT":
		return core.ChargeNoImport
	default:
		return 0
	}
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second
	return fmt.Sprintf("%dh%dm%ds", h, m, sec)
}
