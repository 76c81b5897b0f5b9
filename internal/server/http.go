package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/morezero/toolsystem/pkg/dispatcher"
	"github.com/morezero/toolsystem/pkg/tool"
)

const httpLogPrefix = "server:http"

const maxBodyBytes = 1 << 20

// HealthChecks reports each dependency. Nil means not configured.
type HealthChecks struct {
	Transport bool  `json:"transport"`
	NATS      *bool `json:"nats,omitempty"`
	Database  *bool `json:"database,omitempty"`
}

// HealthStatus is the /health response.
type HealthStatus struct {
	Status    string       `json:"status"`
	Checks    HealthChecks `json:"checks"`
	Source    string       `json:"source"`
	Transport string       `json:"transport"`
	Uptime    string       `json:"uptime"`
	Timestamp string       `json:"timestamp"`
}

// ConfigView is the /config representation. Durations are milliseconds.
type ConfigView struct {
	LogSize          int      `json:"logSize"`
	DefaultTimeoutMs int64    `json:"defaultTimeoutMs"`
	Debug            bool     `json:"debug"`
	DefaultProvider  string   `json:"defaultProvider"`
	Middleware       []string `json:"middleware"`
	Channel          string   `json:"channel"`
	Transport        string   `json:"transport"`
	Source           string   `json:"source"`
}

// configUpdate is the PUT /config body. Absent fields are left unchanged.
type configUpdate struct {
	LogSize          *int   `json:"logSize"`
	DefaultTimeoutMs *int64 `json:"defaultTimeoutMs"`
	Debug            *bool  `json:"debug"`
}

// Handler returns the HTTP introspection and call surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /registry", s.handleRegistry)
	mux.HandleFunc("GET /providers", s.handleProviders)
	mux.HandleFunc("GET /pending", s.handlePending)
	mux.HandleFunc("GET /log", s.handleLog)
	mux.HandleFunc("GET /connections", s.handleConnections)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("PUT /config", s.handlePutConfig)
	mux.HandleFunc("GET /manifest", s.handleManifest)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /openapi.json", s.handleOpenAPI)
	mux.HandleFunc("POST /tool/{provider}/{name}", s.handleToolCall)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - response encode: %v", httpLogPrefix, err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()

	h := s.health(ctx)
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) health(ctx context.Context) *HealthStatus {
	h := &HealthStatus{
		Status:    "healthy",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.comm != nil {
		h.Checks.Transport = true
		h.Source = s.comm.SourceID()
		h.Transport = s.comm.Transport()
	}
	if s.nc != nil {
		ok := s.nc.IsConnected()
		h.Checks.NATS = &ok
	}
	if s.pool != nil {
		ok := s.pool.Ping(ctx) == nil
		h.Checks.Database = &ok
	}

	healthy := h.Checks.Transport
	if h.Checks.NATS != nil && !*h.Checks.NATS {
		healthy = false
	}
	if h.Checks.Database != nil && !*h.Checks.Database {
		healthy = false
	}
	if !healthy {
		h.Status = "unhealthy"
	}
	return h
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleRegistry(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Registry())
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Providers())
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Pending())
}

func (s *Server) handleLog(w http.ResponseWriter, _ *http.Request) {
	entries := s.d.EventLog()
	if entries == nil {
		entries = []dispatcher.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.comm.Connections())
}

func (s *Server) configView() ConfigView {
	cfg := s.d.Config()
	return ConfigView{
		LogSize:          cfg.LogSize,
		DefaultTimeoutMs: cfg.DefaultTimeout.Milliseconds(),
		Debug:            cfg.Debug,
		DefaultProvider:  cfg.DefaultProvider,
		Middleware:       s.d.Middleware(),
		Channel:          s.comm.Options().ChannelName,
		Transport:        s.comm.Transport(),
		Source:           s.comm.SourceID(),
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.configView())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var upd configUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid config body: %v", err))
		return
	}

	cfg := s.d.Config()
	if upd.LogSize != nil {
		if *upd.LogSize <= 0 {
			writeError(w, http.StatusBadRequest, "logSize must be positive")
			return
		}
		cfg.LogSize = *upd.LogSize
	}
	if upd.DefaultTimeoutMs != nil {
		if *upd.DefaultTimeoutMs <= 0 {
			writeError(w, http.StatusBadRequest, "defaultTimeoutMs must be positive")
			return
		}
		cfg.DefaultTimeout = time.Duration(*upd.DefaultTimeoutMs) * time.Millisecond
	}
	if upd.Debug != nil {
		cfg.Debug = *upd.Debug
	}
	s.d.SetConfig(cfg)
	slog.Info(fmt.Sprintf("%s - Dispatcher config updated: logSize=%d timeout=%s debug=%v", httpLogPrefix, cfg.LogSize, cfg.DefaultTimeout, cfg.Debug))

	writeJSON(w, http.StatusOK, s.configView())
}

func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    s.manifest.Name(),
		"version": s.manifest.Version(),
		"tools":   s.manifest.List(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(s.store.JSON()); err != nil {
		slog.Error(fmt.Sprintf("%s - state write: %v", httpLogPrefix, err))
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildOpenAPISpec(s.d.Registry(), s.manifest.Name(), s.manifest.Version()))
}

// handleToolCall dispatches a tool. The body is the JSON payload; ?async=
// and ?timeout= (Go duration or milliseconds) override the call mode.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	name := r.PathValue("name")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("payload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	var payload any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
			return
		}
	}

	meta := &tool.CallMeta{Provider: provider, ID: r.Header.Get("X-Request-ID")}
	q := r.URL.Query()
	if v := q.Get("async"); v != "" {
		async, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid async %q", v))
			return
		}
		meta.Async = &async
	}
	if v := q.Get("timeout"); v != "" {
		timeout, err := parseTimeout(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		meta.Timeout = timeout
	}

	res, err := s.d.Call(r.Context(), name, payload, meta)
	if res == nil {
		if err == nil {
			err = errors.New("no result")
		}
		res = &tool.Result{Error: tool.DetailFromError(err)}
	}
	writeJSON(w, statusFor(res, err), res)
}

func parseTimeout(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("timeout must be positive")
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}
	return d, nil
}

// statusFor maps a call outcome to an HTTP status.
func statusFor(res *tool.Result, err error) int {
	switch {
	case err == nil && res.Success:
		return http.StatusOK
	case err == nil:
		return http.StatusUnprocessableEntity
	case errors.Is(err, tool.ErrProviderNotFound):
		return http.StatusNotFound
	case errors.Is(err, tool.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, tool.ErrCancelled), errors.Is(err, tool.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, tool.ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
