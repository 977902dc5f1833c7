// Package control serves the daemon's local HTTP API and provides the
// client the CLI uses to talk to it.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
	"github.com/eliteGoblin/focusd/delay_guard/internal/events"
	"github.com/eliteGoblin/focusd/delay_guard/internal/metrics"
	"github.com/eliteGoblin/focusd/delay_guard/internal/settings"
	"github.com/eliteGoblin/focusd/delay_guard/internal/store"
	"github.com/eliteGoblin/focusd/delay_guard/internal/timer"
	"github.com/eliteGoblin/focusd/delay_guard/internal/usecase"
)

// Error codes carried in error responses.
const (
	CodeBadRequest         = "bad-request"
	CodeElevationCancelled = "elevation-canceled-by-user"
	CodeUnavailable        = "unavailable"
	CodeInternal           = "internal"
)

const maxBodyBytes = 1 << 20

// Status is the daemon summary served at /v1/status.
type Status struct {
	Version           string   `json:"version"`
	PID               int      `json:"pid"`
	StartedAt         string   `json:"startedAt"`
	DataDir           string   `json:"dataDir"`
	ProtectionSwitch  bool     `json:"protectionSwitch"`
	ProtectionRunning bool     `json:"protectionRunning"`
	ActiveTimers      []string `json:"activeTimers"`
	Service           string   `json:"service,omitempty"`
}

// ServerConfig describes the daemon for /v1/status.
type ServerConfig struct {
	Version string
	DataDir string
	// ServiceStatus reports the reboot registration; nil omits it.
	ServiceStatus func() string
}

// Server exposes the engine over HTTP.
type Server struct {
	engine  *usecase.Engine
	bus     *events.Bus
	metrics *metrics.Metrics
	config  ServerConfig
	logger  *zap.Logger
	started time.Time
	mux     *http.ServeMux
}

// NewServer creates a server and registers its routes.
func NewServer(engine *usecase.Engine, bus *events.Bus, m *metrics.Metrics, config ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:  engine,
		bus:     bus,
		metrics: m,
		config:  config,
		logger:  logger,
		started: time.Now(),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)

	s.mux.HandleFunc("GET /v1/preferences", s.handleGetPreferences)
	s.mux.HandleFunc("PUT /v1/preferences", s.handleSavePreference)
	s.mux.HandleFunc("GET /v1/delay", s.handleDelay)

	s.mux.HandleFunc("GET /v1/blockdata", s.handleGetBlockData)
	s.mux.HandleFunc("PUT /v1/blockdata", s.handleSaveBlockData)

	s.mux.HandleFunc("POST /v1/timers/start", s.handleStartTimer)
	s.mux.HandleFunc("POST /v1/timers/cancel", s.handleCancelTimer)
	s.mux.HandleFunc("GET /v1/timers/status", s.handleTimerStatus)
	s.mux.HandleFunc("POST /v1/prime-deletion", s.handlePrimeDeletion)

	s.mux.HandleFunc("GET /v1/protection", s.handleProtectionStatus)
	s.mux.HandleFunc("POST /v1/protection", s.handleEnableProtection)
	s.mux.HandleFunc("DELETE /v1/protection", s.handleDisableProtection)

	s.mux.HandleFunc("GET /v1/dns", s.handleDNSStatus)
	s.mux.HandleFunc("POST /v1/dns", s.handleTurnOnDNS)
	s.mux.HandleFunc("GET /v1/safe-search", s.handleSafeSearchStatus)
	s.mux.HandleFunc("POST /v1/safe-search", s.handleEnableSafeSearch)
	s.mux.HandleFunc("POST /v1/websites", s.handleAddWebsite)
	s.mux.HandleFunc("DELETE /v1/websites", s.handleRemoveWebsite)

	s.mux.HandleFunc("GET /v1/apps", s.handleInstalledApps)
	s.mux.HandleFunc("POST /v1/apps/close", s.handleCloseApp)

	s.mux.HandleFunc("POST /v1/prompts/{name}", s.handlePrompt)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)

	s.mux.Handle("GET /metrics", s.metrics.Handler())
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve answers requests on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control api listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("control api shutdown", zap.Error(err))
			srv.Close()
		}
		return nil
	}
}

// --- status ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Version:           s.config.Version,
		PID:               os.Getpid(),
		StartedAt:         s.started.UTC().Format(time.RFC3339),
		DataDir:           s.config.DataDir,
		ProtectionSwitch:  s.engine.ReadPreference(settings.KeyProtection),
		ProtectionRunning: s.engine.ProtectionRunning(),
		ActiveTimers:      s.engine.ActiveTimers(),
	}
	if s.config.ServiceStatus != nil {
		st.Service = s.config.ServiceStatus()
	}
	writeJSON(w, http.StatusOK, st)
}

// --- preferences ---

// PreferenceRequest sets one preference.
type PreferenceRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// PreferenceValue is the boolean reading of one preference.
type PreferenceValue struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	if key := r.URL.Query().Get("key"); key != "" {
		writeJSON(w, http.StatusOK, PreferenceValue{Key: key, Value: s.engine.ReadPreference(key)})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Preferences())
}

func (s *Server) handleSavePreference(w http.ResponseWriter, r *http.Request) {
	var req PreferenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.SavePreference(req.Key, req.Value); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DelayResponse is the configured delay and any pending change to it.
type DelayResponse struct {
	DelayTimeout uint64             `json:"delayTimeOut"`
	Change       timer.ChangeStatus `json:"change"`
}

func (s *Server) handleDelay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DelayResponse{
		DelayTimeout: s.engine.DelayTimeout(),
		Change:       s.engine.DelayChangeStatus(),
	})
}

// --- block data ---

func (s *Server) handleGetBlockData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetBlockData())
}

func (s *Server) handleSaveBlockData(w http.ResponseWriter, r *http.Request) {
	var data store.Map
	if !s.decode(w, r, &data) {
		return
	}
	if err := s.engine.SaveBlockData(data); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- timers ---

// TimerRequest starts or cancels a countdown.
type TimerRequest struct {
	Key string `json:"key"`
	// RemainingMs resumes a countdown; omitted starts a full-length one.
	RemainingMs *uint64 `json:"remainingMs,omitempty"`
	Target      any     `json:"target,omitempty"`
}

// ActiveTimers lists keys with a live countdown.
type ActiveTimers struct {
	Active []string `json:"active"`
}

func (s *Server) handleStartTimer(w http.ResponseWriter, r *http.Request) {
	var req TimerRequest
	if !s.decode(w, r, &req) {
		return
	}
	var remaining *time.Duration
	if req.RemainingMs != nil {
		d := time.Duration(*req.RemainingMs) * time.Millisecond
		remaining = &d
	}
	if err := s.engine.StartTimer(req.Key, remaining, req.Target); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.ChangeStatus(req.Key))
}

func (s *Server) handleCancelTimer(w http.ResponseWriter, r *http.Request) {
	var req TimerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.CancelTimer(req.Key); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTimerStatus(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeJSON(w, http.StatusOK, ActiveTimers{Active: s.engine.ActiveTimers()})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.ChangeStatus(key))
}

// PrimeRequest starts an unblock countdown for one item.
type PrimeRequest struct {
	ItemType string `json:"itemType"`
	Name     string `json:"name"`
}

// PrimeResponse names the countdown that was started.
type PrimeResponse struct {
	Key string `json:"key"`
}

func (s *Server) handlePrimeDeletion(w http.ResponseWriter, r *http.Request) {
	var req PrimeRequest
	if !s.decode(w, r, &req) {
		return
	}
	key, err := s.engine.PrimeForDeletion(req.ItemType, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PrimeResponse{Key: key})
}

// --- protection ---

// ProtectionState reports the master switch and the monitor loop.
type ProtectionState struct {
	Switch  bool `json:"switch"`
	Running bool `json:"running"`
	// Changed is set by on/off requests.
	Changed bool `json:"changed"`
}

func (s *Server) protectionState(changed bool) ProtectionState {
	return ProtectionState{
		Switch:  s.engine.ReadPreference(settings.KeyProtection),
		Running: s.engine.ProtectionRunning(),
		Changed: changed,
	}
}

func (s *Server) handleProtectionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.protectionState(false))
}

func (s *Server) handleEnableProtection(w http.ResponseWriter, r *http.Request) {
	started, err := s.engine.EnableProtection()
	if err != nil && !started {
		s.writeError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("protection running without reboot registration", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, s.protectionState(started))
}

func (s *Server) handleDisableProtection(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.engine.DisableProtection()
	if err != nil && !stopped {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.protectionState(stopped))
}

// --- dns, safe search and websites ---

// DNSRequest asks for safe DNS; Strict uses the stricter resolver pair.
type DNSRequest struct {
	Strict bool `json:"strict"`
}

// Toggle reports an on/off capability.
type Toggle struct {
	Enabled bool `json:"enabled"`
	Changed bool `json:"changed"`
}

func (s *Server) handleDNSStatus(w http.ResponseWriter, r *http.Request) {
	safe, err := s.engine.IsDNSSafe(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Toggle{Enabled: safe})
}

func (s *Server) handleTurnOnDNS(w http.ResponseWriter, r *http.Request) {
	var req DNSRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.TurnOnDNS(r.Context(), req.Strict); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Toggle{Enabled: true, Changed: true})
}

func (s *Server) handleSafeSearchStatus(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.engine.IsSafeSearchEnabled()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Toggle{Enabled: enabled})
}

func (s *Server) handleEnableSafeSearch(w http.ResponseWriter, r *http.Request) {
	changed, err := s.engine.EnableSafeSearch(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Toggle{Enabled: true, Changed: changed})
}

// WebsiteRequest names one site.
type WebsiteRequest struct {
	Site string `json:"site"`
}

func (s *Server) handleAddWebsite(w http.ResponseWriter, r *http.Request) {
	var req WebsiteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.AddBlockedWebsite(r.Context(), req.Site); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveWebsite(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveBlockedWebsite(r.Context(), r.URL.Query().Get("site")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- apps ---

// CloseRequest names the process to close.
type CloseRequest struct {
	ProcessName string `json:"processName"`
}

func (s *Server) handleInstalledApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.engine.InstalledApps()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if apps == nil {
		apps = []domain.InstalledApp{}
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Server) handleCloseApp(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.engine.CloseApp(r.Context(), req.ProcessName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- prompts and events ---

// PromptRequest carries the optional setting a prompt refers to.
type PromptRequest struct {
	SettingID string `json:"settingId"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.Prompt(domain.EventKind(r.PathValue("name")), req.SettingID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams every notification as one JSON object per line.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternal, "streaming unsupported")
		return
	}
	ch, unsubscribe := s.bus.Subscribe(64)
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				s.logger.Debug("event subscriber gone", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// --- helpers ---

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrElevationCancelled):
		writeError(w, http.StatusConflict, CodeElevationCancelled, err.Error())
	case errors.Is(err, usecase.ErrUnavailable), errors.Is(err, domain.ErrUnsupportedPlatform):
		writeError(w, http.StatusNotImplemented, CodeUnavailable, err.Error())
	case errors.Is(err, timer.ErrEmptyKey), errors.Is(err, domain.ErrEmptySite), errors.Is(err, usecase.ErrUnknownPrompt):
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
