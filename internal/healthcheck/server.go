// Copyright (C) 2025-2026 The Birding Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package healthcheck serves liveness, readiness and an operational snapshot
// of the alerting service over HTTP.
package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type Status int32

const (
	StatusStarting Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

const DefaultPort = 8090

type Response struct {
	Healthy bool `json:"healthy"`
}

// StatusFunc returns a JSON-encodable snapshot, for example the refresh
// scheduler status and queue statistics.
type StatusFunc func(ctx context.Context) any

type Config struct {
	Port int `mapstructure:"port"`
}

// GetConfigFromEnv reads HEALTH_CHECK_PORT, falling back to DefaultPort
// when unset or invalid.
func GetConfigFromEnv() Config {
	port := DefaultPort
	if portStr := os.Getenv("HEALTH_CHECK_PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil && p > 0 && p < 65536 {
			port = p
		}
	}
	return Config{Port: port}
}

type Server struct {
	port       int
	status     atomic.Int32
	ready      atomic.Bool
	conditions sync.Map // condition name -> bool

	statusMu sync.RWMutex
	sections map[string]StatusFunc

	server *http.Server
	logger *slog.Logger
}

func NewServer(config Config) *Server {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	return &Server{
		port:     config.Port,
		sections: map[string]StatusFunc{},
		logger:   slog.Default().With("component", "healthcheck"),
	}
}

func (s *Server) SetStatus(status Status) {
	s.status.Store(int32(status))
	s.logger.Debug("Health check status updated", slog.String("status", status.String()))
}

func (s *Server) GetStatus() Status {
	return Status(s.status.Load())
}

func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	s.logger.Debug("Ready status updated", slog.Bool("ready", ready))
}

// SetReadyCondition sets a named readiness condition. All conditions and the
// base ready flag must be true for IsReady to report true.
func (s *Server) SetReadyCondition(name string, ready bool) {
	s.conditions.Store(name, ready)
	s.logger.Debug("Ready condition updated", slog.String("condition", name), slog.Bool("ready", ready))
}

func (s *Server) ClearReadyCondition(name string) {
	s.conditions.Delete(name)
}

func (s *Server) IsReady() bool {
	if !s.ready.Load() {
		return false
	}
	ready := true
	s.conditions.Range(func(_, value any) bool {
		if !value.(bool) {
			ready = false
			return false
		}
		return true
	})
	return ready
}

// RegisterStatus adds a named section to the /statusz document. Registering
// the same name again replaces the previous function.
func (s *Server) RegisterStatus(name string, fn StatusFunc) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if fn == nil {
		delete(s.sections, name)
		return
	}
	s.sections[name] = fn
}

// Snapshot evaluates every registered section.
func (s *Server) Snapshot(ctx context.Context) map[string]any {
	s.statusMu.RLock()
	sections := make(map[string]StatusFunc, len(s.sections))
	for name, fn := range s.sections {
		sections[name] = fn
	}
	s.statusMu.RUnlock()

	out := make(map[string]any, len(sections)+1)
	out["status"] = s.GetStatus().String()
	for name, fn := range sections {
		out[name] = s.evaluate(ctx, name, fn)
	}
	return out
}

func (s *Server) evaluate(ctx context.Context, name string, fn StatusFunc) (v any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Status section panicked", slog.String("section", name), slog.Any("panic", r))
			v = map[string]string{"error": fmt.Sprint(r)}
		}
	}()
	return fn(ctx)
}

// Handler returns the HTTP handler serving all health endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	mux.HandleFunc("/livez", s.livezHandler)
	mux.HandleFunc("/statusz", s.statuszHandler)
	return mux
}

// Start serves until ctx is cancelled and then shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("health check listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting health check server", slog.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Health check server error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	return s.Stop()
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("Stopping health check server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeProbe(w, s.GetStatus() == StatusHealthy)
}

func (s *Server) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeProbe(w, s.IsReady())
}

func (s *Server) livezHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeProbe(w, s.GetStatus() != StatusUnhealthy)
}

func (s *Server) statuszHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Snapshot(r.Context()))
}

func (s *Server) writeProbe(w http.ResponseWriter, ok bool) {
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, Response{Healthy: ok})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode health check response", slog.Any("error", err))
	}
}
