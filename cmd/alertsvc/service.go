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

// Package alertsvc assembles the alert cache, refresh scheduler,
// notification queue and escalation into one long-running service.
package alertsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/pedroscharrff/birding-sub001/config"
	"github.com/pedroscharrff/birding-sub001/internal/alerts"
	"github.com/pedroscharrff/birding-sub001/internal/escalation"
	"github.com/pedroscharrff/birding-sub001/internal/healthcheck"
	"github.com/pedroscharrff/birding-sub001/internal/notifyqueue"
	"github.com/pedroscharrff/birding-sub001/internal/periodic"
	"github.com/pedroscharrff/birding-sub001/internal/refresh"
)

// Deps are the external collaborators the service does not own.
type Deps struct {
	Source alerts.Source
	Sender notifyqueue.Sender
	// Directory is optional; escalation is off without one.
	Directory escalation.Directory
	// Closers run after every loop has stopped, in reverse order.
	Closers []func() error
}

type Service struct {
	cfg    *config.Config
	ll     *slog.Logger
	deps   Deps
	health *healthcheck.Server

	Cache     *alerts.Cache
	Scheduler *refresh.Scheduler
	Queue     *notifyqueue.Queue
	Escalator *escalation.Escalator

	cleanup *periodic.Runner

	mu      sync.Mutex
	started bool
}

func New(cfg *config.Config, deps Deps) (*Service, error) {
	if deps.Source == nil {
		return nil, errors.New("alert source is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("notification sender is required")
	}

	s := &Service{
		cfg:    cfg,
		ll:     slog.Default().With("component", "alertsvc"),
		deps:   deps,
		health: healthcheck.NewServer(cfg.Health),
	}

	s.Queue = notifyqueue.New(deps.Sender, cfg.Notifications.Queue)

	var hooks []alerts.ResultHook
	if cfg.Escalation.Enabled && deps.Directory != nil {
		s.Escalator = escalation.New(s.Queue, deps.Directory,
			escalation.WithDedupeWindow(cfg.Escalation.DedupeWindow))
		hooks = append(hooks, s.Escalator.Hook())
	}

	cacheOpts := []alerts.CacheOption{
		alerts.WithDefaultTTL(cfg.Alerts.CacheTTL),
		alerts.WithSweepInterval(cfg.Alerts.SweepInterval),
		alerts.WithMaxTenants(cfg.Alerts.MaxTenants),
	}
	schedOpts := []refresh.Option{
		refresh.WithRefreshTTL(cfg.Refresh.TTL),
		refresh.WithHistorySize(cfg.Refresh.HistorySize),
	}
	for _, h := range hooks {
		cacheOpts = append(cacheOpts, alerts.WithResultHook(h))
		schedOpts = append(schedOpts, refresh.WithResultHook(h))
	}
	s.Cache = alerts.NewCache(deps.Source, cacheOpts...)
	s.Scheduler = refresh.New(deps.Source, s.Cache, schedOpts...)

	s.cleanup = periodic.New("notification-cleanup", func(context.Context) {
		if n := s.Queue.Cleanup(cfg.Notifications.Queue.CleanupAge); n > 0 {
			s.ll.Info("Removed old notifications", slog.Int("count", n))
		}
	}, s.ll)

	s.health.RegisterStatus("refresh", func(context.Context) any { return s.Scheduler.Status() })
	s.health.RegisterStatus("queue", func(context.Context) any { return s.Queue.Stats() })
	s.health.RegisterStatus("cache", func(context.Context) any {
		st := s.Cache.Stats()
		return map[string]any{
			"size":      st.Size,
			"stale":     st.Stale,
			"hits":      st.Hits,
			"misses":    st.Misses,
			"evictions": st.Evictions,
		}
	})
	return s, nil
}

// Health exposes the health server so callers can serve it.
func (s *Service) Health() *healthcheck.Server {
	return s.health
}

// Start launches the sweeper, drain, cleanup and refresh loops. It is a
// no-op when already started.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.Cache.Start()
	s.Queue.StartProcessing(s.cfg.Notifications.Queue.DrainInterval)
	s.cleanup.Start(s.cfg.Alerts.SweepInterval)
	if s.cfg.Refresh.Enabled {
		s.Scheduler.Start(s.cfg.Refresh.Interval)
	}

	s.health.SetStatus(healthcheck.StatusHealthy)
	s.health.SetReady(true)
	s.ll.Info("Alert service started",
		slog.Bool("refresh", s.cfg.Refresh.Enabled),
		slog.Duration("refreshInterval", s.cfg.Refresh.Interval),
		slog.Duration("drainInterval", s.cfg.Notifications.Queue.DrainInterval),
		slog.Bool("escalation", s.Escalator != nil))
}

// Shutdown stops the loops in reverse start order, then runs the closers.
// In-flight ticks complete before it returns.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.health.SetReady(false)

	s.Scheduler.Stop()
	s.cleanup.Stop()
	s.Queue.StopProcessing()
	s.Cache.Close()
	s.started = false

	var result *multierror.Error
	for i := len(s.deps.Closers) - 1; i >= 0; i-- {
		if err := s.deps.Closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.deps.Closers = nil
	if err := result.ErrorOrNil(); err != nil {
		s.ll.Error("Alert service shutdown finished with errors", slog.Any("error", err))
		return err
	}
	s.ll.Info("Alert service stopped")
	return nil
}

// Run serves health endpoints and the loops until doneCtx is cancelled.
func (s *Service) Run(doneCtx context.Context) error {
	ctx, cancel := context.WithCancel(doneCtx)
	defer cancel()

	healthErr := make(chan error, 1)
	go func() {
		healthErr <- s.health.Start(ctx)
	}()

	s.Start()

	var result *multierror.Error
	select {
	case <-doneCtx.Done():
	case err := <-healthErr:
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("health server: %w", err))
		}
		healthErr = nil
	}

	cancel()
	if err := s.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	if healthErr != nil {
		if err := <-healthErr; err != nil {
			result = multierror.Append(result, fmt.Errorf("health server: %w", err))
		}
	}
	return result.ErrorOrNil()
}
