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

// Package refresh periodically recomputes alerts for every tenant and
// repopulates the alerts cache with a long TTL.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pedroscharrff/birding-sub001/internal/alerts"
	"github.com/pedroscharrff/birding-sub001/internal/idgen"
	"github.com/pedroscharrff/birding-sub001/internal/logctx"
	"github.com/pedroscharrff/birding-sub001/internal/periodic"
)

const (
	DefaultInterval    = 15 * time.Minute
	DefaultHistorySize = 50
)

// Status is a snapshot of the scheduler.
type Status struct {
	IsRunning      bool          `json:"isRunning"`
	LastExecution  *ExecutionLog `json:"lastExecution"`
	ExecutionCount int64         `json:"executionCount"`
}

// Scheduler refreshes every tenant's alerts, one run at a time.
type Scheduler struct {
	src        alerts.Source
	cache      *alerts.Cache
	refreshTTL time.Duration
	hooks      []alerts.ResultHook
	now        func() time.Time
	ll         *slog.Logger
	ids        *idgen.ULIDGenerator
	runner     *periodic.Runner

	// execMu serializes runs whether they come from the loop or Execute.
	execMu sync.Mutex

	mu         sync.Mutex
	history    *history
	executions int64
}

type options struct {
	refreshTTL  time.Duration
	historySize int
	hooks       []alerts.ResultHook
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*options)

// WithRefreshTTL sets the TTL of results stored by a run.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(o *options) { o.refreshTTL = ttl }
}

// WithHistorySize sets how many execution logs are kept.
func WithHistorySize(n int) Option {
	return func(o *options) { o.historySize = n }
}

// WithResultHook registers fn to observe every tenant result a run computes.
func WithResultHook(fn alerts.ResultHook) Option {
	return func(o *options) { o.hooks = append(o.hooks, fn) }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(ll *slog.Logger) Option {
	return func(o *options) { o.logger = ll }
}

// New creates a stopped scheduler.
func New(src alerts.Source, cache *alerts.Cache, opts ...Option) *Scheduler {
	o := options{
		refreshTTL:  alerts.RefreshTTL,
		historySize: DefaultHistorySize,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Scheduler{
		src:        src,
		cache:      cache,
		refreshTTL: o.refreshTTL,
		hooks:      o.hooks,
		now:        o.now,
		ll:         o.logger.With("component", "alerts-refresh"),
		ids:        idgen.NewULIDGenerator(),
		history:    newHistory(o.historySize),
	}
	s.runner = periodic.New("alerts-refresh", func(ctx context.Context) {
		s.Execute(ctx)
	}, o.logger)
	return s
}

// Start runs a refresh now and then every interval. It returns false, and
// does nothing else, if the scheduler is already running.
func (s *Scheduler) Start(interval time.Duration) bool {
	return s.runner.Start(interval)
}

// Stop prevents further runs. A run in progress completes before Stop
// returns.
func (s *Scheduler) Stop() {
	s.runner.Stop()
}

// Execute performs one refresh run and records it. Failures are captured in
// the returned log; Execute never fails as a whole.
func (s *Scheduler) Execute(ctx context.Context) ExecutionLog {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	started := s.now()
	xlog := ExecutionLog{
		JobID:     s.ids.Make(started),
		StartedAt: started,
		Errors:    []string{},
	}

	ctx, span := tracer.Start(ctx, "alerts.refresh.execute",
		trace.WithAttributes(attribute.String("job.id", xlog.JobID)))
	defer span.End()

	ll := s.ll.With(slog.String("jobID", xlog.JobID))
	ctx = logctx.WithLogger(ctx, ll)
	ll.Info("Starting alert refresh")

	s.run(ctx, &xlog)

	xlog.FinishedAt = s.now()
	xlog.DurationMs = xlog.FinishedAt.Sub(xlog.StartedAt).Milliseconds()

	outcome := "success"
	switch {
	case xlog.Fatal:
		outcome = "fatal"
		span.SetStatus(codes.Error, "refresh failed")
	case len(xlog.Errors) > 0:
		outcome = "partial"
	}
	span.SetAttributes(
		attribute.Int("tenants.processed", xlog.TenantsProcessed),
		attribute.Int("alerts.generated", xlog.AlertsGenerated),
		attribute.Int("errors", len(xlog.Errors)),
	)
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	refreshRuns.Add(ctx, 1, attrs)
	refreshDuration.Record(ctx, float64(xlog.DurationMs)/1000, attrs)

	s.mu.Lock()
	s.history.push(xlog.clone())
	s.executions++
	s.mu.Unlock()

	ll.Info("Finished alert refresh",
		slog.Int("tenantsProcessed", xlog.TenantsProcessed),
		slog.Int("tenantsSkipped", xlog.TenantsSkipped),
		slog.Int("alertsGenerated", xlog.AlertsGenerated),
		slog.Int("errors", len(xlog.Errors)),
		slog.Int64("durationMs", xlog.DurationMs))
	return xlog
}

func (s *Scheduler) run(ctx context.Context, xlog *ExecutionLog) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic: %v", p)
			logctx.FromContext(ctx).Error("Alert refresh aborted", slog.Any("error", err))
			xlog.fatal(err)
		}
	}()

	tenants, err := s.src.ListTenants(ctx)
	if err != nil {
		logctx.FromContext(ctx).Error("Failed to list tenants", slog.Any("error", err))
		xlog.fatal(fmt.Errorf("listing tenants: %w", err))
		return
	}

	seen := mapset.NewThreadUnsafeSetWithSize[string](len(tenants))
	for _, tenantID := range tenants {
		if tenantID == "" {
			xlog.tenantError(tenantID, alerts.ErrEmptyTenant)
			continue
		}
		if !seen.Add(tenantID) {
			continue
		}
		s.refreshTenant(ctx, tenantID, xlog)
	}
}

func (s *Scheduler) refreshTenant(ctx context.Context, tenantID string, xlog *ExecutionLog) {
	ctx, ll := logctx.WithTenant(ctx, tenantID)
	ctx, span := tracer.Start(ctx, "alerts.refresh.tenant",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	tok := s.cache.Token(tenantID)
	res, err := alerts.Compute(ctx, s.src, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compute failed")
		refreshTenantFailures.Add(ctx, 1)
		ll.Warn("Alert refresh failed for tenant", slog.Any("error", err))
		xlog.tenantError(tenantID, err)
		return
	}

	if !s.cache.SetIfCurrent(tenantID, tok, res, s.refreshTTL) {
		ll.Debug("Tenant invalidated during refresh, result not stored")
		xlog.TenantsSkipped++
	}
	xlog.TenantsProcessed++
	xlog.AlertsGenerated += res.Counts.Total

	for _, h := range s.hooks {
		alerts.RunHook(ctx, h, tenantID, res)
	}
}

// Status returns a snapshot of the scheduler's state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		IsRunning:      s.runner.Running(),
		ExecutionCount: s.executions,
	}
	if last, ok := s.history.latest(); ok {
		st.LastExecution = &last
	}
	return st
}

// ExecutionLogs returns up to limit of the most recent logs, most recent
// last. A non-positive limit returns every retained log.
func (s *Scheduler) ExecutionLogs(limit int) []ExecutionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.last(limit)
}
