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

package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/pedroscharrff/birding-sub001/internal/logctx"
	"github.com/pedroscharrff/birding-sub001/internal/ttlstore"
)

const (
	// DefaultTTL applies to results computed on demand by a reader.
	DefaultTTL = 5 * time.Minute
	// RefreshTTL applies to results stored by the background refresh.
	RefreshTTL = time.Hour
)

var ErrEmptyTenant = errors.New("empty tenant id")

// Cache holds the latest alert computation per tenant.
type Cache struct {
	src        Source
	store      *ttlstore.Store[string, Result]
	defaultTTL time.Duration
	hooks      []ResultHook
	group      singleflight.Group
}

type cacheOptions struct {
	defaultTTL    time.Duration
	sweepInterval time.Duration
	capacity      uint64
	now           func() time.Time
	hooks         []ResultHook
}

// CacheOption configures a Cache.
type CacheOption func(*cacheOptions)

func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(o *cacheOptions) { o.defaultTTL = ttl }
}

func WithSweepInterval(d time.Duration) CacheOption {
	return func(o *cacheOptions) { o.sweepInterval = d }
}

// WithMaxTenants bounds the number of cached tenants. Zero means unbounded.
func WithMaxTenants(n uint64) CacheOption {
	return func(o *cacheOptions) { o.capacity = n }
}

func WithClock(now func() time.Time) CacheOption {
	return func(o *cacheOptions) { o.now = now }
}

// WithResultHook registers fn to observe every result computed by
// GetOrCompute. Hooks run synchronously on the computing goroutine.
func WithResultHook(fn ResultHook) CacheOption {
	return func(o *cacheOptions) { o.hooks = append(o.hooks, fn) }
}

// NewCache creates a cache that computes misses through src. src may be nil
// for a cache that is only ever populated with Set.
func NewCache(src Source, opts ...CacheOption) *Cache {
	o := cacheOptions{
		defaultTTL:    DefaultTTL,
		sweepInterval: ttlstore.DefaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Cache{
		src:        src,
		defaultTTL: o.defaultTTL,
		hooks:      o.hooks,
		store: ttlstore.New(
			ttlstore.WithName[string, Result]("alerts"),
			ttlstore.WithClock[string, Result](o.now),
			ttlstore.WithDefaultTTL[string, Result](o.defaultTTL),
			ttlstore.WithSweepInterval[string, Result](o.sweepInterval),
			ttlstore.WithCapacity[string, Result](o.capacity),
		),
	}
}

// Get returns the cached result for a tenant without computing.
func (c *Cache) Get(tenantID string) (Result, bool) {
	return c.store.Get(tenantID)
}

// GetOrCompute returns the cached result, computing and storing it on a
// miss. Concurrent misses for the same tenant share one computation. A
// computation that an invalidation overtakes is returned to its callers but
// not stored.
func (c *Cache) GetOrCompute(ctx context.Context, tenantID string) (Result, error) {
	if tenantID == "" {
		return Result{}, ErrEmptyTenant
	}
	if res, ok := c.store.Get(tenantID); ok {
		return res, nil
	}
	if c.src == nil {
		return Result{}, fmt.Errorf("no alert source configured for tenant %s", tenantID)
	}

	tok := c.store.Token(tenantID)
	ch := c.group.DoChan(tenantID+"@"+tok.String(), func() (any, error) {
		// Shared by every waiter, so one caller's cancellation must not fail the rest.
		cctx, ll := logctx.WithTenant(context.WithoutCancel(ctx), tenantID)

		res, err := Compute(cctx, c.src, tenantID)
		if err != nil {
			return Result{}, err
		}
		if !c.store.SetIfCurrent(tenantID, tok, res, c.defaultTTL) {
			ll.Debug("Discarding alert result overtaken by invalidation")
		}
		c.runHooks(cctx, tenantID, res)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	}
}

// Set stores a result unconditionally. A non-positive ttl selects the
// cache's default TTL.
func (c *Cache) Set(tenantID string, res Result, ttl time.Duration) {
	c.store.Set(tenantID, res, ttl)
}

// Token snapshots the invalidation state of a tenant before a compute.
func (c *Cache) Token(tenantID string) ttlstore.Token {
	return c.store.Token(tenantID)
}

// SetIfCurrent stores res only if tenantID was not invalidated since tok.
func (c *Cache) SetIfCurrent(tenantID string, tok ttlstore.Token, res Result, ttl time.Duration) bool {
	return c.store.SetIfCurrent(tenantID, tok, res, ttl)
}

// Invalidate drops the tenant's cached result. Once it returns, no reader
// observes the dropped value and no compute that started earlier can store.
func (c *Cache) Invalidate(_ context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrEmptyTenant
	}
	c.store.Invalidate(tenantID)
	return nil
}

// InvalidateAll drops every cached result.
func (c *Cache) InvalidateAll() {
	c.store.InvalidateAll()
	slog.Info("Invalidated all cached alert results")
}

func (c *Cache) Stats() ttlstore.Stats[string] {
	return c.store.Stats()
}

// Start begins the background sweep of expired results.
func (c *Cache) Start() {
	c.store.StartSweeper()
}

// Close stops the sweep and drops all results.
func (c *Cache) Close() {
	c.store.Close()
}

func (c *Cache) runHooks(ctx context.Context, tenantID string, res Result) {
	for _, h := range c.hooks {
		RunHook(ctx, h, tenantID, res)
	}
}

// RunHook invokes h, recovering and logging a panic.
func RunHook(ctx context.Context, h ResultHook, tenantID string, res Result) {
	defer func() {
		if p := recover(); p != nil {
			logctx.FromContext(ctx).Error("Alert result hook panicked",
				slog.String("tenantID", tenantID), slog.Any("panic", p))
		}
	}()
	h(ctx, tenantID, res)
}

// Compute calls src.Compute, turning a panic into an error and recording
// metrics for the attempt.
func Compute(ctx context.Context, src Source, tenantID string) (res Result, err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("alert source panicked: %v", p)
		}
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		alertComputes.Add(ctx, 1, attrs)
		alertComputeDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}()
	return src.Compute(ctx, tenantID)
}
