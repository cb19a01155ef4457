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

package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedroscharrff/birding-sub001/internal/alerts"
)

type fakeSource struct {
	mu      sync.Mutex
	tenants []string
	listErr error
	failing map[string]error
	compute func(ctx context.Context, tenantID string) (alerts.Result, error)
	calls   []string
}

func (f *fakeSource) ListTenants(context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tenants, nil
}

func (f *fakeSource) Compute(ctx context.Context, tenantID string) (alerts.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tenantID)
	f.mu.Unlock()

	if err := f.failing[tenantID]; err != nil {
		return alerts.Result{}, err
	}
	if f.compute != nil {
		return f.compute(ctx, tenantID)
	}
	return alerts.NewResult([]alerts.Alert{
		{ID: tenantID + "-1", TenantID: tenantID, Severity: alerts.SeverityCritical},
		{ID: tenantID + "-2", TenantID: tenantID, Severity: alerts.SeverityInfo},
	}, time.Now()), nil
}

func (f *fakeSource) computed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestScheduler(t *testing.T, src alerts.Source, opts ...Option) (*Scheduler, *alerts.Cache) {
	t.Helper()
	cache := alerts.NewCache(src)
	t.Cleanup(cache.Close)
	s := New(src, cache, opts...)
	t.Cleanup(s.Stop)
	return s, cache
}

func TestExecute_IsolatesTenantFailure(t *testing.T) {
	src := &fakeSource{
		tenants: []string{"t1", "t2", "t3", "t4"},
		failing: map[string]error{"t3": errors.New("query timeout")},
	}
	s, cache := newTestScheduler(t, src)

	xlog := s.Execute(context.Background())

	assert.Equal(t, 3, xlog.TenantsProcessed)
	assert.Equal(t, 6, xlog.AlertsGenerated)
	require.Len(t, xlog.Errors, 1)
	assert.Equal(t, "tenant t3: query timeout", xlog.Errors[0])
	assert.False(t, xlog.Fatal)
	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, src.computed(), "tenants are processed in listing order")

	for _, id := range []string{"t1", "t2", "t4"} {
		res, ok := cache.Get(id)
		require.True(t, ok, "tenant %s should be cached", id)
		assert.Equal(t, 2, res.Counts.Total)
	}
	_, ok := cache.Get("t3")
	assert.False(t, ok)
}

func TestExecute_FatalListingError(t *testing.T) {
	src := &fakeSource{listErr: errors.New("connection refused")}
	s, _ := newTestScheduler(t, src)

	xlog := s.Execute(context.Background())

	assert.True(t, xlog.Fatal)
	assert.Equal(t, 0, xlog.TenantsProcessed)
	require.Len(t, xlog.Errors, 1)
	assert.Equal(t, "fatal: listing tenants: connection refused", xlog.Errors[0])
	assert.False(t, xlog.FinishedAt.IsZero(), "a fatal run still completes")

	require.Len(t, s.ExecutionLogs(10), 1, "a fatal run is still recorded")
}

type panickingLister struct{ fakeSource }

func (p *panickingLister) ListTenants(context.Context) ([]string, error) {
	panic("nil pointer")
}

func TestExecute_PanicIsFatal(t *testing.T) {
	s, _ := newTestScheduler(t, &panickingLister{})

	var xlog ExecutionLog
	require.NotPanics(t, func() { xlog = s.Execute(context.Background()) })
	assert.True(t, xlog.Fatal)
	require.Len(t, xlog.Errors, 1)
	assert.Contains(t, xlog.Errors[0], "fatal: panic: nil pointer")
}

func TestExecute_ComputePanicIsTenantFailure(t *testing.T) {
	src := &fakeSource{
		tenants: []string{"t1", "t2"},
		compute: func(_ context.Context, tenantID string) (alerts.Result, error) {
			if tenantID == "t1" {
				panic("bad row")
			}
			return alerts.NewResult(nil, time.Now()), nil
		},
	}
	s, _ := newTestScheduler(t, src)

	xlog := s.Execute(context.Background())
	assert.Equal(t, 1, xlog.TenantsProcessed)
	require.Len(t, xlog.Errors, 1)
	assert.Contains(t, xlog.Errors[0], "tenant t1: ")
	assert.False(t, xlog.Fatal)
}

func TestExecute_DeduplicatesTenants(t *testing.T) {
	src := &fakeSource{tenants: []string{"t1", "t2", "t1", "", "t2"}}
	s, _ := newTestScheduler(t, src)

	xlog := s.Execute(context.Background())

	assert.Equal(t, []string{"t1", "t2"}, src.computed())
	assert.Equal(t, 2, xlog.TenantsProcessed)
	require.Len(t, xlog.Errors, 1, "empty tenant id is recorded")
	assert.ErrorIs(t, xlog.Err(), alerts.ErrEmptyTenant)
}

func TestExecute_StoresWithRefreshTTL(t *testing.T) {
	src := &fakeSource{tenants: []string{"t1"}}
	s, cache := newTestScheduler(t, src, WithRefreshTTL(2*time.Hour))

	s.Execute(context.Background())

	st := cache.Stats()
	require.Len(t, st.Entries, 1)
	assert.Equal(t, "t1", st.Entries[0].Key)
	assert.Equal(t, 2*time.Hour, st.Entries[0].TTL)
}

func TestExecute_DefaultRefreshTTL(t *testing.T) {
	src := &fakeSource{tenants: []string{"t1"}}
	s, cache := newTestScheduler(t, src)

	s.Execute(context.Background())

	st := cache.Stats()
	require.Len(t, st.Entries, 1)
	assert.Equal(t, time.Hour, st.Entries[0].TTL)
}

func TestExecute_InvalidationDuringComputeIsNotOverwritten(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	src := &fakeSource{
		tenants: []string{"t1", "t2"},
		compute: func(_ context.Context, tenantID string) (alerts.Result, error) {
			if tenantID == "t1" {
				close(started)
				<-release
			}
			return alerts.NewResult([]alerts.Alert{{ID: "old"}}, time.Now()), nil
		},
	}
	s, cache := newTestScheduler(t, src)

	done := make(chan ExecutionLog)
	go func() { done <- s.Execute(context.Background()) }()

	<-started
	require.NoError(t, cache.Invalidate(context.Background(), "t1"))
	close(release)
	xlog := <-done

	assert.Equal(t, 2, xlog.TenantsProcessed)
	assert.Equal(t, 1, xlog.TenantsSkipped)
	_, ok := cache.Get("t1")
	assert.False(t, ok, "stale result must not repopulate an invalidated tenant")
	_, ok = cache.Get("t2")
	assert.True(t, ok)
}

func TestExecute_RunsHooks(t *testing.T) {
	src := &fakeSource{tenants: []string{"t1", "t2"}}
	var mu sync.Mutex
	seen := map[string]int{}
	s, _ := newTestScheduler(t, src, WithResultHook(func(_ context.Context, tenantID string, res alerts.Result) {
		mu.Lock()
		defer mu.Unlock()
		seen[tenantID] = res.Counts.Critical
	}))

	s.Execute(context.Background())

	assert.Equal(t, map[string]int{"t1": 1, "t2": 1}, seen)
}

func TestExecute_UsesClock(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	var calls atomic.Int64
	clock := func() time.Time {
		return base.Add(time.Duration(calls.Add(1)-1) * 1500 * time.Millisecond)
	}
	s, _ := newTestScheduler(t, &fakeSource{}, WithClock(clock))

	xlog := s.Execute(context.Background())

	assert.Equal(t, base, xlog.StartedAt)
	assert.Equal(t, base.Add(1500*time.Millisecond), xlog.FinishedAt)
	assert.Equal(t, int64(1500), xlog.DurationMs)
	assert.NotEmpty(t, xlog.JobID)
	assert.NoError(t, xlog.Err())
}

func TestExecutionLogs_RingBuffer(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSource{})

	var ids []string
	for range DefaultHistorySize + 5 {
		ids = append(ids, s.Execute(context.Background()).JobID)
	}

	all := s.ExecutionLogs(0)
	require.Len(t, all, DefaultHistorySize)
	assert.Equal(t, ids[5], all[0].JobID, "oldest retained log")
	assert.Equal(t, ids[len(ids)-1], all[len(all)-1].JobID, "most recent last")

	recent := s.ExecutionLogs(3)
	require.Len(t, recent, 3)
	assert.Equal(t, ids[len(ids)-3:], []string{recent[0].JobID, recent[1].JobID, recent[2].JobID})

	assert.Len(t, s.ExecutionLogs(1000), DefaultHistorySize)
}

func TestExecutionLogs_AreCopies(t *testing.T) {
	src := &fakeSource{tenants: []string{"t1"}, failing: map[string]error{"t1": errors.New("x")}}
	s, _ := newTestScheduler(t, src)
	s.Execute(context.Background())

	logs := s.ExecutionLogs(1)
	require.Len(t, logs, 1)
	logs[0].Errors[0] = "mutated"

	assert.Equal(t, "tenant t1: x", s.ExecutionLogs(1)[0].Errors[0])
}

func TestStatus(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSource{tenants: []string{"t1"}})

	st := s.Status()
	assert.False(t, st.IsRunning)
	assert.Nil(t, st.LastExecution)
	assert.Equal(t, int64(0), st.ExecutionCount)

	s.Execute(context.Background())
	s.Execute(context.Background())

	st = s.Status()
	assert.Equal(t, int64(2), st.ExecutionCount)
	require.NotNil(t, st.LastExecution)
	assert.Equal(t, 1, st.LastExecution.TenantsProcessed)
}

func TestStartStop(t *testing.T) {
	src := &fakeSource{tenants: []string{"t1"}}
	s, cache := newTestScheduler(t, src)

	require.True(t, s.Start(time.Hour))
	assert.False(t, s.Start(time.Hour), "second start is a no-op")

	require.Eventually(t, func() bool { return s.Status().ExecutionCount == 1 }, time.Second, 5*time.Millisecond,
		"first run happens immediately")
	_, ok := cache.Get("t1")
	assert.True(t, ok)
	assert.True(t, s.Status().IsRunning)

	s.Stop()
	assert.False(t, s.Status().IsRunning)
	assert.Equal(t, int64(1), s.Status().ExecutionCount)
}

func TestStartStop_NoRunAfterStop(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSource{tenants: []string{"t1"}})

	s.Start(10 * time.Millisecond)
	time.Sleep(35 * time.Millisecond)
	s.Stop()

	count := s.Status().ExecutionCount
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, count, s.Status().ExecutionCount)
}

func TestExecute_Serialized(t *testing.T) {
	var active, maxActive atomic.Int64
	src := &fakeSource{
		tenants: []string{"t1"},
		compute: func(context.Context, string) (alerts.Result, error) {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return alerts.NewResult(nil, time.Now()), nil
		},
	}
	s, _ := newTestScheduler(t, src)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Execute(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxActive.Load())
	assert.Equal(t, int64(5), s.Status().ExecutionCount)
}
