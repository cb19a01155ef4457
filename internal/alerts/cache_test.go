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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Compute(ctx context.Context, tenantID string) (Result, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(Result), args.Error(1)
}

func (m *mockSource) ListTenants(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

type funcSource struct {
	compute func(ctx context.Context, tenantID string) (Result, error)
}

func (f funcSource) Compute(ctx context.Context, tenantID string) (Result, error) {
	return f.compute(ctx, tenantID)
}

func (f funcSource) ListTenants(context.Context) ([]string, error) {
	return nil, nil
}

func resultWith(n int) Result {
	var list []Alert
	for range n {
		list = append(list, Alert{Severity: SeverityWarning})
	}
	return NewResult(list, time.Time{})
}

func TestNewResult(t *testing.T) {
	res := NewResult([]Alert{
		{ID: "1", Severity: SeverityCritical},
		{ID: "2", Severity: SeverityWarning},
		{ID: "3", Severity: SeverityWarning},
		{ID: "4", Severity: SeverityInfo},
		{ID: "5", Severity: "bogus"},
	}, time.Time{})

	assert.Equal(t, Counts{Critical: 1, Warning: 2, Info: 1, Total: 5}, res.Counts)
	require.Len(t, res.Critical(), 1)
	assert.Equal(t, "1", res.Critical()[0].ID)

	empty := NewResult(nil, time.Time{})
	assert.NotNil(t, empty.Alerts)
	assert.Equal(t, 0, empty.Counts.Total)
}

func TestCache_GetOrCompute_MissThenHit(t *testing.T) {
	src := &mockSource{}
	src.On("Compute", mock.Anything, "t1").Return(resultWith(2), nil).Once()

	c := NewCache(src)
	t.Cleanup(c.Close)

	res, err := c.GetOrCompute(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counts.Total)

	res, err = c.GetOrCompute(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counts.Total)

	src.AssertNumberOfCalls(t, "Compute", 1)
}

func TestCache_GetOrCompute_ErrorNotCached(t *testing.T) {
	src := &mockSource{}
	src.On("Compute", mock.Anything, "t1").Return(Result{}, errors.New("db down")).Once()
	src.On("Compute", mock.Anything, "t1").Return(resultWith(1), nil).Once()

	c := NewCache(src)
	t.Cleanup(c.Close)

	_, err := c.GetOrCompute(context.Background(), "t1")
	require.Error(t, err)
	_, ok := c.Get("t1")
	assert.False(t, ok)

	res, err := c.GetOrCompute(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.Total)
}

func TestCache_GetOrCompute_SourcePanic(t *testing.T) {
	c := NewCache(funcSource{compute: func(context.Context, string) (Result, error) {
		panic("kaboom")
	}})
	t.Cleanup(c.Close)

	_, err := c.GetOrCompute(context.Background(), "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestCache_GetOrCompute_EmptyTenant(t *testing.T) {
	c := NewCache(&mockSource{})
	t.Cleanup(c.Close)

	_, err := c.GetOrCompute(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyTenant)
	assert.ErrorIs(t, c.Invalidate(context.Background(), ""), ErrEmptyTenant)
}

func TestCache_GetOrCompute_NoSource(t *testing.T) {
	c := NewCache(nil)
	t.Cleanup(c.Close)

	_, err := c.GetOrCompute(context.Background(), "t1")
	assert.Error(t, err)

	c.Set("t1", resultWith(3), 0)
	res, err := c.GetOrCompute(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Counts.Total)
}

func TestCache_GetOrCompute_CollapsesConcurrentMisses(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	c := NewCache(funcSource{compute: func(context.Context, string) (Result, error) {
		calls.Add(1)
		<-release
		return resultWith(4), nil
	}})
	t.Cleanup(c.Close)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.GetOrCompute(context.Background(), "t1")
			assert.NoError(t, err)
			assert.Equal(t, 4, res.Counts.Total)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
}

func TestCache_InvalidationOvertakesCompute(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int64
	c := NewCache(funcSource{compute: func(context.Context, string) (Result, error) {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-release
			return resultWith(1), nil
		}
		return resultWith(2), nil
	}})
	t.Cleanup(c.Close)

	done := make(chan Result)
	go func() {
		res, err := c.GetOrCompute(context.Background(), "t1")
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	require.NoError(t, c.Invalidate(context.Background(), "t1"))
	close(release)

	stale := <-done
	assert.Equal(t, 1, stale.Counts.Total, "the in-flight caller still gets its answer")
	_, ok := c.Get("t1")
	assert.False(t, ok, "pre-invalidation compute must not be cached")

	fresh, err := c.GetOrCompute(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Counts.Total)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCache_InvalidateThenRead(t *testing.T) {
	src := &mockSource{}
	src.On("Compute", mock.Anything, "t1").Return(resultWith(7), nil).Once()

	c := NewCache(src)
	t.Cleanup(c.Close)

	c.Set("t1", resultWith(1), time.Hour)
	require.NoError(t, c.Invalidate(context.Background(), "t1"))

	_, ok := c.Get("t1")
	assert.False(t, ok)

	res, err := c.GetOrCompute(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Counts.Total)
}

func TestCache_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	c := NewCache(funcSource{compute: func(context.Context, string) (Result, error) {
		<-release
		return resultWith(1), nil
	}})
	t.Cleanup(c.Close)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.GetOrCompute(ctx, "t1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCache_DefaultTTLUsesClock(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	src := &mockSource{}
	src.On("Compute", mock.Anything, "t1").Return(resultWith(1), nil).Twice()

	c := NewCache(src, WithClock(clock), WithDefaultTTL(time.Minute))
	t.Cleanup(c.Close)

	_, err := c.GetOrCompute(context.Background(), "t1")
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(61 * time.Second)
	mu.Unlock()

	_, ok := c.Get("t1")
	assert.False(t, ok)

	_, err = c.GetOrCompute(context.Background(), "t1")
	require.NoError(t, err)
	src.AssertNumberOfCalls(t, "Compute", 2)
}

func TestCache_ResultHooks(t *testing.T) {
	src := &mockSource{}
	src.On("Compute", mock.Anything, "t1").Return(resultWith(3), nil)

	var seen atomic.Int64
	c := NewCache(src,
		WithResultHook(func(context.Context, string, Result) { panic("bad hook") }),
		WithResultHook(func(_ context.Context, tenantID string, res Result) {
			assert.Equal(t, "t1", tenantID)
			seen.Add(int64(res.Counts.Total))
		}),
	)
	t.Cleanup(c.Close)

	_, err := c.GetOrCompute(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), seen.Load(), "a panicking hook must not stop the next one")

	_, err = c.GetOrCompute(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), seen.Load(), "cache hits do not fire hooks")
}

func TestCache_InvalidateAllAndStats(t *testing.T) {
	c := NewCache(nil)
	t.Cleanup(c.Close)

	c.Set("a", resultWith(1), time.Hour)
	c.Set("b", resultWith(1), RefreshTTL)
	st := c.Stats()
	assert.Equal(t, 2, st.Size)

	c.InvalidateAll()
	c.InvalidateAll()
	assert.Equal(t, 0, c.Stats().Size)
}
