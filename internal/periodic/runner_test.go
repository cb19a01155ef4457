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

package periodic

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_RunsImmediately(t *testing.T) {
	var calls atomic.Int64
	r := New("test", func(ctx context.Context) { calls.Add(1) }, nil)

	require.True(t, r.Start(time.Hour))
	t.Cleanup(r.Stop)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Running())
}

func TestRunner_Repeats(t *testing.T) {
	var calls atomic.Int64
	r := New("test", func(ctx context.Context) { calls.Add(1) }, nil)

	r.Start(20 * time.Millisecond)
	t.Cleanup(r.Stop)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunner_StartIsIdempotent(t *testing.T) {
	var calls atomic.Int64
	r := New("test", func(ctx context.Context) { calls.Add(1) }, nil)

	assert.True(t, r.Start(time.Hour))
	assert.False(t, r.Start(time.Hour))
	r.Stop()

	assert.Equal(t, int64(1), calls.Load(), "second Start must not trigger another run")
}

func TestRunner_NoTickAfterStop(t *testing.T) {
	var calls atomic.Int64
	r := New("test", func(ctx context.Context) { calls.Add(1) }, nil)

	r.Start(5 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
	assert.False(t, r.Running())
}

func TestRunner_StopWaitsForInFlightTick(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var ctxErr atomic.Value

	r := New("test", func(ctx context.Context) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			ctxErr.Store(err)
		}
		finished.Store(true)
	}, nil)

	r.Start(time.Hour)
	<-started

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a tick was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-stopped
	assert.True(t, finished.Load())
	assert.Nil(t, ctxErr.Load(), "in-flight tick context must not be cancelled by Stop")
}

func TestRunner_RecoversPanics(t *testing.T) {
	var calls atomic.Int64
	r := New("test", func(ctx context.Context) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}, nil)

	r.Start(10 * time.Millisecond)
	t.Cleanup(r.Stop)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestRunner_StopWhenStopped(t *testing.T) {
	r := New("test", func(ctx context.Context) {}, nil)
	assert.NotPanics(t, r.Stop)
}

func TestRunner_Restart(t *testing.T) {
	var calls atomic.Int64
	r := New("test", func(ctx context.Context) { calls.Add(1) }, nil)

	r.Start(time.Hour)
	r.Stop()
	require.True(t, r.Start(time.Hour))
	r.Stop()

	assert.Equal(t, int64(2), calls.Load())
}

func TestRunner_InvalidInterval(t *testing.T) {
	r := New("test", func(ctx context.Context) {}, nil)
	assert.Panics(t, func() { r.Start(0) })
}
