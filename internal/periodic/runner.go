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

// Package periodic runs a function immediately and then on a fixed interval
// until stopped.
package periodic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Func is the work performed on every tick.
type Func func(ctx context.Context)

// Runner owns a single background loop. Start and Stop may be called from
// any goroutine.
type Runner struct {
	name string
	fn   Func
	ll   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped runner. The logger may be nil.
func New(name string, fn Func, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		name: name,
		fn:   fn,
		ll:   logger.With("component", name),
	}
}

// Start launches the loop: fn runs once right away, then every interval.
// Returns false if the loop was already running.
func (r *Runner) Start(interval time.Duration) bool {
	if interval <= 0 {
		panic(fmt.Sprintf("periodic: %s: interval must be positive, got %s", r.name, interval))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		r.ll.Info("Already running, ignoring start")
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	r.ll.Info("Starting periodic loop", slog.Duration("interval", interval))
	go r.run(ctx, interval, r.done)
	return true
}

// Stop prevents any further tick and waits for the loop to exit. A tick that
// is already executing runs to completion first. Calling Stop on a stopped
// runner is a no-op.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
	r.ll.Info("Stopped periodic loop")
}

// Running reports whether the loop is active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done != nil
}

func (r *Runner) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	r.tick(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// Both channels may be ready at once; cancellation wins.
			if ctx.Err() != nil {
				return
			}
			r.tick(ctx)
		}
	}
}

// tick invokes fn with a context that Stop does not cancel, so in-flight
// work is never cut short.
func (r *Runner) tick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.ll.Error("Periodic task panicked (continuing)", slog.Any("panic", p))
		}
	}()
	r.fn(context.WithoutCancel(ctx))
}
