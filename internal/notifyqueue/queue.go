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

// Package notifyqueue is an in-memory, priority ordered, retrying queue of
// outbound notifications.
//
// A periodic drain selects every due pending notification, orders them by
// priority and delivers them one at a time through a Sender. A failed
// delivery returns the notification to pending until it has used its
// attempts, after which it is marked failed.
package notifyqueue

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/pedroscharrff/birding-sub001/internal/idgen"
	"github.com/pedroscharrff/birding-sub001/internal/periodic"
)

// Config controls delivery and retention.
type Config struct {
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	// RetryBackoff of zero retries on the next drain. A positive value delays
	// attempt n+1 by RetryBackoff * 2^(n-1).
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	CleanupAge   time.Duration `mapstructure:"cleanup_age"`
	// CleanupCancelled lets Cleanup also remove old cancelled notifications.
	CleanupCancelled bool `mapstructure:"cleanup_cancelled"`
}

func DefaultConfig() Config {
	return Config{
		DrainInterval: 30 * time.Second,
		MaxAttempts:   3,
		CleanupAge:    7 * 24 * time.Hour,
	}
}

// maxBackoff caps the exponential retry delay.
const maxBackoff = 24 * time.Hour

// Queue is safe for concurrent use.
type Queue struct {
	sender Sender
	cfg    Config
	now    func() time.Time
	newID  func() string
	ll     *slog.Logger
	runner *periodic.Runner

	// drainMu allows one drain at a time.
	drainMu sync.Mutex

	mu    sync.Mutex
	items map[string]*Notification
	seq   uint64
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(ll *slog.Logger) Option {
	return func(q *Queue) { q.ll = ll }
}

// WithIDGenerator replaces the notification id generator.
func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) { q.newID = fn }
}

// New creates an empty queue. Zero fields of cfg take their defaults.
func New(sender Sender, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.CleanupAge <= 0 {
		cfg.CleanupAge = def.CleanupAge
	}

	q := &Queue{
		sender: sender,
		cfg:    cfg,
		now:    time.Now,
		newID:  idgen.NewNotificationID,
		ll:     slog.Default(),
		items:  make(map[string]*Notification),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ll = q.ll.With("component", "notification-queue")
	q.runner = periodic.New("notification-drain", func(ctx context.Context) {
		q.ProcessQueue(ctx)
	}, q.ll)
	return q
}

// Enqueue validates req and stores it as a pending notification. It never
// attempts delivery.
func (q *Queue) Enqueue(req Request) (string, error) {
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	switch {
	case !req.Channel.Valid():
		return "", fmt.Errorf("%w: unknown channel %q", ErrInvalidNotification, req.Channel)
	case !req.Priority.Valid():
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidNotification, req.Priority)
	case strings.TrimSpace(req.Recipient) == "":
		return "", fmt.Errorf("%w: recipient is required", ErrInvalidNotification)
	case strings.TrimSpace(req.Message) == "":
		return "", fmt.Errorf("%w: message is required", ErrInvalidNotification)
	case req.MaxAttempts < 0:
		return "", fmt.Errorf("%w: max attempts must not be negative", ErrInvalidNotification)
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = q.cfg.MaxAttempts
	}

	n := &Notification{
		ID:          q.newID(),
		Channel:     req.Channel,
		Recipient:   req.Recipient,
		Subject:     req.Subject,
		Message:     req.Message,
		Priority:    req.Priority,
		Metadata:    maps.Clone(req.Metadata),
		CreatedAt:   q.now(),
		MaxAttempts: req.MaxAttempts,
		Status:      StatusPending,
	}
	if req.ScheduledFor != nil {
		t := *req.ScheduledFor
		n.ScheduledFor = &t
	}

	q.mu.Lock()
	if _, dup := q.items[n.ID]; dup {
		q.mu.Unlock()
		return "", fmt.Errorf("duplicate notification id %s", n.ID)
	}
	q.seq++
	n.seq = q.seq
	q.items[n.ID] = n
	q.mu.Unlock()

	notificationsEnqueued.Add(context.Background(), 1, notificationAttrs(n))
	q.ll.Debug("Enqueued notification",
		slog.String("id", n.ID),
		slog.String("channel", string(n.Channel)),
		slog.String("priority", string(n.Priority)))
	return n.ID, nil
}

// StartProcessing drains now and then every interval. A non-positive
// interval selects the configured drain interval. It returns false if the
// drain loop is already running.
func (q *Queue) StartProcessing(interval time.Duration) bool {
	if interval <= 0 {
		interval = q.cfg.DrainInterval
	}
	return q.runner.Start(interval)
}

// StopProcessing prevents further drains. A drain in progress completes
// before StopProcessing returns.
func (q *Queue) StopProcessing() {
	q.runner.Stop()
}

func (q *Queue) Processing() bool {
	return q.runner.Running()
}

type candidate struct {
	id   string
	rank int
	due  time.Time
	seq  uint64
}

// ProcessQueue performs one drain: every pending notification that is due is
// attempted once, sequentially, highest priority first. If ctx is cancelled
// the remaining notifications are left pending for a later drain.
func (q *Queue) ProcessQueue(ctx context.Context) DrainResult {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var res DrainResult
	now := q.now()

	q.mu.Lock()
	var due []candidate
	for _, n := range q.items {
		if n.Status != StatusPending {
			continue
		}
		if n.ScheduledFor != nil && n.ScheduledFor.After(now) {
			continue
		}
		due = append(due, candidate{id: n.ID, rank: n.Priority.rank(), due: n.dueAt(), seq: n.seq})
	}
	q.mu.Unlock()

	slices.SortFunc(due, func(a, b candidate) int {
		return cmp.Or(
			cmp.Compare(a.rank, b.rank),
			a.due.Compare(b.due),
			cmp.Compare(a.seq, b.seq),
		)
	})
	res.Selected = len(due)

	for i, c := range due {
		if ctx.Err() != nil {
			res.Skipped += len(due) - i
			q.ll.Info("Drain cancelled, leaving notifications pending", slog.Int("remaining", len(due)-i))
			break
		}
		switch q.deliver(ctx, c.id) {
		case StatusSent:
			res.Sent++
		case StatusPending:
			res.Retried++
		case StatusFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}

	if res.Selected > 0 {
		q.ll.Info("Drained notification queue",
			slog.Int("selected", res.Selected),
			slog.Int("sent", res.Sent),
			slog.Int("retried", res.Retried),
			slog.Int("failed", res.Failed),
			slog.Int("skipped", res.Skipped))
	}
	return res
}

// deliver attempts one notification and returns its resulting status, or
// the empty status if it was no longer pending.
func (q *Queue) deliver(ctx context.Context, id string) Status {
	q.mu.Lock()
	n, ok := q.items[id]
	if !ok || n.Status != StatusPending {
		q.mu.Unlock()
		return ""
	}
	n.Status = StatusProcessing
	n.Attempts++
	attemptAt := q.now()
	n.LastAttemptAt = &attemptAt
	snapshot := n.clone()
	q.mu.Unlock()

	err := q.send(ctx, snapshot)

	q.mu.Lock()
	defer q.mu.Unlock()

	ll := q.ll.With(slog.String("id", n.ID), slog.Int("attempt", n.Attempts))
	if err == nil {
		n.Status = StatusSent
		notificationsSent.Add(ctx, 1, notificationAttrs(n))
		ll.Debug("Delivered notification")
		return n.Status
	}

	n.LastError = err.Error()
	if n.Attempts >= n.MaxAttempts {
		n.Status = StatusFailed
		notificationsFailed.Add(ctx, 1, notificationAttrs(n))
		ll.Error("Notification permanently failed", slog.Any("error", err))
		return n.Status
	}

	n.Status = StatusPending
	if q.cfg.RetryBackoff > 0 {
		next := q.now().Add(backoff(q.cfg.RetryBackoff, n.Attempts))
		n.ScheduledFor = &next
	}
	notificationsRetried.Add(ctx, 1, notificationAttrs(n))
	ll.Warn("Notification delivery failed, will retry", slog.Any("error", err))
	return n.Status
}

func (q *Queue) send(ctx context.Context, n Notification) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sender panicked: %v", p)
		}
	}()
	if q.sender == nil {
		return fmt.Errorf("%w %s", ErrUnknownChannel, n.Channel)
	}
	return q.sender.Send(ctx, n)
}

// backoff returns base * 2^(attempt-1), capped at maxBackoff.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff || d <= 0 {
			return maxBackoff
		}
	}
	return min(d, maxBackoff)
}

// Stats counts notifications by status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var st Stats
	for _, n := range q.items {
		switch n.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusSent:
			st.Sent++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	st.Total = len(q.items)
	return st
}

// NotificationsByStatus returns up to limit notifications in status, most
// recently created first. A non-positive limit returns all of them.
func (q *Queue) NotificationsByStatus(status Status, limit int) []Notification {
	q.mu.Lock()
	var matches []*Notification
	for _, n := range q.items {
		if n.Status == status {
			matches = append(matches, n)
		}
	}
	slices.SortFunc(matches, func(a, b *Notification) int {
		return cmp.Or(
			b.CreatedAt.Compare(a.CreatedAt),
			cmp.Compare(b.seq, a.seq),
		)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]Notification, 0, len(matches))
	for _, n := range matches {
		out = append(out, n.clone())
	}
	q.mu.Unlock()
	return out
}

// Get returns a copy of the notification with the given id.
func (q *Queue) Get(id string) (Notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.items[id]
	if !ok {
		return Notification{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n.clone(), nil
}

// Cancel moves a pending notification to cancelled. It returns false if the
// notification is unknown or no longer pending.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.items[id]
	if !ok || n.Status != StatusPending {
		return false
	}
	n.Status = StatusCancelled
	q.ll.Info("Cancelled notification", slog.String("id", id))
	return true
}

// Cleanup removes sent and failed notifications created before now minus
// olderThan, plus cancelled ones when so configured. A non-positive
// olderThan selects the configured cleanup age. Pending and processing
// notifications are never removed.
func (q *Queue) Cleanup(olderThan time.Duration) int {
	if olderThan <= 0 {
		olderThan = q.cfg.CleanupAge
	}
	removable := mapset.NewThreadUnsafeSet(StatusSent, StatusFailed)
	if q.cfg.CleanupCancelled {
		removable.Add(StatusCancelled)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-olderThan)
	removed := 0
	for id, n := range q.items {
		if removable.Contains(n.Status) && n.CreatedAt.Before(cutoff) {
			delete(q.items, id)
			removed++
		}
	}
	if removed > 0 {
		q.ll.Info("Cleaned up old notifications", slog.Int("removed", removed), slog.Duration("olderThan", olderThan))
	}
	return removed
}
