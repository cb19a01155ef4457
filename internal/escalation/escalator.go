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

// Package escalation turns critical alerts into notifications.
package escalation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/pedroscharrff/birding-sub001/internal/alerts"
	"github.com/pedroscharrff/birding-sub001/internal/logctx"
	"github.com/pedroscharrff/birding-sub001/internal/notifyqueue"
)

const DefaultDedupeWindow = 24 * time.Hour

// Enqueuer accepts notifications. *notifyqueue.Queue implements it.
type Enqueuer interface {
	Enqueue(req notifyqueue.Request) (string, error)
}

// Escalator notifies a tenant's contacts about each critical alert, at most
// once per contact within the de-duplication window.
type Escalator struct {
	q      Enqueuer
	dir    Directory
	window time.Duration
	ll     *slog.Logger
	seen   *ttlcache.Cache[string, struct{}]
}

type Option func(*Escalator)

// WithDedupeWindow sets how long an escalated alert stays silent.
func WithDedupeWindow(d time.Duration) Option {
	return func(e *Escalator) { e.window = d }
}

func WithLogger(ll *slog.Logger) Option {
	return func(e *Escalator) { e.ll = ll }
}

func New(q Enqueuer, dir Directory, opts ...Option) *Escalator {
	e := &Escalator{
		q:      q,
		dir:    dir,
		window: DefaultDedupeWindow,
		ll:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ll = e.ll.With("component", "escalation")
	e.seen = ttlcache.New(
		ttlcache.WithTTL[string, struct{}](e.window),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	return e
}

// Observe enqueues notifications for the critical alerts in res. It has the
// shape of alerts.ResultHook and never fails; problems are logged.
func (e *Escalator) Observe(ctx context.Context, tenantID string, res alerts.Result) {
	critical := res.Critical()
	if len(critical) == 0 {
		return
	}
	e.seen.DeleteExpired()

	ll := logctx.FromContext(ctx).With(slog.String("tenantID", tenantID))
	contacts, err := e.dir.Contacts(ctx, tenantID)
	if err != nil {
		ll.Warn("Failed to resolve escalation contacts", slog.Any("error", err))
		return
	}
	if len(contacts) == 0 {
		ll.Debug("No escalation contacts for tenant", slog.Int("critical", len(critical)))
		return
	}

	enqueued := 0
	for _, a := range critical {
		for _, c := range contacts {
			key := dedupeKey(tenantID, a, c)
			if _, found := e.seen.GetOrSet(key, struct{}{}); found {
				continue
			}
			id, err := e.q.Enqueue(notificationFor(tenantID, a, c))
			if err != nil {
				e.seen.Delete(key)
				ll.Warn("Failed to enqueue escalation",
					slog.String("alertID", a.ID),
					slog.String("recipient", c.Recipient),
					slog.Any("error", err))
				continue
			}
			enqueued++
			ll.Debug("Escalated critical alert",
				slog.String("alertID", a.ID),
				slog.String("notificationID", id))
		}
	}
	if enqueued > 0 {
		ll.Info("Escalated critical alerts", slog.Int("notifications", enqueued))
	}
}

// Hook returns Observe as an alerts.ResultHook.
func (e *Escalator) Hook() alerts.ResultHook {
	return e.Observe
}

func dedupeKey(tenantID string, a alerts.Alert, c Contact) string {
	alertKey := a.ID
	if alertKey == "" {
		alertKey = a.Type + ":" + a.EntityType + ":" + a.EntityID
	}
	return strings.Join([]string{tenantID, alertKey, string(c.Channel), c.Recipient}, "|")
}

func notificationFor(tenantID string, a alerts.Alert, c Contact) notifyqueue.Request {
	message := a.Message
	if message == "" {
		message = a.Title
	}
	meta := map[string]string{
		"tenantId":  tenantID,
		"alertId":   a.ID,
		"alertType": a.Type,
	}
	if a.EntityType != "" {
		meta["entityType"] = a.EntityType
		meta["entityId"] = a.EntityID
	}
	if c.Name != "" {
		meta["contact"] = c.Name
	}
	return notifyqueue.Request{
		Channel:   c.Channel,
		Recipient: c.Recipient,
		Subject:   "[critical] " + a.Title,
		Message:   message,
		Priority:  notifyqueue.PriorityCritical,
		Metadata:  meta,
	}
}
