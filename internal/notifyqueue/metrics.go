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

package notifyqueue

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	notificationsEnqueued metric.Int64Counter
	notificationsSent     metric.Int64Counter
	notificationsRetried  metric.Int64Counter
	notificationsFailed   metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/pedroscharrff/birding-sub001/internal/notifyqueue")

	var err error
	notificationsEnqueued, err = meter.Int64Counter(
		"birding.notifications.enqueued",
		metric.WithDescription("Count of notifications accepted by the queue"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create notifications.enqueued counter: %w", err))
	}

	notificationsSent, err = meter.Int64Counter(
		"birding.notifications.sent",
		metric.WithDescription("Count of notifications delivered"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create notifications.sent counter: %w", err))
	}

	notificationsRetried, err = meter.Int64Counter(
		"birding.notifications.retried",
		metric.WithDescription("Count of failed attempts that will be retried"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create notifications.retried counter: %w", err))
	}

	notificationsFailed, err = meter.Int64Counter(
		"birding.notifications.failed",
		metric.WithDescription("Count of notifications that exhausted their attempts"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create notifications.failed counter: %w", err))
	}
}

func notificationAttrs(n *Notification) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("channel", string(n.Channel)),
		attribute.String("priority", string(n.Priority)),
	)
}
