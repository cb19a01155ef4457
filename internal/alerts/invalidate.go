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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pedroscharrff/birding-sub001/internal/logctx"
)

// Reason names the kind of committed mutation that triggered an
// invalidation.
type Reason string

const (
	ReasonOrderOfService   Reason = "order_of_service"
	ReasonParticipant      Reason = "participant"
	ReasonPayment          Reason = "payment"
	ReasonLodging          Reason = "lodging"
	ReasonTransport        Reason = "transport"
	ReasonActivity         Reason = "activity"
	ReasonGuideAssignment  Reason = "guide_assignment"
	ReasonDriverAssignment Reason = "driver_assignment"
	ReasonAdmin            Reason = "admin"
)

var ErrNoInvalidator = errors.New("no invalidator configured")

// Invalidator drops cached alert state for a tenant. *Cache implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

// InvalidationResult is the outcome of one after-commit invalidation.
type InvalidationResult struct {
	TenantID string
	Reason   Reason
	Err      error
}

func (r InvalidationResult) OK() bool {
	return r.Err == nil
}

// AfterCommit invalidates tenantID once the caller's mutation has been
// committed. It never fails the caller: errors and panics are logged and
// reported only through the returned result.
func AfterCommit(ctx context.Context, inv Invalidator, tenantID string, reason Reason) (res InvalidationResult) {
	res = InvalidationResult{TenantID: tenantID, Reason: reason}

	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("invalidator panicked: %v", p)
		}
		outcome := "success"
		if res.Err != nil {
			outcome = "error"
			logctx.FromContext(ctx).Warn("Alert cache invalidation failed (ignored)",
				slog.String("tenantID", tenantID),
				slog.String("reason", string(reason)),
				slog.Any("error", res.Err))
		}
		invalidations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", string(reason)),
			attribute.String("outcome", outcome),
		))
	}()

	switch {
	case inv == nil:
		res.Err = ErrNoInvalidator
	case tenantID == "":
		res.Err = ErrEmptyTenant
	default:
		res.Err = inv.Invalidate(ctx, tenantID)
	}
	return res
}
