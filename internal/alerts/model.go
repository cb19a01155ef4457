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
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Alert is one computed condition for a tenant, such as a departure in two
// days with no guide assigned.
type Alert struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenantId"`
	Type       string            `json:"type"`
	Severity   Severity          `json:"severity"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	EntityType string            `json:"entityType,omitempty"`
	EntityID   string            `json:"entityId,omitempty"`
	DueAt      *time.Time        `json:"dueAt,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type Counts struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

// Result is the full alert computation for one tenant.
type Result struct {
	Alerts     []Alert   `json:"alerts"`
	Counts     Counts    `json:"counts"`
	ComputedAt time.Time `json:"computedAt"`
}

// NewResult builds a Result and derives its counts from the alerts.
// Alerts with an unrecognised severity count toward Total only.
func NewResult(alerts []Alert, computedAt time.Time) Result {
	if alerts == nil {
		alerts = []Alert{}
	}
	res := Result{Alerts: alerts, ComputedAt: computedAt}
	for _, a := range alerts {
		switch a.Severity {
		case SeverityCritical:
			res.Counts.Critical++
		case SeverityWarning:
			res.Counts.Warning++
		case SeverityInfo:
			res.Counts.Info++
		}
	}
	res.Counts.Total = len(alerts)
	return res
}

// Critical returns the critical alerts in their original order.
func (r Result) Critical() []Alert {
	var out []Alert
	for _, a := range r.Alerts {
		if a.Severity == SeverityCritical {
			out = append(out, a)
		}
	}
	return out
}

// Source computes alerts. It is implemented by the data layer.
type Source interface {
	// Compute returns the current alerts for a tenant.
	Compute(ctx context.Context, tenantID string) (Result, error)
	// ListTenants returns every tenant whose alerts should be refreshed.
	ListTenants(ctx context.Context) ([]string, error)
}

// ResultHook observes every freshly computed result.
type ResultHook func(ctx context.Context, tenantID string, res Result)
