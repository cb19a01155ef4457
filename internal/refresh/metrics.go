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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("github.com/pedroscharrff/birding-sub001/internal/refresh")

	refreshRuns           metric.Int64Counter
	refreshTenantFailures metric.Int64Counter
	refreshDuration       metric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/pedroscharrff/birding-sub001/internal/refresh")

	var err error
	refreshRuns, err = meter.Int64Counter(
		"birding.refresh.runs",
		metric.WithDescription("Count of alert refresh runs, by outcome"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create refresh.runs counter: %w", err))
	}

	refreshTenantFailures, err = meter.Int64Counter(
		"birding.refresh.tenant.failures",
		metric.WithDescription("Count of tenants whose alert refresh failed"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create refresh.tenant.failures counter: %w", err))
	}

	refreshDuration, err = meter.Float64Histogram(
		"birding.refresh.duration",
		metric.WithDescription("Wall time of alert refresh runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create refresh.duration histogram: %w", err))
	}
}
