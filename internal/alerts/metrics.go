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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	alertComputes        metric.Int64Counter
	alertComputeDuration metric.Float64Histogram
	invalidations        metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/pedroscharrff/birding-sub001/internal/alerts")

	var err error
	alertComputes, err = meter.Int64Counter(
		"birding.alerts.computes",
		metric.WithDescription("Count of per-tenant alert computations, by outcome"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create alerts.computes counter: %w", err))
	}

	alertComputeDuration, err = meter.Float64Histogram(
		"birding.alerts.compute.duration",
		metric.WithDescription("Duration of per-tenant alert computations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create alerts.compute.duration histogram: %w", err))
	}

	invalidations, err = meter.Int64Counter(
		"birding.alerts.invalidations",
		metric.WithDescription("Count of after-commit invalidations, by reason and outcome"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create alerts.invalidations counter: %w", err))
	}
}
