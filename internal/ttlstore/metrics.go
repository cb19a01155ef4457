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

package ttlstore

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	cacheEvictions metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/pedroscharrff/birding-sub001/internal/ttlstore")

	var err error
	cacheHits, err = meter.Int64Counter(
		"birding.cache.hits",
		metric.WithDescription("Count of cache reads that returned a live entry"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache.hits counter: %w", err))
	}

	cacheMisses, err = meter.Int64Counter(
		"birding.cache.misses",
		metric.WithDescription("Count of cache reads that found no live entry"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache.misses counter: %w", err))
	}

	cacheEvictions, err = meter.Int64Counter(
		"birding.cache.evictions",
		metric.WithDescription("Count of cache entries removed, by reason"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache.evictions counter: %w", err))
	}
}
