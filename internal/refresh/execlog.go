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
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ExecutionLog records one refresh run. It is not modified after the run
// finishes.
type ExecutionLog struct {
	JobID            string    `json:"jobId"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
	DurationMs       int64     `json:"durationMs"`
	TenantsProcessed int       `json:"tenantsProcessed"`
	// TenantsSkipped counts processed tenants whose result was not stored
	// because the tenant was invalidated while it was being computed.
	TenantsSkipped  int      `json:"tenantsSkipped"`
	AlertsGenerated int      `json:"alertsGenerated"`
	Errors          []string `json:"errors"`
	Fatal           bool     `json:"fatal"`

	errs []error
}

func (l *ExecutionLog) tenantError(tenantID string, err error) {
	err = fmt.Errorf("tenant %s: %w", tenantID, err)
	l.errs = append(l.errs, err)
	l.Errors = append(l.Errors, err.Error())
}

func (l *ExecutionLog) fatal(err error) {
	err = fmt.Errorf("fatal: %w", err)
	l.Fatal = true
	l.errs = append(l.errs, err)
	l.Errors = append(l.Errors, err.Error())
}

// Err returns every recorded failure as one error, or nil.
func (l ExecutionLog) Err() error {
	var result *multierror.Error
	for _, err := range l.errs {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (l ExecutionLog) clone() ExecutionLog {
	l.Errors = slices.Clone(l.Errors)
	l.errs = slices.Clone(l.errs)
	return l
}

// history keeps the most recent logs in a fixed-size ring.
type history struct {
	buf   []ExecutionLog
	start int
	n     int
}

func newHistory(size int) *history {
	if size < 1 {
		size = 1
	}
	return &history{buf: make([]ExecutionLog, size)}
}

func (h *history) push(l ExecutionLog) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = l
		h.n++
		return
	}
	h.buf[h.start] = l
	h.start = (h.start + 1) % len(h.buf)
}

// last returns up to limit of the most recent logs, oldest first. A
// non-positive limit returns all of them.
func (h *history) last(limit int) []ExecutionLog {
	if limit <= 0 || limit > h.n {
		limit = h.n
	}
	out := make([]ExecutionLog, 0, limit)
	for i := h.n - limit; i < h.n; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)].clone())
	}
	return out
}

func (h *history) latest() (ExecutionLog, bool) {
	if h.n == 0 {
		return ExecutionLog{}, false
	}
	return h.buf[(h.start+h.n-1)%len(h.buf)].clone(), true
}
