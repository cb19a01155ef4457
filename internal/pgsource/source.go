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

// Package pgsource computes alerts from a Postgres view of alert conditions.
//
// The business rules that decide what is an alert live in the database: the
// conditions view returns one row per alert with its tenant, severity and
// the entity it concerns.
package pgsource

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pedroscharrff/birding-sub001/internal/alerts"
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Config names the relations the source reads.
type Config struct {
	TenantsTable    string `mapstructure:"tenants_table"`
	ConditionsView  string `mapstructure:"conditions_view"`
	OnlyActive      bool   `mapstructure:"only_active"`
	MaxAlertsPerRun int    `mapstructure:"max_alerts"`
}

func DefaultConfig() Config {
	return Config{
		TenantsTable:    "tenants",
		ConditionsView:  "alert_conditions",
		OnlyActive:      true,
		MaxAlertsPerRun: 1000,
	}
}

// Source implements alerts.Source.
type Source struct {
	db  Querier
	now func() time.Time

	listSQL    string
	computeSQL string
	limit      int
}

var _ alerts.Source = (*Source)(nil)

type Option func(*Source)

func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

func New(db Querier, cfg Config, opts ...Option) *Source {
	def := DefaultConfig()
	if cfg.TenantsTable == "" {
		cfg.TenantsTable = def.TenantsTable
	}
	if cfg.ConditionsView == "" {
		cfg.ConditionsView = def.ConditionsView
	}
	if cfg.MaxAlertsPerRun <= 0 {
		cfg.MaxAlertsPerRun = def.MaxAlertsPerRun
	}

	s := &Source{
		db:         db,
		now:        time.Now,
		listSQL:    listTenantsSQL(cfg),
		computeSQL: computeSQL(cfg),
		limit:      cfg.MaxAlertsPerRun,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func listTenantsSQL(cfg Config) string {
	q := "SELECT id FROM " + identifier(cfg.TenantsTable)
	if cfg.OnlyActive {
		q += " WHERE active"
	}
	return q + " ORDER BY id"
}

// computeSQL returns at most $2 alerts, most severe first. The window
// counts are taken before the limit applies, so they cover every row.
func computeSQL(cfg Config) string {
	return "SELECT alert_id, alert_type, severity, title, message, entity_type, entity_id, due_at," +
		" count(*) OVER () AS total_count," +
		" count(*) FILTER (WHERE severity = 'critical') OVER () AS critical_count," +
		" count(*) FILTER (WHERE severity = 'warning') OVER () AS warning_count," +
		" count(*) FILTER (WHERE severity = 'info') OVER () AS info_count" +
		" FROM " + identifier(cfg.ConditionsView) +
		" WHERE tenant_id = $1" +
		" ORDER BY CASE severity WHEN 'critical' THEN 0 WHEN 'warning' THEN 1 ELSE 2 END," +
		" due_at NULLS LAST, alert_id LIMIT $2"
}

// identifier quotes a possibly schema-qualified relation name.
func identifier(name string) string {
	if schema, rel, ok := strings.Cut(name, "."); ok {
		return pgx.Identifier{schema, rel}.Sanitize()
	}
	return pgx.Identifier{name}.Sanitize()
}

func (s *Source) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, s.listSQL)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("reading tenants: %w", err)
	}
	return tenants, nil
}

type alertRow struct {
	AlertID    string     `db:"alert_id"`
	AlertType  string     `db:"alert_type"`
	Severity   string     `db:"severity"`
	Title      string     `db:"title"`
	Message    *string    `db:"message"`
	EntityType *string    `db:"entity_type"`
	EntityID   *string    `db:"entity_id"`
	DueAt      *time.Time `db:"due_at"`

	TotalCount    int64 `db:"total_count"`
	CriticalCount int64 `db:"critical_count"`
	WarningCount  int64 `db:"warning_count"`
	InfoCount     int64 `db:"info_count"`
}

func (s *Source) Compute(ctx context.Context, tenantID string) (alerts.Result, error) {
	rows, err := s.db.Query(ctx, s.computeSQL, tenantID, s.limit)
	if err != nil {
		return alerts.Result{}, fmt.Errorf("querying alert conditions: %w", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[alertRow])
	if err != nil {
		return alerts.Result{}, fmt.Errorf("reading alert conditions: %w", err)
	}
	res, truncated, err := buildResult(tenantID, list, s.now())
	if err != nil {
		return alerts.Result{}, err
	}
	if truncated {
		slog.Warn("Alert conditions exceed the per-tenant limit, returning the most severe",
			slog.String("tenantID", tenantID),
			slog.Int("total", res.Counts.Total),
			slog.Int("returned", len(res.Alerts)),
			slog.Int("limit", s.limit))
	}
	return res, nil
}

// buildResult converts rows into a Result whose counts come from the
// window aggregates, so they stay correct when the row limit was hit.
func buildResult(tenantID string, rows []alertRow, now time.Time) (alerts.Result, bool, error) {
	list := make([]alerts.Alert, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAlert(tenantID)
		if err != nil {
			return alerts.Result{}, false, err
		}
		list = append(list, a)
	}
	res := alerts.NewResult(list, now)
	if len(rows) == 0 {
		return res, false, nil
	}
	first := rows[0]
	res.Counts = alerts.Counts{
		Critical: int(first.CriticalCount),
		Warning:  int(first.WarningCount),
		Info:     int(first.InfoCount),
		Total:    int(first.TotalCount),
	}
	return res, res.Counts.Total > len(list), nil
}

func (r alertRow) toAlert(tenantID string) (alerts.Alert, error) {
	sev := alerts.Severity(r.Severity)
	switch sev {
	case alerts.SeverityCritical, alerts.SeverityWarning, alerts.SeverityInfo:
	default:
		return alerts.Alert{}, fmt.Errorf("alert %s: unknown severity %q", r.AlertID, r.Severity)
	}
	a := alerts.Alert{
		ID:       r.AlertID,
		TenantID: tenantID,
		Type:     r.AlertType,
		Severity: sev,
		Title:    r.Title,
		DueAt:    r.DueAt,
	}
	if r.Message != nil {
		a.Message = *r.Message
	}
	if r.EntityType != nil {
		a.EntityType = *r.EntityType
	}
	if r.EntityID != nil {
		a.EntityID = *r.EntityID
	}
	return a, nil
}
