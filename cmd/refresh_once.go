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

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pedroscharrff/birding-sub001/config"
	"github.com/pedroscharrff/birding-sub001/internal/alerts"
	"github.com/pedroscharrff/birding-sub001/internal/dbopen"
	"github.com/pedroscharrff/birding-sub001/internal/pgsource"
	"github.com/pedroscharrff/birding-sub001/internal/refresh"
)

var errRefreshFatal = errors.New("refresh run failed")

func init() {
	var compact bool

	cmd := &cobra.Command{
		Use:   "refresh-once",
		Short: "Refresh every tenant's alerts once and print the execution log",
		RunE: func(c *cobra.Command, _ []string) error {
			doneCtx, doneFx, err := setupTelemetry("birding-refresh-once")
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			pool, err := dbopen.ConnectPoolFromEnv(doneCtx, alertDBPrefix, "birding-refresh-once")
			if err != nil {
				return err
			}
			defer pool.Close()

			return refreshOnce(doneCtx, c.OutOrStdout(), cfg, pgsource.New(pool, cfg.Source), !compact)
		},
	}
	cmd.Flags().BoolVar(&compact, "compact", false, "Print the execution log on one line")

	rootCmd.AddCommand(cmd)
}

func refreshOnce(ctx context.Context, out io.Writer, cfg *config.Config, src alerts.Source, indent bool) error {
	cache := alerts.NewCache(src, alerts.WithDefaultTTL(cfg.Alerts.CacheTTL))
	defer cache.Close()

	sched := refresh.New(src, cache,
		refresh.WithRefreshTTL(cfg.Refresh.TTL),
		refresh.WithHistorySize(1))
	xlog := sched.Execute(ctx)

	enc := json.NewEncoder(out)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(xlog); err != nil {
		return fmt.Errorf("failed to write execution log: %w", err)
	}
	if xlog.Fatal {
		return fmt.Errorf("%w: %w", errRefreshFatal, xlog.Err())
	}
	return nil
}
