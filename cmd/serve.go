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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pedroscharrff/birding-sub001/cmd/alertsvc"
	"github.com/pedroscharrff/birding-sub001/config"
	"github.com/pedroscharrff/birding-sub001/internal/dbopen"
	"github.com/pedroscharrff/birding-sub001/internal/escalation"
	"github.com/pedroscharrff/birding-sub001/internal/notifyqueue"
	"github.com/pedroscharrff/birding-sub001/internal/pgsource"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the alert refresh, cache and notification service",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "birding-alerts"
			doneCtx, doneFx, err := setupTelemetry(servicename)
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

			deps, err := buildDeps(doneCtx, cfg)
			if err != nil {
				return err
			}

			svc, err := alertsvc.New(cfg, deps)
			if err != nil {
				closeAll(deps.Closers)
				return err
			}
			return svc.Run(doneCtx)
		},
	}

	rootCmd.AddCommand(cmd)
}

// buildDeps opens the database and the delivery channels. On error every
// resource opened so far is closed.
func buildDeps(ctx context.Context, cfg *config.Config) (deps alertsvc.Deps, err error) {
	defer func() {
		if err != nil {
			closeAll(deps.Closers)
			deps.Closers = nil
		}
	}()

	pool, err := dbopen.ConnectPoolFromEnv(ctx, alertDBPrefix, "birding-alerts")
	if err != nil {
		return deps, err
	}
	deps.Closers = append(deps.Closers, func() error { pool.Close(); return nil })
	deps.Source = pgsource.New(pool, cfg.Source)

	sender, closer, err := buildSender(cfg.Notifications.Kafka)
	if err != nil {
		return deps, err
	}
	if closer != nil {
		deps.Closers = append(deps.Closers, closer)
	}
	deps.Sender = sender

	if cfg.Escalation.Enabled {
		dir, err := escalation.LoadStaticDirectory(cfg.Escalation.ContactsFile)
		if err != nil {
			return deps, fmt.Errorf("failed to load escalation contacts: %w", err)
		}
		deps.Directory = dir
	}
	return deps, nil
}

// buildSender routes every channel to Kafka when enabled, otherwise to the
// log sender.
func buildSender(kcfg notifyqueue.KafkaConfig) (notifyqueue.Sender, func() error, error) {
	var (
		s      notifyqueue.Sender = notifyqueue.NewLogSender(nil)
		closer func() error
	)
	if kcfg.Enabled {
		w, err := notifyqueue.NewKafkaWriter(kcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create kafka writer: %w", err)
		}
		ks := notifyqueue.NewKafkaSender(w)
		s, closer = ks, ks.Close
		slog.Info("Delivering notifications through Kafka",
			slog.Any("brokers", kcfg.Brokers),
			slog.String("topic", kcfg.Topic))
	}

	router := notifyqueue.NewRouter().
		Handle(notifyqueue.ChannelEmail, s).
		Handle(notifyqueue.ChannelSMS, s).
		Handle(notifyqueue.ChannelPush, s).
		Handle(notifyqueue.ChannelWhatsApp, s)
	return router, closer, nil
}

func closeAll(closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			slog.Error("Failed to release resource", slog.Any("error", err))
		}
	}
}
