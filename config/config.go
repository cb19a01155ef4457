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

package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pedroscharrff/birding-sub001/internal/alerts"
	"github.com/pedroscharrff/birding-sub001/internal/escalation"
	"github.com/pedroscharrff/birding-sub001/internal/healthcheck"
	"github.com/pedroscharrff/birding-sub001/internal/notifyqueue"
	"github.com/pedroscharrff/birding-sub001/internal/pgsource"
	"github.com/pedroscharrff/birding-sub001/internal/refresh"
)

// Config aggregates configuration for the service. Component sections that
// have a Config type of their own are owned by that package.
type Config struct {
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Refresh       RefreshConfig       `mapstructure:"refresh"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Escalation    EscalationConfig    `mapstructure:"escalation"`
	Health        healthcheck.Config  `mapstructure:"health"`
	Source        pgsource.Config     `mapstructure:"source"`
}

type AlertsConfig struct {
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxTenants    uint64        `mapstructure:"max_tenants"`
}

type RefreshConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	TTL         time.Duration `mapstructure:"ttl"`
	HistorySize int           `mapstructure:"history_size"`
}

type NotificationsConfig struct {
	Queue notifyqueue.Config      `mapstructure:"queue"`
	Kafka notifyqueue.KafkaConfig `mapstructure:"kafka"`
}

type EscalationConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ContactsFile string        `mapstructure:"contacts_file"`
	DedupeWindow time.Duration `mapstructure:"dedupe_window"`
}

func Default() *Config {
	return &Config{
		Alerts: AlertsConfig{
			CacheTTL:      alerts.DefaultTTL,
			SweepInterval: time.Minute,
		},
		Refresh: RefreshConfig{
			Enabled:     true,
			Interval:    refresh.DefaultInterval,
			TTL:         alerts.RefreshTTL,
			HistorySize: refresh.DefaultHistorySize,
		},
		Notifications: NotificationsConfig{
			Queue: notifyqueue.DefaultConfig(),
			Kafka: notifyqueue.KafkaConfig{Topic: "birding.notifications"},
		},
		Escalation: EscalationConfig{
			Enabled:      true,
			ContactsFile: "contacts.yaml",
			DedupeWindow: escalation.DefaultDedupeWindow,
		},
		Health: healthcheck.GetConfigFromEnv(),
		Source: pgsource.DefaultConfig(),
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "BIRDING" and the dot character
// in keys is replaced by an underscore. For example, "refresh.interval"
// becomes "BIRDING_REFRESH_INTERVAL".
func Load() (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("BIRDING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if b := v.GetString("notifications.kafka.brokers"); b != "" {
		cfg.Notifications.Kafka.Brokers = strings.Split(b, ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would make a loop spin or never fire.
func (c *Config) Validate() error {
	switch {
	case c.Alerts.CacheTTL <= 0:
		return fmt.Errorf("alerts.cache_ttl must be positive, got %s", c.Alerts.CacheTTL)
	case c.Alerts.SweepInterval <= 0:
		return fmt.Errorf("alerts.sweep_interval must be positive, got %s", c.Alerts.SweepInterval)
	case c.Refresh.Interval <= 0:
		return fmt.Errorf("refresh.interval must be positive, got %s", c.Refresh.Interval)
	case c.Refresh.HistorySize < 1:
		return fmt.Errorf("refresh.history_size must be at least 1, got %d", c.Refresh.HistorySize)
	case c.Notifications.Queue.DrainInterval <= 0:
		return fmt.Errorf("notifications.queue.drain_interval must be positive, got %s", c.Notifications.Queue.DrainInterval)
	case c.Notifications.Queue.MaxAttempts < 1:
		return fmt.Errorf("notifications.queue.max_attempts must be at least 1, got %d", c.Notifications.Queue.MaxAttempts)
	case c.Notifications.Kafka.Enabled && len(c.Notifications.Kafka.Brokers) == 0:
		return fmt.Errorf("notifications.kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
