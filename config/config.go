// Copyright (C) 2025 CardinalHQ, Inc
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
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cardinalhq/skinrunner/internal/api"
	"github.com/cardinalhq/skinrunner/internal/archive"
	"github.com/cardinalhq/skinrunner/internal/events"
	"github.com/cardinalhq/skinrunner/internal/mojang"
	"github.com/cardinalhq/skinrunner/internal/scheduler"
)

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Scheduler scheduler.Config `mapstructure:"scheduler"`
	HTTP      api.Config       `mapstructure:"http"`
	Mojang    mojang.Config    `mapstructure:"mojang"`
	Stats     StatsConfig      `mapstructure:"stats"`
	Archive   archive.Config   `mapstructure:"archive"`
	Events    events.Config    `mapstructure:"events"`
}

type StatsConfig struct {
	SampleInterval  time.Duration `mapstructure:"sample_interval"`
	SummaryInterval time.Duration `mapstructure:"summary_interval"`
}

func defaults() *Config {
	return &Config{
		Scheduler: scheduler.DefaultConfig(),
		HTTP:      api.Config{Address: ":4567"},
		Mojang:    mojang.DefaultConfig(),
		Stats: StatsConfig{
			SampleInterval:  time.Minute,
			SummaryInterval: 24 * time.Hour,
		},
		Events: events.Config{Topic: events.DefaultTopic},
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "SKINRUNNER" and the dot character
// in keys is replaced by an underscore. For example, "scheduler.cooldown"
// becomes "SKINRUNNER_SCHEDULER_COOLDOWN".
func Load() (*Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("SKINRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if b := v.GetString("events.brokers"); b != "" {
		cfg.Events.Brokers = strings.Split(b, ",")
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Scheduler.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if c.HTTP.Address == "" {
		errs = append(errs, errors.New("http.address must be set"))
	}
	if c.Mojang.ProfileRetries < 0 {
		errs = append(errs, fmt.Errorf("mojang.profile_retries must not be negative, got %d", c.Mojang.ProfileRetries))
	}
	if c.Mojang.RetryWait <= 0 {
		errs = append(errs, fmt.Errorf("mojang.retry_wait must be positive, got %s", c.Mojang.RetryWait))
	}
	if c.Mojang.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("mojang.timeout must be positive, got %s", c.Mojang.Timeout))
	}
	if c.Stats.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("stats.sample_interval must be positive, got %s", c.Stats.SampleInterval))
	}
	if c.Stats.SummaryInterval <= 0 {
		errs = append(errs, fmt.Errorf("stats.summary_interval must be positive, got %s", c.Stats.SummaryInterval))
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		errs = append(errs, errors.New("archive.bucket is required when archive is enabled"))
	}
	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		errs = append(errs, errors.New("events.brokers is required when events are enabled"))
	}
	return errors.Join(errs...)
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
