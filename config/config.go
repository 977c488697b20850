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
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates configuration for the application.
type Config struct {
	// Endpoints lists the store replicas in failover priority order.
	// The first endpoint is the primary.
	Endpoints []string `mapstructure:"endpoints"`
	// ConnectionString is the access-key alternative to Endpoints plus
	// ambient credentials. When set it supplies the primary endpoint.
	ConnectionString string `mapstructure:"connection_string"`

	Selectors    []SelectorConfig   `mapstructure:"selectors"`
	FeatureFlags FeatureFlagsConfig `mapstructure:"feature_flags"`
	Refresh      RefreshConfig      `mapstructure:"refresh"`
	Backoff      BackoffConfig      `mapstructure:"backoff"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
}

// SelectorConfig is one key/label filter pair to load.
type SelectorConfig struct {
	KeyFilter   string `mapstructure:"key_filter"`
	LabelFilter string `mapstructure:"label_filter"`
}

// FeatureFlagsConfig controls feature flag loading.
type FeatureFlagsConfig struct {
	Enabled   bool             `mapstructure:"enabled"`
	Selectors []SelectorConfig `mapstructure:"selectors"`
	// Refresh tracks flag etags so the watch loop can detect changes.
	Refresh bool `mapstructure:"refresh"`
}

// RefreshConfig controls the watch loop.
type RefreshConfig struct {
	Interval time.Duration   `mapstructure:"interval"`
	Watched  []WatchedConfig `mapstructure:"watched"`
}

// WatchedConfig names one sentinel setting whose etag is tracked to
// detect changes cheaply.
type WatchedConfig struct {
	Key   string `mapstructure:"key"`
	Label string `mapstructure:"label"`
}

// BackoffConfig bounds the per-replica backoff window. Max <= Min is a
// degenerate but valid configuration that disables jitter.
type BackoffConfig struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// DiscoveryConfig toggles SRV-based replica auto-discovery.
type DiscoveryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Selectors: []SelectorConfig{{KeyFilter: "*"}},
		Refresh: RefreshConfig{
			Interval: 30 * time.Second,
		},
		Backoff: BackoffConfig{
			Min: 30 * time.Second,
			Max: 10 * time.Minute,
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "CONFSYNC" and the dot character
// in keys is replaced by an underscore. For example, "backoff.min"
// becomes "CONFSYNC_BACKOFF_MIN".
func Load() (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("confsync")
	v.AddConfigPath(".")
	v.SetEnvPrefix("CONFSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if e := v.GetString("endpoints"); e != "" {
		cfg.Endpoints = strings.Split(e, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can name at least one replica.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 && c.ConnectionString == "" {
		return fmt.Errorf("at least one endpoint or a connection string is required")
	}
	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", c.Refresh.Interval)
	}
	if c.Backoff.Min <= 0 {
		return fmt.Errorf("minimum backoff must be positive, got %s", c.Backoff.Min)
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
