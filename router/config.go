// Copyright 2024 The llmrouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigError reports a config file that failed to parse or
// validate. At startup it is fatal (exit 2); during a hot reload the
// previous snapshot is retained.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid config: %v", e.Err)
	}
	return fmt.Sprintf("invalid config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ServerConfig is one declared backend.
type ServerConfig struct {
	URL                   string `toml:"url"`
	MaxConcurrentRequests int    `toml:"max_concurrent_requests"`
}

// Tuning holds the routing and health-check knobs. Durations are
// expressed as (possibly fractional) seconds in the TOML file.
type Tuning struct {
	HealthCheckInterval            time.Duration
	HealthCheckTimeout             time.Duration
	HealthCheckMinSuccessRate      float64
	HealthCheckMaxResponseTime     time.Duration
	HealthCheckConsecutiveFailures int
	ConfigReloadInterval           time.Duration
	ModelDiscoveryInterval         time.Duration
	EnableActiveHealthCheck        bool
	RequestTimeout                 time.Duration
	MaxRetries                     int
	RetryDelay                     time.Duration
	FailureThreshold               int
	AutoRecoveryThreshold          time.Duration
}

// DefaultTuning returns the documented knob defaults.
func DefaultTuning() Tuning {
	return Tuning{
		HealthCheckInterval:            10 * time.Second,
		HealthCheckTimeout:             5 * time.Second,
		HealthCheckMinSuccessRate:      0.8,
		HealthCheckMaxResponseTime:     3 * time.Second,
		HealthCheckConsecutiveFailures: 3,
		ConfigReloadInterval:           30 * time.Second,
		ModelDiscoveryInterval:         0, // falls back to ConfigReloadInterval
		EnableActiveHealthCheck:        true,
		RequestTimeout:                 120 * time.Second,
		MaxRetries:                     3,
		RetryDelay:                     100 * time.Millisecond,
		FailureThreshold:               3,
		AutoRecoveryThreshold:          60 * time.Second,
	}
}

// DiscoveryInterval resolves the model-discovery cadence, defaulting
// to the config reload interval when unset.
func (t Tuning) DiscoveryInterval() time.Duration {
	if t.ModelDiscoveryInterval > 0 {
		return t.ModelDiscoveryInterval
	}
	return t.ConfigReloadInterval
}

// Config is the parsed and validated config file.
type Config struct {
	Servers []ServerConfig
	Tuning  Tuning
}

// rawConfig mirrors the TOML file layout. Seconds are kept as
// float64 so fractional values like retry_delay = 0.1 survive.
type rawConfig struct {
	Servers struct {
		Servers []ServerConfig `toml:"servers"`
	} `toml:"servers"`
	Config rawTuning `toml:"config"`
}

type rawTuning struct {
	HealthCheckInterval            *float64 `toml:"health_check_interval"`
	HealthCheckTimeout             *float64 `toml:"health_check_timeout"`
	HealthCheckMinSuccessRate      *float64 `toml:"health_check_min_success_rate"`
	HealthCheckMaxResponseTime     *float64 `toml:"health_check_max_response_time"`
	HealthCheckConsecutiveFailures *int     `toml:"health_check_consecutive_failures"`
	ConfigReloadInterval           *float64 `toml:"config_reload_interval"`
	ModelDiscoveryInterval         *float64 `toml:"model_discovery_interval"`
	EnableActiveHealthCheck        *bool    `toml:"enable_active_health_check"`
	RequestTimeout                 *float64 `toml:"request_timeout"`
	MaxRetries                     *int     `toml:"max_retries"`
	RetryDelay                     *float64 `toml:"retry_delay"`
	FailureThreshold               *int     `toml:"failure_threshold"`
	AutoRecoveryThreshold          *float64 `toml:"auto_recovery_threshold"`
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// LoadConfig reads and parses the config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	cfg, err := UnmarshalConfig(data)
	if err != nil {
		if ce, ok := err.(*ConfigError); ok {
			ce.Path = path
			return nil, ce
		}
		return nil, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

// UnmarshalConfig parses TOML config bytes, applies defaults, and
// validates the result.
func UnmarshalConfig(data []byte) (*Config, error) {
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Err: err}
	}

	t := DefaultTuning()
	rt := raw.Config
	if rt.HealthCheckInterval != nil {
		t.HealthCheckInterval = seconds(*rt.HealthCheckInterval)
	}
	if rt.HealthCheckTimeout != nil {
		t.HealthCheckTimeout = seconds(*rt.HealthCheckTimeout)
	}
	if rt.HealthCheckMinSuccessRate != nil {
		t.HealthCheckMinSuccessRate = *rt.HealthCheckMinSuccessRate
	}
	if rt.HealthCheckMaxResponseTime != nil {
		t.HealthCheckMaxResponseTime = seconds(*rt.HealthCheckMaxResponseTime)
	}
	if rt.HealthCheckConsecutiveFailures != nil {
		t.HealthCheckConsecutiveFailures = *rt.HealthCheckConsecutiveFailures
	}
	if rt.ConfigReloadInterval != nil {
		t.ConfigReloadInterval = seconds(*rt.ConfigReloadInterval)
	}
	if rt.ModelDiscoveryInterval != nil {
		t.ModelDiscoveryInterval = seconds(*rt.ModelDiscoveryInterval)
	}
	if rt.EnableActiveHealthCheck != nil {
		t.EnableActiveHealthCheck = *rt.EnableActiveHealthCheck
	}
	if rt.RequestTimeout != nil {
		t.RequestTimeout = seconds(*rt.RequestTimeout)
	}
	if rt.MaxRetries != nil {
		t.MaxRetries = *rt.MaxRetries
	}
	if rt.RetryDelay != nil {
		t.RetryDelay = seconds(*rt.RetryDelay)
	}
	if rt.FailureThreshold != nil {
		t.FailureThreshold = *rt.FailureThreshold
	}
	if rt.AutoRecoveryThreshold != nil {
		t.AutoRecoveryThreshold = seconds(*rt.AutoRecoveryThreshold)
	}

	cfg := &Config{
		Servers: raw.Servers.Servers,
		Tuning:  t,
	}
	if err := cfg.validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("no servers declared")
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for i, s := range c.Servers {
		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("server %d: %v", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server %d: url %q must be absolute http or https", i, s.URL)
		}
		if u.Host == "" {
			return fmt.Errorf("server %d: url %q has no host", i, s.URL)
		}
		if s.MaxConcurrentRequests <= 0 {
			return fmt.Errorf("server %d (%s): max_concurrent_requests must be positive", i, s.URL)
		}
		if _, dup := seen[s.URL]; dup {
			return fmt.Errorf("server %d: duplicate url %q", i, s.URL)
		}
		seen[s.URL] = struct{}{}
	}
	t := c.Tuning
	if t.HealthCheckInterval <= 0 || t.HealthCheckTimeout <= 0 {
		return fmt.Errorf("health check interval and timeout must be positive")
	}
	if t.HealthCheckMinSuccessRate < 0 || t.HealthCheckMinSuccessRate > 1 {
		return fmt.Errorf("health_check_min_success_rate must be in [0, 1]")
	}
	if t.ConfigReloadInterval <= 0 {
		return fmt.Errorf("config_reload_interval must be positive")
	}
	if t.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if t.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must not be negative")
	}
	return nil
}

// encConfig mirrors rawConfig with plain fields for encoding.
type encConfig struct {
	Servers struct {
		Servers []ServerConfig `toml:"servers"`
	} `toml:"servers"`
	Config encTuning `toml:"config"`
}

type encTuning struct {
	HealthCheckInterval            float64 `toml:"health_check_interval"`
	HealthCheckTimeout             float64 `toml:"health_check_timeout"`
	HealthCheckMinSuccessRate      float64 `toml:"health_check_min_success_rate"`
	HealthCheckMaxResponseTime     float64 `toml:"health_check_max_response_time"`
	HealthCheckConsecutiveFailures int     `toml:"health_check_consecutive_failures"`
	ConfigReloadInterval           float64 `toml:"config_reload_interval"`
	ModelDiscoveryInterval         float64 `toml:"model_discovery_interval,omitempty"`
	EnableActiveHealthCheck        bool    `toml:"enable_active_health_check"`
	RequestTimeout                 float64 `toml:"request_timeout"`
	MaxRetries                     int     `toml:"max_retries"`
	RetryDelay                     float64 `toml:"retry_delay"`
	FailureThreshold               int     `toml:"failure_threshold"`
	AutoRecoveryThreshold          float64 `toml:"auto_recovery_threshold"`
}

// Encode writes c back out as TOML, preserving server order.
func (c *Config) Encode(w io.Writer) error {
	var enc encConfig
	enc.Servers.Servers = c.Servers
	t := c.Tuning
	enc.Config = encTuning{
		HealthCheckInterval:            t.HealthCheckInterval.Seconds(),
		HealthCheckTimeout:             t.HealthCheckTimeout.Seconds(),
		HealthCheckMinSuccessRate:      t.HealthCheckMinSuccessRate,
		HealthCheckMaxResponseTime:     t.HealthCheckMaxResponseTime.Seconds(),
		HealthCheckConsecutiveFailures: t.HealthCheckConsecutiveFailures,
		ConfigReloadInterval:           t.ConfigReloadInterval.Seconds(),
		ModelDiscoveryInterval:         t.ModelDiscoveryInterval.Seconds(),
		EnableActiveHealthCheck:        t.EnableActiveHealthCheck,
		RequestTimeout:                 t.RequestTimeout.Seconds(),
		MaxRetries:                     t.MaxRetries,
		RetryDelay:                     t.RetryDelay.Seconds(),
		FailureThreshold:               t.FailureThreshold,
		AutoRecoveryThreshold:          t.AutoRecoveryThreshold.Seconds(),
	}
	return toml.NewEncoder(w).Encode(enc)
}
