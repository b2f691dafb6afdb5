// Copyright 2025 CompliK Authors
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

// Package models holds the configuration types shared by the detector packages.
package models

import "time"

// Config is the top-level sysdetect configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Rules   RulesConfig   `yaml:"rules"`
	Metrics MetricsConfig `yaml:"metrics"`
	API     APIConfig     `yaml:"api"`
}

// EngineConfig controls the pipeline and the process state table.
type EngineConfig struct {
	MaxProcesses  int    `yaml:"max_processes"`
	MaxLineLength int    `yaml:"max_line_length"`
	LogLevel      string `yaml:"log_level"`

	// SharedBurstCounter makes every time-windowed rule use one counter per
	// process, so a burst of one syscall counts towards the others.
	SharedBurstCounter bool `yaml:"shared_burst_counter"`

	// StatelessRulesOnOverflow lets rules that do not need process state fire
	// for pids that could not be tracked because the table is full.
	StatelessRulesOnOverflow bool `yaml:"stateless_rules_on_overflow"`
}

// BurstConfig is a time window plus the count that must be exceeded inside it.
type BurstConfig struct {
	Window    time.Duration `yaml:"window"`
	Threshold int           `yaml:"threshold"`
}

// CooldownConfig configures suppression of repeated alerts.
type CooldownConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Duration time.Duration `yaml:"duration"`
	MaxSize  int           `yaml:"max_size"`
}

// RulesConfig holds the whitelists and thresholds used by the rule engine.
type RulesConfig struct {
	ExecPathPrefixes     []string `yaml:"exec_path_prefixes"`
	HomePrefix           string   `yaml:"home_prefix"`
	WriteWhitelist       []string `yaml:"write_whitelist"`
	WriteNoiseMarkers    []string `yaml:"write_noise_markers"`
	ChmodUserMarkers     []string `yaml:"chmod_user_markers"`
	ConnectAllowMarkers  []string `yaml:"connect_allow_markers"`
	ExecProtectionMarker string   `yaml:"exec_protection_marker"`

	RapidWrites         BurstConfig `yaml:"rapid_writes"`
	RapidDirEnumeration BurstConfig `yaml:"rapid_dir_enumeration"`

	Disabled      []string       `yaml:"disabled"`
	SigmaRulesDir string         `yaml:"sigma_rules_dir"`
	Cooldown      CooldownConfig `yaml:"cooldown"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Port          int           `yaml:"port"`
	Path          string        `yaml:"path"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// DefaultConfig returns the configuration matching the built-in detector constants.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxProcesses:  1024,
			MaxLineLength: 1023,
			LogLevel:      "info",
		},
		Rules: RulesConfig{
			ExecPathPrefixes: []string{
				"/bin/",
				"/usr/bin/",
				"/sbin/",
				"/usr/sbin/",
				"/usr/local/bin/",
				"/usr/local/sbin/",
				"/snap/bin/",
				"/opt/",
				"/usr/share/",
			},
			HomePrefix: "/home/",
			WriteWhitelist: []string{
				"gdbus",
				"dbus-daemon",
				"sshd",
				"sshd-session",
				"node",
				"code",
				"code-oss",
				"firefox",
				"chrome",
				"chromium",
				"xfce4-panel-gen",
				"xfce4-session",
				"systemd",
				"pulseaudio",
				"pipewire",
				"gvfsd",
			},
			WriteNoiseMarkers:    []string{"/proc/", "/dev/", "/run/", "/sys/", "/tmp/", "socket:", "pipe:"},
			ChmodUserMarkers:     []string{"/home/", "/tmp/", "/var/tmp/", "/dev/"},
			ConnectAllowMarkers:  []string{"127.0.0.1", "localhost", ":80", ":443"},
			ExecProtectionMarker: "PROT_EXEC",
			RapidWrites: BurstConfig{
				Window:    300 * time.Millisecond,
				Threshold: 50,
			},
			RapidDirEnumeration: BurstConfig{
				Window:    200 * time.Millisecond,
				Threshold: 40,
			},
			Cooldown: CooldownConfig{
				Duration: 10 * time.Second,
				MaxSize:  4096,
			},
		},
		Metrics: MetricsConfig{
			Port:          9090,
			Path:          "/metrics",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			MaxRetries:    3,
			RetryInterval: 5 * time.Second,
		},
		API: APIConfig{
			Port: 8080,
		},
	}
}
