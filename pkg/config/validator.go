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

package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/bearslyricattack/sysdetect/pkg/models"
)

// ValidationResult is the outcome of validating a configuration.
type ValidationResult struct {
	Valid    bool
	Errors   []error
	Warnings []string
}

// Err combines every validation error into one, or returns nil.
func (r *ValidationResult) Err() error {
	return multierr.Combine(r.Errors...)
}

// ConfigValidator checks configuration fields against registered rules.
type ConfigValidator struct {
	rules map[string][]ValidationRule
}

// ValidationRule validates one field value.
type ValidationRule interface {
	Validate(value interface{}) *ValidationError
}

// ValidationError describes a field that failed validation.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
	Code    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field '%s' failed validation: %s (value: %v)", e.Field, e.Message, e.Value)
}

var logLevels = []string{"trace", "debug", "info", "warn", "warning", "error", "fatal", "panic"}

// NewConfigValidator creates a validator with the default field rules.
func NewConfigValidator() *ConfigValidator {
	validator := &ConfigValidator{
		rules: make(map[string][]ValidationRule),
	}
	validator.registerDefaultRules()
	return validator
}

func (v *ConfigValidator) registerDefaultRules() {
	v.AddRule("engine.max_processes", &NumberRule{Min: IntPtr(1), Max: IntPtr(1 << 20)})
	v.AddRule("engine.max_line_length", &NumberRule{Min: IntPtr(16), Max: IntPtr(1 << 16)})
	v.AddRule("engine.log_level", &EnumRule{AllowedValues: logLevels})

	v.AddRule("rules.exec_path_prefixes", &SliceRule{ElementRule: &PathRule{}, AllowEmpty: true})
	v.AddRule("rules.home_prefix", &PathRule{})
	v.AddRule("rules.write_whitelist", &SliceRule{
		ElementRule: &StringRule{Required: true, MaxLength: 63},
		AllowEmpty:  true,
	})
	marker := &SliceRule{ElementRule: &StringRule{Required: true, MaxLength: 255}, AllowEmpty: true}
	v.AddRule("rules.write_noise_markers", marker)
	v.AddRule("rules.chmod_user_markers", marker)
	v.AddRule("rules.connect_allow_markers", marker)
	v.AddRule("rules.exec_protection_marker", &StringRule{Required: true, MaxLength: 63})

	window := &DurationRule{Min: time.Millisecond, Max: time.Hour}
	threshold := &NumberRule{Min: IntPtr(1)}
	v.AddRule("rules.rapid_writes.window", window)
	v.AddRule("rules.rapid_writes.threshold", threshold)
	v.AddRule("rules.rapid_dir_enumeration.window", window)
	v.AddRule("rules.rapid_dir_enumeration.threshold", threshold)

	v.AddRule("rules.sigma_rules_dir", &PathRule{MustExist: true, IsDir: true})
	v.AddRule("rules.cooldown.duration", &DurationRule{Min: time.Millisecond})
	v.AddRule("rules.cooldown.max_size", &NumberRule{Min: IntPtr(1)})

	v.AddRule("metrics.port", &PortRule{})
	v.AddRule("metrics.path", &StringRule{Required: true, Pattern: regexp.MustCompile(`^/`)})
	v.AddRule("metrics.read_timeout", &DurationRule{})
	v.AddRule("metrics.write_timeout", &DurationRule{})
	v.AddRule("metrics.max_retries", &NumberRule{Min: IntPtr(1)})
	v.AddRule("metrics.retry_interval", &DurationRule{})

	v.AddRule("api.port", &PortRule{})
}

// AddRule adds a validation rule for field.
func (v *ConfigValidator) AddRule(field string, rule ValidationRule) {
	v.rules[field] = append(v.rules[field], rule)
}

// Validate checks config and collects every failing field.
func (v *ConfigValidator) Validate(config *models.Config) *ValidationResult {
	result := &ValidationResult{Valid: true}
	if config == nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Errorf("configuration is nil"))
		return result
	}

	check := func(field string, value interface{}) {
		if err := v.validateField(field, value); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}

	e := config.Engine
	check("engine.max_processes", e.MaxProcesses)
	check("engine.max_line_length", e.MaxLineLength)
	check("engine.log_level", e.LogLevel)

	r := config.Rules
	check("rules.exec_path_prefixes", r.ExecPathPrefixes)
	check("rules.home_prefix", r.HomePrefix)
	check("rules.write_whitelist", r.WriteWhitelist)
	check("rules.write_noise_markers", r.WriteNoiseMarkers)
	check("rules.chmod_user_markers", r.ChmodUserMarkers)
	check("rules.connect_allow_markers", r.ConnectAllowMarkers)
	check("rules.exec_protection_marker", r.ExecProtectionMarker)
	check("rules.rapid_writes.window", r.RapidWrites.Window)
	check("rules.rapid_writes.threshold", r.RapidWrites.Threshold)
	check("rules.rapid_dir_enumeration.window", r.RapidDirEnumeration.Window)
	check("rules.rapid_dir_enumeration.threshold", r.RapidDirEnumeration.Threshold)
	check("rules.sigma_rules_dir", r.SigmaRulesDir)
	if r.Cooldown.Enabled {
		check("rules.cooldown.duration", r.Cooldown.Duration)
		check("rules.cooldown.max_size", r.Cooldown.MaxSize)
	}

	if config.Metrics.Enabled {
		m := config.Metrics
		check("metrics.port", m.Port)
		check("metrics.path", m.Path)
		check("metrics.read_timeout", m.ReadTimeout)
		check("metrics.write_timeout", m.WriteTimeout)
		check("metrics.max_retries", m.MaxRetries)
		check("metrics.retry_interval", m.RetryInterval)
	}
	if config.API.Enabled {
		check("api.port", config.API.Port)
	}

	v.validateCrossFields(config, result)

	if len(result.Errors) > 0 {
		result.Valid = false
	}
	return result
}

func (v *ConfigValidator) validateCrossFields(config *models.Config, result *ValidationResult) {
	if config.Metrics.Enabled && config.API.Enabled && config.Metrics.Port == config.API.Port {
		result.Errors = append(result.Errors, &ValidationError{
			Field:   "api.port",
			Value:   config.API.Port,
			Message: "API and metrics servers cannot share a port",
			Code:    "PORT_CONFLICT",
		})
	}

	if config.Engine.SharedBurstCounter {
		result.Warnings = append(result.Warnings,
			"engine.shared_burst_counter is enabled, write and directory bursts of one process will disturb each other")
	}

	if len(config.Rules.ExecPathPrefixes) == 0 && config.Rules.HomePrefix == "" {
		result.Warnings = append(result.Warnings,
			"no exec path prefixes configured, every execve with a path will alert")
	}

	whitelist := make(map[string]bool, len(config.Rules.WriteWhitelist))
	for _, comm := range config.Rules.WriteWhitelist {
		if whitelist[comm] {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("process '%s' appears more than once in rules.write_whitelist", comm))
		}
		whitelist[comm] = true
	}

	for _, prefix := range config.Rules.ExecPathPrefixes {
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("exec path prefix '%s' has no trailing slash and also matches sibling names", prefix))
		}
	}
}

func (v *ConfigValidator) validateField(field string, value interface{}) *ValidationError {
	for _, rule := range v.rules[field] {
		if err := rule.Validate(value); err != nil {
			err.Field = field
			return err
		}
	}
	return nil
}

// GetFieldRules returns the rules registered for field.
func (v *ConfigValidator) GetFieldRules(field string) []ValidationRule {
	return v.rules[field]
}
