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
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bearslyricattack/sysdetect/pkg/logger"
	"github.com/bearslyricattack/sysdetect/pkg/models"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "SYSDETECT"

// EnvLoader applies environment variable overrides to a configuration.
// Field "rules.rapid_writes.window" is read from
// SYSDETECT_RULES_RAPID_WRITES_WINDOW.
type EnvLoader struct {
	prefix     string
	separator  string
	mapping    map[string]string
	converters map[string]TypeConverter
}

// TypeConverter turns an environment string into a field value.
type TypeConverter interface {
	Convert(value string) (interface{}, error)
}

// NewEnvLoader creates an environment loader for prefix.
func NewEnvLoader(prefix string) *EnvLoader {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	return &EnvLoader{
		prefix:     strings.ToUpper(prefix),
		separator:  "_",
		mapping:    make(map[string]string),
		converters: make(map[string]TypeConverter),
	}
}

// AddMapping reads field from envKey instead of the derived name.
func (e *EnvLoader) AddMapping(field, envKey string) *EnvLoader {
	e.mapping[field] = envKey
	return e
}

// AddConverter sets a custom converter for field.
func (e *EnvLoader) AddConverter(field string, converter TypeConverter) *EnvLoader {
	e.converters[field] = converter
	return e
}

// fields lists every overridable field with a pointer into config.
func fields(config *models.Config) map[string]interface{} {
	return map[string]interface{}{
		"engine.max_processes":               &config.Engine.MaxProcesses,
		"engine.max_line_length":             &config.Engine.MaxLineLength,
		"engine.log_level":                   &config.Engine.LogLevel,
		"engine.shared_burst_counter":        &config.Engine.SharedBurstCounter,
		"engine.stateless_rules_on_overflow": &config.Engine.StatelessRulesOnOverflow,

		"rules.exec_path_prefixes":              &config.Rules.ExecPathPrefixes,
		"rules.home_prefix":                     &config.Rules.HomePrefix,
		"rules.write_whitelist":                 &config.Rules.WriteWhitelist,
		"rules.write_noise_markers":             &config.Rules.WriteNoiseMarkers,
		"rules.chmod_user_markers":              &config.Rules.ChmodUserMarkers,
		"rules.connect_allow_markers":           &config.Rules.ConnectAllowMarkers,
		"rules.exec_protection_marker":          &config.Rules.ExecProtectionMarker,
		"rules.rapid_writes.window":             &config.Rules.RapidWrites.Window,
		"rules.rapid_writes.threshold":          &config.Rules.RapidWrites.Threshold,
		"rules.rapid_dir_enumeration.window":    &config.Rules.RapidDirEnumeration.Window,
		"rules.rapid_dir_enumeration.threshold": &config.Rules.RapidDirEnumeration.Threshold,
		"rules.disabled":                        &config.Rules.Disabled,
		"rules.sigma_rules_dir":                 &config.Rules.SigmaRulesDir,
		"rules.cooldown.enabled":                &config.Rules.Cooldown.Enabled,
		"rules.cooldown.duration":               &config.Rules.Cooldown.Duration,
		"rules.cooldown.max_size":               &config.Rules.Cooldown.MaxSize,

		"metrics.enabled":        &config.Metrics.Enabled,
		"metrics.port":           &config.Metrics.Port,
		"metrics.path":           &config.Metrics.Path,
		"metrics.read_timeout":   &config.Metrics.ReadTimeout,
		"metrics.write_timeout":  &config.Metrics.WriteTimeout,
		"metrics.max_retries":    &config.Metrics.MaxRetries,
		"metrics.retry_interval": &config.Metrics.RetryInterval,

		"api.enabled": &config.API.Enabled,
		"api.port":    &config.API.Port,
	}
}

// LoadFromEnv overrides fields of config for which an environment variable
// is set. Nothing is changed when a value fails to convert.
func (e *EnvLoader) LoadFromEnv(config *models.Config) error {
	targets := fields(config)
	names := make([]string, 0, len(targets))
	for field := range targets {
		names = append(names, field)
	}
	sort.Strings(names)

	type override struct {
		target interface{}
		value  interface{}
	}
	var overrides []override
	for _, field := range names {
		envKey := e.getEnvKey(field)
		raw, ok := os.LookupEnv(envKey)
		if !ok {
			continue
		}

		value, err := e.convertValue(field, raw, targets[field])
		if err != nil {
			return fmt.Errorf("failed to convert %s for field '%s': %w", envKey, field, err)
		}
		overrides = append(overrides, override{target: targets[field], value: value})

		logger.L.WithFields(logrus.Fields{
			"field":   field,
			"env_key": envKey,
		}).Debug("Configuration overridden from environment")
	}

	for _, o := range overrides {
		if err := setFieldValue(o.target, o.value); err != nil {
			return err
		}
	}
	if len(overrides) > 0 {
		logger.L.WithField("count", len(overrides)).Info("Applied environment configuration overrides")
	}
	return nil
}

func (e *EnvLoader) getEnvKey(field string) string {
	if customKey, exists := e.mapping[field]; exists {
		return customKey
	}

	key := strings.ReplaceAll(field, ".", e.separator)
	key = strings.ReplaceAll(key, "-", "_")
	return e.prefix + e.separator + strings.ToUpper(key)
}

// convertValue uses a registered converter for field, or else converts by
// the type of target.
func (e *EnvLoader) convertValue(field, value string, target interface{}) (interface{}, error) {
	if converter, exists := e.converters[field]; exists {
		return converter.Convert(value)
	}

	var converter TypeConverter
	switch target.(type) {
	case *bool:
		converter = &BoolConverter{}
	case *int:
		converter = &IntConverter{}
	case *time.Duration:
		converter = &DurationConverter{}
	case *[]string:
		converter = &StringSliceConverter{}
	default:
		converter = &StringConverter{}
	}
	return converter.Convert(value)
}

func setFieldValue(target interface{}, value interface{}) error {
	targetValue := reflect.ValueOf(target)
	if targetValue.Kind() != reflect.Ptr {
		return fmt.Errorf("target must be a pointer")
	}

	targetValue = targetValue.Elem()
	valueType := reflect.ValueOf(value)
	if !valueType.Type().ConvertibleTo(targetValue.Type()) {
		return fmt.Errorf("cannot convert %v to %v", valueType.Type(), targetValue.Type())
	}

	targetValue.Set(valueType.Convert(targetValue.Type()))
	return nil
}

// StringConverter keeps the value as is.
type StringConverter struct{}

func (c *StringConverter) Convert(value string) (interface{}, error) {
	return value, nil
}

// BoolConverter accepts the usual spellings of true and false.
type BoolConverter struct{}

func (c *BoolConverter) Convert(value string) (interface{}, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on", "enabled":
		return true, nil
	case "false", "0", "no", "off", "disabled":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s", value)
	}
}

// DurationConverter parses Go duration strings such as "300ms".
type DurationConverter struct{}

func (c *DurationConverter) Convert(value string) (interface{}, error) {
	return time.ParseDuration(strings.TrimSpace(value))
}

// IntConverter parses base-10 integers.
type IntConverter struct{}

func (c *IntConverter) Convert(value string) (interface{}, error) {
	return strconv.Atoi(strings.TrimSpace(value))
}

// StringSliceConverter splits a list, dropping empty items.
type StringSliceConverter struct {
	Separator string
}

func (c *StringSliceConverter) Convert(value string) (interface{}, error) {
	separator := c.Separator
	if separator == "" {
		separator = ","
	}

	items := []string{}
	for _, item := range strings.Split(value, separator) {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items, nil
}
