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

// Package config loads the detector configuration file and watches it for
// changes.
package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	pkgconfig "github.com/bearslyricattack/sysdetect/pkg/config"
	"github.com/bearslyricattack/sysdetect/pkg/logger"
	"github.com/bearslyricattack/sysdetect/pkg/models"
)

// Loader reads the configuration file, overlaying it on the defaults and
// applying environment overrides before validation.
type Loader struct {
	configPath string
	lastHash   string
	env        *pkgconfig.EnvLoader
	validator  *pkgconfig.ConfigValidator
}

// NewLoader creates a loader for configPath. An empty path means defaults
// plus environment overrides.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		env:        pkgconfig.NewEnvLoader(pkgconfig.DefaultEnvPrefix),
		validator:  pkgconfig.NewConfigValidator(),
	}
}

// Load builds a validated configuration.
func (l *Loader) Load() (*models.Config, error) {
	config := models.DefaultConfig()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, fmt.Errorf("configuration file is empty: %s", l.configPath)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(config); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to parse configuration file: %w", err)
		}

		l.lastHash = hashOf(data)
	}

	if err := l.env.LoadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	result := l.validator.Validate(config)
	for _, warning := range result.Warnings {
		logger.L.WithField("path", l.configPath).Warn(warning)
	}
	if !result.Valid {
		return nil, fmt.Errorf("invalid configuration: %w", result.Err())
	}

	logger.L.WithFields(logrus.Fields{
		"path":          l.configPath,
		"max_processes": config.Engine.MaxProcesses,
		"sigma_dir":     config.Rules.SigmaRulesDir,
	}).Debug("Configuration loaded")
	return config, nil
}

// HasChanged reports whether the file content differs from the last load
// or check. An empty file is treated as a write still in progress.
func (l *Loader) HasChanged() (bool, error) {
	if l.configPath == "" {
		return false, nil
	}

	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return false, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	currentHash := hashOf(data)

	if l.lastHash == "" {
		l.lastHash = currentHash
		return false, nil
	}

	changed := currentHash != l.lastHash
	if changed {
		l.lastHash = currentHash
	}
	return changed, nil
}

// GetConfigPath returns the configuration file path.
func (l *Loader) GetConfigPath() string {
	return l.configPath
}

// GetConfigDir returns the directory holding the configuration file.
func (l *Loader) GetConfigDir() string {
	return filepath.Dir(l.configPath)
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
