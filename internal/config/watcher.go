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
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/bearslyricattack/sysdetect/pkg/logger"
	"github.com/bearslyricattack/sysdetect/pkg/models"
)

// UpdateHandler receives every successfully reloaded configuration.
type UpdateHandler func(*models.Config)

// ErrorHandler is told about a reload that failed; the previous
// configuration stays in effect.
type ErrorHandler func(error)

// Watcher reloads the configuration when its file changes.
type Watcher struct {
	loader    *Loader
	watcher   *fsnotify.Watcher
	handler   UpdateHandler
	onFailure ErrorHandler
}

// NewWatcher creates a watcher calling handler after each reload.
func NewWatcher(loader *Loader, handler UpdateHandler) (*Watcher, error) {
	if loader.GetConfigPath() == "" {
		return nil, fmt.Errorf("no configuration file to watch")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		loader:  loader,
		watcher: fsWatcher,
		handler: handler,
	}, nil
}

// OnFailure registers a handler for failed reloads.
func (w *Watcher) OnFailure(handler ErrorHandler) *Watcher {
	w.onFailure = handler
	return w
}

// Start watches the configuration directory until ctx ends or Stop is
// called. The directory is watched rather than the file so that atomic
// replacements are seen.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.loader.GetConfigDir()); err != nil {
		return err
	}

	logger.L.WithField("path", w.loader.GetConfigPath()).Info("Started monitoring configuration file")

	go w.watchLoop(ctx)
	return nil
}

// Stop releases the underlying file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.handleFileChange()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.L.WithField("error", err).Error("File watcher error")
		}
	}
}

func (w *Watcher) handleFileChange() {
	changed, err := w.loader.HasChanged()
	if err != nil {
		// The file may be mid-replacement; the following Create event retries.
		logger.L.WithError(err).Debug("Failed to check configuration file changes")
		return
	}
	if !changed {
		return
	}

	logger.L.WithFields(logrus.Fields{
		"file": w.loader.GetConfigPath(),
	}).Info("Detected configuration file content change, preparing hot reload...")

	newConfig, err := w.loader.Load()
	if err != nil {
		logger.L.WithField("error", err).Error("Failed to load new configuration during hot reload, continuing with old configuration")
		if w.onFailure != nil {
			w.onFailure(err)
		}
		return
	}

	if w.handler != nil {
		w.handler(newConfig)
	}
}
