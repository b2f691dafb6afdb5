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

// Package detector wires input, rule engine and alert output into the
// running syscall detector.
package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/bearslyricattack/sysdetect/internal/core/alert"
	"github.com/bearslyricattack/sysdetect/internal/core/event"
	"github.com/bearslyricattack/sysdetect/internal/core/rules"
	"github.com/bearslyricattack/sysdetect/internal/core/state"
	"github.com/bearslyricattack/sysdetect/pkg/logger"
	"github.com/bearslyricattack/sysdetect/pkg/metrics"
	"github.com/bearslyricattack/sysdetect/pkg/models"
)

const (
	BannerStart = "=== Syscall Detector Engine Active ==="
	BannerStop  = "=== Syscall Detector Engine Stopped ==="

	// DefaultRecentAlerts is how many alerts are kept for the API.
	DefaultRecentAlerts = 256
)

// Stats summarises a detector run.
type Stats struct {
	Lines     uint64
	Events    uint64
	Alerts    uint64
	StartedAt time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock sets the time source for the engine and for metrics.
func WithClock(c clock.PassiveClock) Option {
	return func(d *Detector) {
		d.clock = c
	}
}

// WithQuiet suppresses the start and stop banners.
func WithQuiet(quiet bool) Option {
	return func(d *Detector) {
		d.quiet = quiet
	}
}

// WithRecentAlerts sets how many alerts are kept in memory.
func WithRecentAlerts(n int) Option {
	return func(d *Detector) {
		d.recentLimit = n
	}
}

// WithSink adds a sink that receives every emitted alert after the output.
func WithSink(s alert.Sink) Option {
	return func(d *Detector) {
		d.extra = append(d.extra, s)
	}
}

// WithCollector sets the metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(d *Detector) {
		d.metrics = c
	}
}

// Detector reads trace lines and writes alert lines. Input is consumed by
// one goroutine; configuration updates and API reads may come from others.
type Detector struct {
	mu     sync.RWMutex
	config *models.Config

	table    *state.Table
	engine   *rules.Engine
	output   *alert.WriterSink
	recorder *alert.Recorder
	sink     alert.Sink
	extra    []alert.Sink
	metrics  *metrics.Collector
	clock    clock.PassiveClock

	quiet       bool
	recentLimit int

	lines     atomic.Uint64
	events    atomic.Uint64
	alerts    atomic.Uint64
	startedAt time.Time
}

// New creates a detector writing alerts to out.
func New(config *models.Config, out io.Writer, opts ...Option) (*Detector, error) {
	if config == nil {
		config = models.DefaultConfig()
	}

	d := &Detector{
		config:      config,
		output:      alert.NewWriterSink(out),
		clock:       clock.RealClock{},
		recentLimit: DefaultRecentAlerts,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.NewCollector()
	}
	d.startedAt = d.clock.Now()

	d.recorder = alert.NewRecorder(d.recentLimit)
	d.sink = append(alert.Multi{d.output, d.recorder}, d.extra...)
	d.table = state.NewTable(config.Engine.MaxProcesses, config.Engine.SharedBurstCounter)

	engine, err := rules.NewEngine(d.table, config,
		rules.WithClock(d.clock),
		rules.WithObserver(d.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule engine: %w", err)
	}
	d.engine = engine
	d.metrics.RecordSigmaRules(engine.SigmaRuleCount())

	logger.L.WithFields(logrus.Fields{
		"max_processes":  d.table.Capacity(),
		"shared_counter": d.table.SharedCounter(),
		"sigma_rules":    engine.SigmaRuleCount(),
		"cooldown":       config.Rules.Cooldown.Enabled,
	}).Info("Detector configured")
	return d, nil
}

// Run processes inputs in order until they are exhausted or ctx ends. The
// banners frame the run on the alert output.
func (d *Detector) Run(ctx context.Context, inputs ...io.Reader) error {
	d.banner(BannerStart)
	d.metrics.RecordStart()
	defer func() {
		d.metrics.RecordStop()
		d.banner(BannerStop)
	}()

	for i, in := range inputs {
		if err := d.consume(ctx, in); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.L.WithField("input", i).Info("Input processing cancelled")
			}
			return err
		}
	}
	return nil
}

type readResult struct {
	line string
	err  error
}

// consume reads lines on a helper goroutine so that cancellation is not
// held up by a blocked read.
func (d *Detector) consume(ctx context.Context, r io.Reader) error {
	lr := event.NewLineReader(r, d.maxLineLength())

	results := make(chan readResult)
	go func() {
		defer close(results)
		for {
			line, err := lr.Next()
			select {
			case results <- readResult{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				return ctx.Err()
			}
			if res.err == io.EOF {
				return nil
			}
			if res.err != nil {
				return fmt.Errorf("failed to read input: %w", res.err)
			}
			d.HandleLine(ctx, res.line)
		}
	}
}

// HandleLine parses one line and emits the alerts it raises.
func (d *Detector) HandleLine(ctx context.Context, line string) []alert.Alert {
	d.lines.Add(1)
	parser := event.Parser{MaxLineLength: d.maxLineLength()}
	ev, ok := parser.Parse(line)
	d.metrics.RecordLine(ev, ok)
	if !ok {
		return nil
	}
	d.events.Add(1)

	start := d.clock.Now()
	alerts := d.engine.EvaluateContext(ctx, ev)
	d.metrics.RecordEvaluation(d.clock.Since(start))
	d.metrics.RecordTrackedProcesses(d.table.Len())

	for _, a := range alerts {
		d.sink.Emit(a)
		d.metrics.RecordAlert(a)
	}
	d.alerts.Add(uint64(len(alerts)))
	return alerts
}

// UpdateConfig applies a reloaded configuration. Rules and whitelists are
// swapped in place and tracked processes are kept. Table sizing changes
// only take effect after a restart.
func (d *Detector) UpdateConfig(newConfig *models.Config) {
	logger.L.Info("Applying new configuration...")

	if err := d.engine.Reload(newConfig); err != nil {
		logger.L.WithError(err).Error("Failed to apply new rules, keeping the previous configuration")
		d.metrics.RecordReload(false)
		return
	}

	d.mu.Lock()
	oldConfig := d.config
	d.config = newConfig
	d.mu.Unlock()

	if oldConfig.Engine.LogLevel != newConfig.Engine.LogLevel {
		logger.SetLevel(newConfig.Engine.LogLevel)
	}
	if oldConfig.Engine.MaxProcesses != newConfig.Engine.MaxProcesses ||
		oldConfig.Engine.SharedBurstCounter != newConfig.Engine.SharedBurstCounter {
		logger.L.WithFields(logrus.Fields{
			"max_processes":        newConfig.Engine.MaxProcesses,
			"shared_burst_counter": newConfig.Engine.SharedBurstCounter,
		}).Warn("Process table settings changed, restart to apply them")
	}
	if oldConfig.Rules.RapidWrites != newConfig.Rules.RapidWrites {
		logger.L.WithFields(logrus.Fields{
			"key":  "rules.rapid_writes",
			"from": fmt.Sprintf("%v/%d", oldConfig.Rules.RapidWrites.Window, oldConfig.Rules.RapidWrites.Threshold),
			"to":   fmt.Sprintf("%v/%d", newConfig.Rules.RapidWrites.Window, newConfig.Rules.RapidWrites.Threshold),
		}).Info("Configuration changed")
	}
	if oldConfig.Rules.RapidDirEnumeration != newConfig.Rules.RapidDirEnumeration {
		logger.L.WithFields(logrus.Fields{
			"key":  "rules.rapid_dir_enumeration",
			"from": fmt.Sprintf("%v/%d", oldConfig.Rules.RapidDirEnumeration.Window, oldConfig.Rules.RapidDirEnumeration.Threshold),
			"to":   fmt.Sprintf("%v/%d", newConfig.Rules.RapidDirEnumeration.Window, newConfig.Rules.RapidDirEnumeration.Threshold),
		}).Info("Configuration changed")
	}

	d.metrics.RecordSigmaRules(d.engine.SigmaRuleCount())
	d.metrics.RecordReload(true)
	logger.L.Info("Configuration hot-reloaded successfully")
}

// ReloadFailed records a configuration reload that never reached the
// detector.
func (d *Detector) ReloadFailed(error) {
	d.metrics.RecordReload(false)
}

// ProcessSnapshot returns the tracked processes.
func (d *Detector) ProcessSnapshot() []state.ProcessSnapshot {
	return d.table.Snapshot()
}

// TableCapacity returns the maximum number of tracked processes.
func (d *Detector) TableCapacity() int {
	return d.table.Capacity()
}

// RecentAlerts returns the most recent alerts, oldest first.
func (d *Detector) RecentAlerts() []alert.Alert {
	return d.recorder.Alerts()
}

// Stats returns counters for the run so far.
func (d *Detector) Stats() Stats {
	return Stats{
		Lines:     d.lines.Load(),
		Events:    d.events.Load(),
		Alerts:    d.alerts.Load(),
		StartedAt: d.startedAt,
	}
}

func (d *Detector) maxLineLength() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config.Engine.MaxLineLength
}

func (d *Detector) banner(line string) {
	if !d.quiet {
		d.output.WriteLine(line)
	}
}
