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

// Package metrics exposes detector statistics in Prometheus format: input
// volume, parse failures, state table occupancy and alerts per rule.
package metrics

import (
	"time"

	"github.com/bearslyricattack/sysdetect/internal/core/alert"
	"github.com/bearslyricattack/sysdetect/internal/core/event"
)

// Collector records detector activity into the package metrics. It also
// serves as the rule engine observer.
type Collector struct {
	startTime time.Time
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// RecordStart marks the detector as running.
func (c *Collector) RecordStart() {
	DetectorRunning.Set(1)
}

// RecordStop marks the detector as stopped.
func (c *Collector) RecordStop() {
	DetectorRunning.Set(0)
}

// RecordLine counts one input line and whether it parsed into an event.
func (c *Collector) RecordLine(ev event.Event, parsed bool) {
	LinesReadTotal.Inc()
	if !parsed {
		LinesDiscardedTotal.Inc()
		return
	}
	EventsTotal.WithLabelValues(ev.Syscall).Inc()
}

// RecordEvaluation records how long one event took to evaluate.
func (c *Collector) RecordEvaluation(duration time.Duration) {
	EvaluationDurationSeconds.Observe(duration.Seconds())
}

// RecordAlert counts an emitted alert.
func (c *Collector) RecordAlert(a alert.Alert) {
	AlertsTotal.WithLabelValues(a.Rule).Inc()
}

// RecordTrackedProcesses sets the state table occupancy.
func (c *Collector) RecordTrackedProcesses(count int) {
	TrackedProcesses.Set(float64(count))
}

// RecordReload counts a configuration reload attempt.
func (c *Collector) RecordReload(success bool) {
	if success {
		ConfigReloadsTotal.WithLabelValues("success").Inc()
	} else {
		ConfigReloadsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordSigmaRules sets the number of loaded Sigma rules.
func (c *Collector) RecordSigmaRules(count int) {
	SigmaRulesLoaded.Set(float64(count))
}

// Untracked implements rules.Observer.
func (c *Collector) Untracked(event.Event) {
	UntrackedEventsTotal.Inc()
}

// Suppressed implements rules.Observer.
func (c *Collector) Suppressed(a alert.Alert) {
	AlertsSuppressedTotal.WithLabelValues(a.Rule).Inc()
}

// EvaluationFailed implements rules.Observer.
func (c *Collector) EvaluationFailed(event.Event) {
	EvaluationErrorsTotal.Inc()
}

// Uptime returns how long the collector has existed.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}
