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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detector status metrics
	DetectorRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sysdetect_detector_running",
		Help: "Indicates whether the detector is consuming input (1 for running, 0 for stopped)",
	})

	ConfigReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysdetect_config_reloads_total",
		Help: "Number of configuration reloads by result",
	}, []string{"result"})

	SigmaRulesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sysdetect_sigma_rules_loaded",
		Help: "Number of Sigma rules currently loaded",
	})

	// Input metrics
	LinesReadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sysdetect_lines_read_total",
		Help: "Total number of input lines read",
	})

	LinesDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sysdetect_lines_discarded_total",
		Help: "Total number of input lines that were not valid trace events",
	})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysdetect_events_total",
		Help: "Number of parsed events by syscall",
	}, []string{"syscall"})

	// State table metrics
	TrackedProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sysdetect_tracked_processes",
		Help: "Number of processes in the state table",
	})

	UntrackedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sysdetect_untracked_events_total",
		Help: "Total number of events whose process could not be tracked because the state table was full",
	})

	// Detection metrics
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysdetect_alerts_total",
		Help: "Number of alerts emitted by rule",
	}, []string{"rule"})

	AlertsSuppressedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysdetect_alerts_suppressed_total",
		Help: "Number of alerts suppressed by the cooldown, by rule",
	}, []string{"rule"})

	EvaluationErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sysdetect_evaluation_errors_total",
		Help: "Total number of events skipped because rule evaluation failed",
	})

	// Performance metrics
	EvaluationDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sysdetect_evaluation_duration_seconds",
		Help:    "Time taken to evaluate one event against all rules",
		Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
	})
)
