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

// Package rules evaluates syscall events against the detection rules and
// turns matches into alerts.
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/bearslyricattack/sysdetect/internal/core/alert"
	"github.com/bearslyricattack/sysdetect/internal/core/event"
	"github.com/bearslyricattack/sysdetect/internal/core/policy"
	"github.com/bearslyricattack/sysdetect/internal/core/state"
	"github.com/bearslyricattack/sysdetect/pkg/logger"
	"github.com/bearslyricattack/sysdetect/pkg/models"
)

// Observer is told about engine outcomes that produce no alert.
type Observer interface {
	// Untracked is called when an event is dropped because its pid could
	// not get a tracking record.
	Untracked(ev event.Event)
	// Suppressed is called for an alert swallowed by the cooldown.
	Suppressed(a alert.Alert)
	// EvaluationFailed is called when rule evaluation panicked.
	EvaluationFailed(ev event.Event)
}

type nopObserver struct{}

func (nopObserver) Untracked(event.Event)        {}
func (nopObserver) Suppressed(alert.Alert)       {}
func (nopObserver) EvaluationFailed(event.Event) {}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used to stamp alerts and measure bursts.
func WithClock(c clock.PassiveClock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithObserver registers o to be told about dropped events and alerts.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// ruleSet is everything the engine derives from configuration. It is
// replaced as a whole on reload and never mutated afterwards, apart from
// the cooldown cache which is safe for concurrent use.
type ruleSet struct {
	policy              *policy.Policy
	writes              burst
	dirs                burst
	disabled            mapset.Set[string]
	sigma               *SigmaRuleSet
	cooldown            *cooldown
	statelessOnOverflow bool
}

// Engine runs the rule bank over events, keeping per-process state in a
// Table. Evaluate may be called from one goroutine while Reload is called
// from another.
type Engine struct {
	table    *state.Table
	clock    clock.PassiveClock
	observer Observer

	mu    sync.RWMutex
	rules *ruleSet
}

// NewEngine builds an engine over table from cfg.
func NewEngine(table *state.Table, cfg *models.Config, opts ...Option) (*Engine, error) {
	if table == nil {
		return nil, fmt.Errorf("state table is required")
	}
	if cfg == nil {
		cfg = models.DefaultConfig()
	}

	e := &Engine{
		table:    table,
		clock:    clock.RealClock{},
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}

	rs, err := buildRuleSet(cfg, nil)
	if err != nil {
		return nil, err
	}
	e.rules = rs
	return e, nil
}

// Reload swaps in policies and thresholds from cfg. Process state is kept.
// On error the previous rules stay in effect.
func (e *Engine) Reload(cfg *models.Config) error {
	e.mu.RLock()
	prev := e.rules
	e.mu.RUnlock()

	rs, err := buildRuleSet(cfg, prev)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.rules = rs
	e.mu.Unlock()
	return nil
}

// Table returns the process state table the engine writes to.
func (e *Engine) Table() *state.Table {
	return e.table
}

// SigmaRuleCount returns the number of loaded Sigma rules.
func (e *Engine) SigmaRuleCount() int {
	return e.current().sigma.Len()
}

func (e *Engine) current() *ruleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// Evaluate runs every enabled rule against ev and returns the resulting
// alerts in rule order.
func (e *Engine) Evaluate(ev event.Event) []alert.Alert {
	return e.EvaluateContext(context.Background(), ev)
}

// EvaluateContext is Evaluate with a context for Sigma rule evaluation.
func (e *Engine) EvaluateContext(ctx context.Context, ev event.Event) (alerts []alert.Alert) {
	if ev.PID < 0 {
		return nil
	}
	rs := e.current()
	now := e.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.L.WithFields(logrus.Fields{
				"syscall": ev.Syscall,
				"pid":     ev.PID,
				"panic":   r,
			}).Debug("Rule evaluation failed, event skipped")
			e.observer.EvaluationFailed(ev)
			alerts = nil
		}
	}()

	tracked := e.table.Do(ev.PID, ev.Comm, func(p *state.Process) {
		alerts = rs.evaluate(ctx, ev, p, now)
	})
	if !tracked {
		logger.L.WithField("pid", ev.PID).Debug("Process table full, event not tracked")
		e.observer.Untracked(ev)
		if !rs.statelessOnOverflow {
			return nil
		}
		alerts = rs.evaluate(ctx, ev, nil, now)
	}

	return e.applyCooldown(rs, alerts)
}

func (e *Engine) applyCooldown(rs *ruleSet, alerts []alert.Alert) []alert.Alert {
	if rs.cooldown == nil || len(alerts) == 0 {
		return alerts
	}
	kept := alerts[:0]
	for _, a := range alerts {
		if rs.cooldown.allow(a) {
			kept = append(kept, a)
			continue
		}
		e.observer.Suppressed(a)
	}
	return kept
}

// evaluate runs the rule bank. p is nil for an untracked pid, in which case
// stateful rules are skipped and alerts carry the event's own identity.
func (rs *ruleSet) evaluate(ctx context.Context, ev event.Event, p *state.Process, now time.Time) []alert.Alert {
	var out []alert.Alert
	newAlert := func(name, detail string) alert.Alert {
		if p == nil {
			return alert.ForEvent(name, ev, detail, now)
		}
		return alert.New(name, p, detail, now)
	}

	rc := &ruleContext{
		ev:     ev,
		proc:   p,
		now:    now,
		policy: rs.policy,
		writes: rs.writes,
		dirs:   rs.dirs,
	}
	for _, r := range builtins {
		if !r.matches(ev.Syscall) || rs.disabled.Contains(r.name) {
			continue
		}
		if r.stateful && p == nil {
			continue
		}
		if detail, fired := r.check(rc); fired {
			out = append(out, newAlert(r.name, detail))
		}
	}

	if !rs.disabled.Contains(RuleSigmaMatch) {
		for _, detail := range rs.sigma.Match(ctx, ev) {
			out = append(out, newAlert(RuleSigmaMatch, detail))
		}
	}
	return out
}

func buildRuleSet(cfg *models.Config, prev *ruleSet) (*ruleSet, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	rc := cfg.Rules

	rs := &ruleSet{
		policy:              policy.New(rc),
		writes:              burst{window: rc.RapidWrites.Window, threshold: rc.RapidWrites.Threshold},
		dirs:                burst{window: rc.RapidDirEnumeration.Window, threshold: rc.RapidDirEnumeration.Threshold},
		disabled:            mapset.NewSet[string](),
		statelessOnOverflow: cfg.Engine.StatelessRulesOnOverflow,
	}

	known := mapset.NewSet[string](BuiltinRules...)
	known.Add(RuleSigmaMatch)
	for _, name := range rc.Disabled {
		if !known.Contains(name) {
			logger.L.WithField("rule", name).Warn("Ignoring unknown rule in disabled list")
			continue
		}
		rs.disabled.Add(name)
	}

	if rc.SigmaRulesDir != "" {
		sigmaRules, err := LoadSigmaRules(rc.SigmaRulesDir)
		if err != nil {
			return nil, err
		}
		rs.sigma = sigmaRules
	}

	if rc.Cooldown.Enabled {
		if prev != nil && prev.cooldown.sameSettings(rc.Cooldown.Duration, rc.Cooldown.MaxSize) {
			rs.cooldown = prev.cooldown
		} else {
			rs.cooldown = newCooldown(rc.Cooldown.Duration, rc.Cooldown.MaxSize)
		}
	}
	return rs, nil
}
