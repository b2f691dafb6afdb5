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

package rules

import (
	"fmt"
	"time"

	"github.com/bearslyricattack/sysdetect/internal/core/event"
	"github.com/bearslyricattack/sysdetect/internal/core/policy"
	"github.com/bearslyricattack/sysdetect/internal/core/state"
)

// Rule names as they appear in alert lines.
const (
	RuleExecOutsideCommonPaths = "EXEC_OUTSIDE_COMMON_PATHS"
	RuleMprotectProtExec       = "MPROTECT_PROT_EXEC"
	RulePtraceUsed             = "PTRACE_USED"
	RuleRapidWrites            = "RAPID_WRITES"
	RuleChmodSuspiciousPath    = "CHMOD_SUSPICIOUS_PATH"
	RuleRapidDirEnumeration    = "RAPID_DIR_ENUMERATION"
	RuleSuspiciousConnect      = "SUSPICIOUS_CONNECT"
	RuleSigmaMatch             = "SIGMA_MATCH"
)

// BuiltinRules lists the built-in rule names in evaluation order.
var BuiltinRules = []string{
	RuleExecOutsideCommonPaths,
	RuleMprotectProtExec,
	RulePtraceUsed,
	RuleRapidWrites,
	RuleChmodSuspiciousPath,
	RuleRapidDirEnumeration,
	RuleSuspiciousConnect,
}

// ruleContext is what a rule sees for one event. proc is nil when the pid
// is not tracked; only stateless rules run in that case.
type ruleContext struct {
	ev     event.Event
	proc   *state.Process
	now    time.Time
	policy *policy.Policy
	writes burst
	dirs   burst
}

type rule struct {
	name     string
	syscalls []string
	stateful bool
	check    func(ctx *ruleContext) (detail string, fired bool)
}

func (r rule) matches(syscall string) bool {
	for _, s := range r.syscalls {
		if s == syscall {
			return true
		}
	}
	return false
}

// builtins is the fixed rule bank, in evaluation order.
var builtins = []rule{
	{
		name:     RuleExecOutsideCommonPaths,
		syscalls: []string{"execve"},
		check: func(ctx *ruleContext) (string, bool) {
			if ctx.policy.IsExecPathWhitelisted(ctx.ev.Target) {
				return "", false
			}
			return fmt.Sprintf("execve from unusual path: %s", ctx.ev.Target), true
		},
	},
	{
		name:     RuleMprotectProtExec,
		syscalls: []string{"mprotect"},
		check: func(ctx *ruleContext) (string, bool) {
			if !ctx.policy.HasExecProtection(ctx.ev.Prot) {
				return "", false
			}
			return fmt.Sprintf("mprotect with PROT_EXEC (prot=%s)", ctx.ev.Prot), true
		},
	},
	{
		name:     RulePtraceUsed,
		syscalls: []string{"ptrace"},
		check: func(*ruleContext) (string, bool) {
			return "ptrace used by process", true
		},
	},
	{
		name:     RuleRapidWrites,
		syscalls: []string{"write"},
		stateful: true,
		check: func(ctx *ruleContext) (string, bool) {
			if ctx.policy.IsWriteProcessWhitelisted(ctx.proc.Comm) || ctx.policy.IsWriteNoise(ctx.ev.Target) {
				return "", false
			}
			if !ctx.writes.observe(ctx.proc.Burst(state.TrackerWrites), ctx.now) {
				return "", false
			}
			return "Rapid write pattern detected (possible ransomware)", true
		},
	},
	{
		name:     RuleChmodSuspiciousPath,
		syscalls: []string{"chmod", "fchmod", "fchmodat"},
		check: func(ctx *ruleContext) (string, bool) {
			if ctx.ev.Target == "" || ctx.policy.IsChmodUserPath(ctx.ev.Target) {
				return "", false
			}
			return fmt.Sprintf("chmod on non-user path: %s", ctx.ev.Target), true
		},
	},
	{
		name:     RuleRapidDirEnumeration,
		syscalls: []string{"getdents64"},
		stateful: true,
		check: func(ctx *ruleContext) (string, bool) {
			if !ctx.dirs.observe(ctx.proc.Burst(state.TrackerDirEnumeration), ctx.now) {
				return "", false
			}
			return "Burst of getdents64 calls (directory scanning)", true
		},
	},
	{
		name:     RuleSuspiciousConnect,
		syscalls: []string{"connect"},
		check: func(ctx *ruleContext) (string, bool) {
			if ctx.ev.Target == "" || ctx.policy.IsConnectAllowed(ctx.ev.Target) {
				return "", false
			}
			return "connect to unusual address", true
		},
	},
}

// burst is the window/threshold pair of a time-windowed rule.
type burst struct {
	window    time.Duration
	threshold int
}

// observe records one qualifying event at now. An event inside the window
// extends the current burst; otherwise it opens a new one. It reports true
// once the burst exceeds the threshold and starts counting afresh, so a
// sustained burst alerts once per threshold crossing. A clock that stepped
// backwards counts as inside the window.
func (b burst) observe(rec *state.Burst, now time.Time) bool {
	if !rec.LastEvent.IsZero() && now.Sub(rec.LastEvent) < b.window {
		rec.Counter++
	} else {
		rec.Counter = 1
	}
	rec.LastEvent = now

	if rec.Counter > b.threshold {
		rec.Counter = 0
		return true
	}
	return false
}
