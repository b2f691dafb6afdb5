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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/bearslyricattack/sysdetect/internal/core/alert"
	"github.com/bearslyricattack/sysdetect/internal/core/event"
	"github.com/bearslyricattack/sysdetect/internal/core/state"
	"github.com/bearslyricattack/sysdetect/pkg/models"
)

func TestRules(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Rules Suite")
}

type countingObserver struct {
	mu         sync.Mutex
	untracked  int
	suppressed int
	failed     int
}

func (o *countingObserver) Untracked(event.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.untracked++
}

func (o *countingObserver) Suppressed(alert.Alert) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.suppressed++
}

func (o *countingObserver) EvaluationFailed(event.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func ev(syscall string, pid int, comm, target string) event.Event {
	return event.Event{Syscall: syscall, PID: pid, Comm: comm, Target: target}
}

func ruleNames(alerts []alert.Alert) []string {
	names := make([]string, 0, len(alerts))
	for _, a := range alerts {
		names = append(names, a.Rule)
	}
	return names
}

var _ = Describe("Engine", func() {
	var (
		cfg      *models.Config
		table    *state.Table
		fc       *testingclock.FakeClock
		observer *countingObserver
		engine   *Engine
		start    = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	)

	newEngine := func() *Engine {
		e, err := NewEngine(table, cfg, WithClock(fc), WithObserver(observer))
		Expect(err).NotTo(HaveOccurred())
		return e
	}

	// feed evaluates events spaced step apart and returns every alert raised.
	feed := func(e *Engine, step time.Duration, events ...event.Event) []alert.Alert {
		var out []alert.Alert
		for _, item := range events {
			out = append(out, e.Evaluate(item)...)
			fc.Step(step)
		}
		return out
	}

	repeat := func(n int, e event.Event) []event.Event {
		events := make([]event.Event, n)
		for i := range events {
			events[i] = e
		}
		return events
	}

	BeforeEach(func() {
		cfg = models.DefaultConfig()
		table = state.NewTable(16, false)
		fc = testingclock.NewFakeClock(start)
		observer = &countingObserver{}
		engine = newEngine()
	})

	Describe("stateless rules", func() {
		It("should flag execve outside the common paths", func() {
			alerts := engine.Evaluate(ev("execve", 7, "sh", "/dev/shm/payload"))
			Expect(alerts).To(HaveLen(1))
			Expect(alerts[0].Rule).To(Equal(RuleExecOutsideCommonPaths))
			Expect(alerts[0].PID).To(Equal(7))
			Expect(alerts[0].Comm).To(Equal("sh"))
			Expect(alerts[0].Detail).To(Equal("execve from unusual path: /dev/shm/payload"))
			Expect(alerts[0].Time).To(Equal(start))
		})

		DescribeTable("should stay quiet for whitelisted execs",
			func(target string) {
				Expect(engine.Evaluate(ev("execve", 7, "sh", target))).To(BeEmpty())
			},
			Entry("system binary", "/usr/bin/ls"),
			Entry("opt", "/opt/app/run"),
			Entry("home directory", "/home/alice/bin/tool"),
			Entry("no target", ""),
		)

		It("should flag mprotect with PROT_EXEC", func() {
			e := ev("mprotect", 8, "jit", "")
			e.Prot = "PROT_READ|PROT_EXEC"
			alerts := engine.Evaluate(e)
			Expect(ruleNames(alerts)).To(Equal([]string{RuleMprotectProtExec}))
			Expect(alerts[0].Detail).To(Equal("mprotect with PROT_EXEC (prot=PROT_READ|PROT_EXEC)"))
		})

		It("should ignore mprotect without PROT_EXEC", func() {
			e := ev("mprotect", 8, "jit", "")
			e.Prot = "PROT_READ"
			Expect(engine.Evaluate(e)).To(BeEmpty())
		})

		It("should flag every ptrace", func() {
			alerts := feed(engine, time.Millisecond, repeat(3, ev("ptrace", 9, "gdb", ""))...)
			Expect(alerts).To(HaveLen(3))
			Expect(alerts[0].Detail).To(Equal("ptrace used by process"))
		})

		DescribeTable("chmod",
			func(syscall, target string, fires bool) {
				alerts := engine.Evaluate(ev(syscall, 10, "chmod", target))
				if fires {
					Expect(ruleNames(alerts)).To(Equal([]string{RuleChmodSuspiciousPath}))
					Expect(alerts[0].Detail).To(Equal("chmod on non-user path: " + target))
				} else {
					Expect(alerts).To(BeEmpty())
				}
			},
			Entry("system file", "chmod", "/etc/passwd", true),
			Entry("fchmodat on a binary", "fchmodat", "/usr/bin/sudo", true),
			Entry("fchmod on a system file", "fchmod", "/etc/shadow", true),
			Entry("home directory", "chmod", "/home/bob/script.sh", false),
			Entry("temp file", "chmod", "/tmp/x", false),
			Entry("no target", "chmod", "", false),
		)

		DescribeTable("connect",
			func(target string, fires bool) {
				alerts := engine.Evaluate(ev("connect", 11, "curl", target))
				if fires {
					Expect(ruleNames(alerts)).To(Equal([]string{RuleSuspiciousConnect}))
					Expect(alerts[0].Detail).To(Equal("connect to unusual address"))
				} else {
					Expect(alerts).To(BeEmpty())
				}
			},
			Entry("unusual port", "10.0.0.5:4444", true),
			Entry("loopback", "127.0.0.1:5432", false),
			Entry("https", "93.184.216.34:443", false),
			Entry("no target", "", false),
		)

		It("should ignore unrelated syscalls", func() {
			Expect(engine.Evaluate(ev("openat", 12, "cat", "/etc/hosts"))).To(BeEmpty())
			Expect(table.Len()).To(Equal(1))
		})

		It("should ignore events without a pid", func() {
			Expect(engine.Evaluate(ev("ptrace", event.NoPID, "gdb", ""))).To(BeEmpty())
			Expect(table.Len()).To(BeZero())
		})
	})

	Describe("rapid writes", func() {
		write := ev("write", 20, "encryptor", "/data/file.bin")

		It("should fire exactly once at the 51st write", func() {
			var fired []int
			for i := 1; i <= 51; i++ {
				if alerts := engine.Evaluate(write); len(alerts) > 0 {
					Expect(ruleNames(alerts)).To(Equal([]string{RuleRapidWrites}))
					Expect(alerts[0].Detail).To(Equal("Rapid write pattern detected (possible ransomware)"))
					fired = append(fired, i)
				}
				fc.Step(10 * time.Millisecond)
			}
			Expect(fired).To(Equal([]int{51}))
		})

		It("should fire once more for a second burst of the same size", func() {
			Expect(feed(engine, 10*time.Millisecond, repeat(51, write)...)).To(HaveLen(1))
			Expect(feed(engine, 10*time.Millisecond, repeat(51, write)...)).To(HaveLen(1))
		})

		It("should not fire at the threshold", func() {
			Expect(feed(engine, 10*time.Millisecond, repeat(50, write)...)).To(BeEmpty())
		})

		It("should restart the burst when the window lapses", func() {
			Expect(feed(engine, 10*time.Millisecond, repeat(30, write)...)).To(BeEmpty())
			fc.Step(time.Second)
			Expect(feed(engine, 10*time.Millisecond, repeat(30, write)...)).To(BeEmpty())
		})

		It("should treat a clock step backwards as inside the window", func() {
			Expect(feed(engine, 0, repeat(25, write)...)).To(BeEmpty())
			fc.SetTime(start.Add(-time.Minute))
			Expect(feed(engine, 0, repeat(26, write)...)).To(HaveLen(1))
		})

		It("should skip whitelisted processes", func() {
			Expect(feed(engine, time.Millisecond, repeat(200, ev("write", 21, "sshd", "/var/log/auth.log"))...)).To(BeEmpty())
		})

		It("should use the remembered comm for the whitelist", func() {
			engine.Evaluate(ev("openat", 22, "pipewire", ""))
			Expect(feed(engine, time.Millisecond, repeat(200, ev("write", 22, "", "/home/u/.cache/x"))...)).To(BeEmpty())
		})

		It("should skip noise targets", func() {
			Expect(feed(engine, time.Millisecond, repeat(200, ev("write", 23, "app", "/proc/self/status"))...)).To(BeEmpty())
			Expect(feed(engine, time.Millisecond, repeat(200, ev("write", 23, "app", "pipe:[1234]"))...)).To(BeEmpty())
		})

		It("should keep bursts of different pids apart", func() {
			var events []event.Event
			for i := 0; i < 40; i++ {
				events = append(events, ev("write", 30, "a", "/data/a"), ev("write", 31, "b", "/data/b"))
			}
			Expect(feed(engine, time.Millisecond, events...)).To(BeEmpty())
		})
	})

	Describe("rapid directory enumeration", func() {
		It("should fire at the 41st getdents64", func() {
			alerts := feed(engine, 5*time.Millisecond, repeat(41, ev("getdents64", 40, "find", "/"))...)
			Expect(ruleNames(alerts)).To(Equal([]string{RuleRapidDirEnumeration}))
			Expect(alerts[0].Detail).To(Equal("Burst of getdents64 calls (directory scanning)"))
		})

		It("should not fire for slow enumeration", func() {
			Expect(feed(engine, 250*time.Millisecond, repeat(100, ev("getdents64", 40, "ls", "/"))...)).To(BeEmpty())
		})
	})

	Describe("burst counters", func() {
		mixed := func() []event.Event {
			events := repeat(30, ev("write", 50, "tool", "/data/out"))
			return append(events, repeat(11, ev("getdents64", 50, "tool", "/data"))...)
		}

		It("should count each rule on its own by default", func() {
			Expect(feed(engine, time.Millisecond, mixed()...)).To(BeEmpty())
		})

		It("should let rules interfere in shared counter mode", func() {
			table = state.NewTable(16, true)
			engine = newEngine()
			alerts := feed(engine, time.Millisecond, mixed()...)
			Expect(ruleNames(alerts)).To(Equal([]string{RuleRapidDirEnumeration}))
		})
	})

	Describe("determinism", func() {
		It("should produce the same alerts when a trace is replayed", func() {
			trace := append(repeat(60, ev("write", 60, "x", "/srv/data")),
				ev("execve", 60, "x", "/srv/x"),
				ev("ptrace", 61, "y", ""),
				ev("connect", 61, "y", "8.8.8.8:53"))

			first := feed(engine, 2*time.Millisecond, trace...)

			table = state.NewTable(16, false)
			fc = testingclock.NewFakeClock(start)
			second := feed(newEngine(), 2*time.Millisecond, trace...)

			Expect(second).To(Equal(first))
			Expect(ruleNames(first)).To(Equal([]string{
				RuleRapidWrites, RuleExecOutsideCommonPaths, RulePtraceUsed, RuleSuspiciousConnect,
			}))
		})
	})

	Describe("capacity", func() {
		BeforeEach(func() {
			table = state.NewTable(2, false)
			engine = newEngine()
			engine.Evaluate(ev("openat", 1, "a", ""))
			engine.Evaluate(ev("openat", 2, "b", ""))
		})

		It("should drop events for new pids once full", func() {
			Expect(engine.Evaluate(ev("ptrace", 3, "c", ""))).To(BeEmpty())
			Expect(observer.untracked).To(Equal(1))
			Expect(table.Len()).To(Equal(2))
		})

		It("should keep evaluating tracked pids", func() {
			Expect(engine.Evaluate(ev("ptrace", 3, "c", ""))).To(BeEmpty())
			Expect(ruleNames(engine.Evaluate(ev("ptrace", 1, "", "")))).To(Equal([]string{RulePtraceUsed}))
		})

		It("should fire stateless rules for untracked pids when configured", func() {
			cfg.Engine.StatelessRulesOnOverflow = true
			Expect(engine.Reload(cfg)).To(Succeed())

			alerts := engine.Evaluate(ev("ptrace", 3, "c", ""))
			Expect(ruleNames(alerts)).To(Equal([]string{RulePtraceUsed}))
			Expect(alerts[0].PID).To(Equal(3))
			Expect(alerts[0].Comm).To(Equal("c"))

			Expect(feed(engine, time.Millisecond, repeat(100, ev("write", 3, "c", "/data/x"))...)).To(BeEmpty())
			Expect(table.Len()).To(Equal(2))
		})
	})

	Describe("disabled rules", func() {
		It("should skip rules by name", func() {
			cfg.Rules.Disabled = []string{RulePtraceUsed, "NO_SUCH_RULE"}
			engine = newEngine()
			Expect(engine.Evaluate(ev("ptrace", 5, "gdb", ""))).To(BeEmpty())
			Expect(engine.Evaluate(ev("execve", 5, "gdb", "/x/y"))).To(HaveLen(1))
		})
	})

	Describe("Reload", func() {
		It("should keep process state across a reload", func() {
			write := ev("write", 70, "w", "/data/x")
			Expect(feed(engine, time.Millisecond, repeat(30, write)...)).To(BeEmpty())

			cfg.Rules.RapidWrites.Threshold = 10
			Expect(engine.Reload(cfg)).To(Succeed())

			Expect(ruleNames(engine.Evaluate(write))).To(Equal([]string{RuleRapidWrites}))
			Expect(table.Len()).To(Equal(1))
		})

		It("should apply new whitelists", func() {
			Expect(engine.Evaluate(ev("execve", 71, "svc", "/srv/bin/svc"))).To(HaveLen(1))

			cfg.Rules.ExecPathPrefixes = append(cfg.Rules.ExecPathPrefixes, "/srv/")
			Expect(engine.Reload(cfg)).To(Succeed())

			Expect(engine.Evaluate(ev("execve", 71, "svc", "/srv/bin/svc"))).To(BeEmpty())
		})

		It("should keep the previous rules when the reload fails", func() {
			cfg.Rules.SigmaRulesDir = filepath.Join(GinkgoT().TempDir(), "missing")
			Expect(engine.Reload(cfg)).To(HaveOccurred())
			Expect(engine.Evaluate(ev("ptrace", 72, "gdb", ""))).To(HaveLen(1))
		})

		It("should reject a nil configuration", func() {
			Expect(engine.Reload(nil)).To(HaveOccurred())
		})
	})

	Describe("cooldown", func() {
		BeforeEach(func() {
			cfg.Rules.Cooldown.Enabled = true
			cfg.Rules.Cooldown.Duration = time.Minute
			engine = newEngine()
		})

		It("should suppress a repeated alert for the same pid and rule", func() {
			Expect(engine.Evaluate(ev("ptrace", 80, "gdb", ""))).To(HaveLen(1))
			Expect(engine.Evaluate(ev("ptrace", 80, "gdb", ""))).To(BeEmpty())
			Expect(observer.suppressed).To(Equal(1))
		})

		It("should not suppress other pids or rules", func() {
			Expect(engine.Evaluate(ev("ptrace", 80, "gdb", ""))).To(HaveLen(1))
			Expect(engine.Evaluate(ev("ptrace", 81, "gdb", ""))).To(HaveLen(1))
			Expect(engine.Evaluate(ev("execve", 80, "gdb", "/x"))).To(HaveLen(1))
		})

		It("should keep the cooldown across a reload with the same settings", func() {
			Expect(engine.Evaluate(ev("ptrace", 80, "gdb", ""))).To(HaveLen(1))
			Expect(engine.Reload(cfg)).To(Succeed())
			Expect(engine.Evaluate(ev("ptrace", 80, "gdb", ""))).To(BeEmpty())
		})

		It("should let alerts through again once the duration passes", func() {
			cfg.Rules.Cooldown.Duration = 20 * time.Millisecond
			engine = newEngine()
			Expect(engine.Evaluate(ev("ptrace", 80, "gdb", ""))).To(HaveLen(1))
			Eventually(func() []alert.Alert {
				return engine.Evaluate(ev("ptrace", 80, "gdb", ""))
			}).WithTimeout(2 * time.Second).WithPolling(10 * time.Millisecond).Should(HaveLen(1))
		})
	})

	Describe("Sigma rules", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
			rule := `title: Shadow file access
id: 5b3c1f5e-6a7d-4c1e-9f55-0d6f2a1b9e10
status: experimental
logsource:
  product: linux
  category: syscall
detection:
  selection:
    Syscall: openat
    Target|endswith: /shadow
  condition: selection
level: high
`
			Expect(os.WriteFile(filepath.Join(dir, "shadow.yml"), []byte(rule), 0o644)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a rule"), 0o644)).To(Succeed())
			cfg.Rules.SigmaRulesDir = dir
			engine = newEngine()
		})

		It("should load rule files only", func() {
			Expect(engine.SigmaRuleCount()).To(Equal(1))
		})

		It("should raise SIGMA_MATCH for a matching event", func() {
			alerts := engine.Evaluate(ev("openat", 90, "cat", "/etc/shadow"))
			Expect(ruleNames(alerts)).To(Equal([]string{RuleSigmaMatch}))
			Expect(alerts[0].Detail).To(Equal("Shadow file access (5b3c1f5e-6a7d-4c1e-9f55-0d6f2a1b9e10)"))
			Expect(alerts[0].PID).To(Equal(90))
		})

		It("should stay quiet for other events", func() {
			Expect(engine.Evaluate(ev("openat", 90, "cat", "/etc/hosts"))).To(BeEmpty())
		})

		It("should be disabled by name", func() {
			cfg.Rules.Disabled = []string{RuleSigmaMatch}
			Expect(engine.Reload(cfg)).To(Succeed())
			Expect(engine.Evaluate(ev("openat", 90, "cat", "/etc/shadow"))).To(BeEmpty())
		})
	})

	Describe("failure handling", func() {
		It("should skip the event when a rule panics", func() {
			saved := builtins
			DeferCleanup(func() { builtins = saved })
			builtins = append([]rule{{
				name:     "BROKEN",
				syscalls: []string{"ptrace"},
				check:    func(*ruleContext) (string, bool) { panic("boom") },
			}}, saved...)

			Expect(engine.Evaluate(ev("ptrace", 99, "gdb", ""))).To(BeEmpty())
			Expect(observer.failed).To(Equal(1))
			Expect(table.Len()).To(Equal(1))

			builtins = saved
			Expect(engine.Evaluate(ev("ptrace", 99, "gdb", ""))).To(HaveLen(1))
		})
	})

	Describe("NewEngine", func() {
		It("should require a table", func() {
			_, err := NewEngine(nil, cfg)
			Expect(err).To(HaveOccurred())
		})

		It("should fall back to the default configuration", func() {
			e, err := NewEngine(table, nil, WithClock(fc))
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Evaluate(ev("ptrace", 1, "gdb", ""))).To(HaveLen(1))
			Expect(e.Table()).To(BeIdenticalTo(table))
		})
	})
})
