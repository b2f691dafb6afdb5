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

// Package state keeps the bounded per-process tracking table used by the
// rule engine.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/bearslyricattack/sysdetect/internal/core/event"
)

// DefaultCapacity is the number of distinct pids tracked when none is configured.
const DefaultCapacity = 1024

// Tracker identifies a time-windowed detector that keeps burst state.
type Tracker int

const (
	TrackerWrites Tracker = iota
	TrackerDirEnumeration
	numTrackers
)

func (t Tracker) String() string {
	switch t {
	case TrackerWrites:
		return "writes"
	case TrackerDirEnumeration:
		return "dir_enumeration"
	default:
		return "unknown"
	}
}

// Burst counts qualifying events that arrived in quick succession.
type Burst struct {
	Counter   int
	LastEvent time.Time
}

// Process is the tracking record of one pid.
type Process struct {
	PID  int
	Comm string

	shared bool
	bursts [numTrackers]Burst
}

// Burst returns the burst state used by tracker t. In shared mode every
// tracker gets the same record.
func (p *Process) Burst(t Tracker) *Burst {
	if p.shared || t < 0 || t >= numTrackers {
		return &p.bursts[0]
	}
	return &p.bursts[t]
}

// Table maps pids to their tracking record. It never holds more than its
// capacity; once full, new pids are refused rather than evicting old ones.
type Table struct {
	mu       sync.Mutex
	capacity int
	shared   bool
	procs    map[int]*Process
}

// NewTable creates a table for at most capacity pids. sharedCounter selects
// one burst record per process for all trackers.
func NewTable(capacity int, sharedCounter bool) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{
		capacity: capacity,
		shared:   sharedCounter,
		procs:    make(map[int]*Process, capacity),
	}
}

// LookupOrCreate returns the record for pid, creating it when there is room.
// A non-empty comm replaces the stored one. ok is false for negative pids
// and when the table is full. The record must not be mutated while other
// goroutines take snapshots; use Do for that.
func (t *Table) LookupOrCreate(pid int, comm string) (p *Process, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupOrCreate(pid, comm)
}

// Do looks up or creates the record for pid and runs fn on it while holding
// the table lock. It reports false, without calling fn, when the pid cannot
// be tracked.
func (t *Table) Do(pid int, comm string, fn func(p *Process)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.lookupOrCreate(pid, comm)
	if !ok {
		return false
	}
	fn(p)
	return true
}

func (t *Table) lookupOrCreate(pid int, comm string) (*Process, bool) {
	if pid < 0 {
		return nil, false
	}
	p, exists := t.procs[pid]
	if !exists {
		if len(t.procs) >= t.capacity {
			return nil, false
		}
		p = &Process{PID: pid, shared: t.shared}
		t.procs[pid] = p
	}
	if comm != "" {
		p.Comm = event.Clip(comm, event.MaxCommLength)
	}
	return p, true
}

// Len returns the number of tracked pids.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// Capacity returns the maximum number of tracked pids.
func (t *Table) Capacity() int {
	return t.capacity
}

// SharedCounter reports whether trackers share one burst record.
func (t *Table) SharedCounter() bool {
	return t.shared
}

// BurstSnapshot is the exported view of a Burst.
type BurstSnapshot struct {
	Tracker   string    `json:"tracker"`
	Counter   int       `json:"counter"`
	LastEvent time.Time `json:"last_event,omitempty"`
}

// ProcessSnapshot is a copy of a Process safe to hand to other goroutines.
type ProcessSnapshot struct {
	PID    int             `json:"pid"`
	Comm   string          `json:"comm"`
	Bursts []BurstSnapshot `json:"bursts"`
}

// Snapshot copies every tracked process, ordered by pid.
func (t *Table) Snapshot() []ProcessSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ProcessSnapshot, 0, len(t.procs))
	for _, p := range t.procs {
		snap := ProcessSnapshot{PID: p.PID, Comm: p.Comm}
		if p.shared {
			snap.Bursts = []BurstSnapshot{{Tracker: "shared", Counter: p.bursts[0].Counter, LastEvent: p.bursts[0].LastEvent}}
		} else {
			for tr := Tracker(0); tr < numTrackers; tr++ {
				b := p.bursts[tr]
				snap.Bursts = append(snap.Bursts, BurstSnapshot{Tracker: tr.String(), Counter: b.Counter, LastEvent: b.LastEvent})
			}
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}
