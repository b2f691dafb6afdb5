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

// Package alert renders detections in the line format downstream consumers
// parse:
//
//	<YYYY-MM-DD HH:MM:SS> [ALERT] <RULE> | pid=<pid> comm=<comm>[ | <detail>]
package alert

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bearslyricattack/sysdetect/internal/core/event"
	"github.com/bearslyricattack/sysdetect/internal/core/state"
)

const (
	// TimeLayout is the timestamp layout of an alert line.
	TimeLayout = "2006-01-02 15:04:05"

	// UnknownComm stands in for a missing process name.
	UnknownComm = "-"

	// MaxDetailLength bounds the free-text part of an alert.
	MaxDetailLength = 255
)

// Alert is one detection. It is emitted and then forgotten.
type Alert struct {
	Rule   string
	PID    int
	Comm   string
	Detail string
	Time   time.Time
}

// New builds an alert for process p, which may be nil when the process is
// not tracked.
func New(rule string, p *state.Process, detail string, now time.Time) Alert {
	a := Alert{
		Rule:   rule,
		PID:    event.NoPID,
		Detail: event.Clip(detail, MaxDetailLength),
		Time:   now,
	}
	if p != nil {
		a.PID = p.PID
		a.Comm = p.Comm
	}
	return a
}

// ForEvent builds an alert for an event whose process has no tracking
// record, using the pid and comm carried by the event itself.
func ForEvent(rule string, ev event.Event, detail string, now time.Time) Alert {
	return Alert{
		Rule:   rule,
		PID:    ev.PID,
		Comm:   ev.Comm,
		Detail: event.Clip(detail, MaxDetailLength),
		Time:   now,
	}
}

// Format renders a as a single line without the trailing newline.
func Format(a Alert) string {
	comm := a.Comm
	if comm == "" {
		comm = UnknownComm
	}
	pid := a.PID
	if pid < 0 {
		pid = event.NoPID
	}
	ts := a.Time.Local().Format(TimeLayout)
	if a.Detail != "" {
		return fmt.Sprintf("%s [ALERT] %s | pid=%d comm=%s | %s", ts, a.Rule, pid, comm, a.Detail)
	}
	return fmt.Sprintf("%s [ALERT] %s | pid=%d comm=%s", ts, a.Rule, pid, comm)
}

// Sink receives emitted alerts.
type Sink interface {
	Emit(a Alert)
}

// WriterSink writes one formatted line per alert to an io.Writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Emit writes the alert line. Output is best effort: write errors are dropped.
func (s *WriterSink) Emit(a Alert) {
	line := Format(a) + "\n"
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.w, line)
}

// WriteLine writes a plain informational line, such as a start banner.
func (s *WriterSink) WriteLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.w, line+"\n")
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(a Alert)

// Emit calls f(a).
func (f SinkFunc) Emit(a Alert) {
	f(a)
}

// Recorder is a Sink that keeps the most recent alerts in memory.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	alerts []Alert
}

// NewRecorder keeps at most limit alerts; a non-positive limit keeps all.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Emit records a, dropping the oldest alert when the recorder is full.
func (r *Recorder) Emit(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.alerts) >= r.limit {
		copy(r.alerts, r.alerts[1:])
		r.alerts = r.alerts[:len(r.alerts)-1]
	}
	r.alerts = append(r.alerts, a)
}

// Alerts returns a copy of the recorded alerts, oldest first.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Multi fans an alert out to several sinks in order.
type Multi []Sink

// Emit forwards a to every sink.
func (m Multi) Emit(a Alert) {
	for _, s := range m {
		s.Emit(a)
	}
}
