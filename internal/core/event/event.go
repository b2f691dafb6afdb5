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

// Package event turns syscall trace lines into structured events.
//
// A trace line looks like
//
//	SYS|<syscall>|pid=<pid>|comm=<name>|file=<path>|prot=<flags>
//
// Anything that does not fit that framing, or has no usable pid, is ignored.
package event

import (
	"strconv"
	"strings"

	"github.com/aquilax/truncate"
)

const (
	// LinePrefix marks a trace line.
	LinePrefix = "SYS|"

	// DefaultMaxLineLength bounds a single input line.
	DefaultMaxLineLength = 1023
	// MaxCommLength bounds the process name.
	MaxCommLength = 63
	// MaxTargetLength bounds the path or address field.
	MaxTargetLength = 511
	// MaxProtLength bounds the protection flags field.
	MaxProtLength = 63

	// NoPID is the pid of an event whose pid could not be resolved.
	NoPID = -1
)

// Event is one syscall observation. It is built per line and not retained.
type Event struct {
	Syscall string
	PID     int
	Comm    string
	Target  string
	Prot    string
}

// targetKeys all populate Event.Target; the first one present wins.
var targetKeys = map[string]struct{}{
	"file":     {},
	"filename": {},
	"pathname": {},
	"addr":     {},
}

// Parser parses trace lines. The zero value uses DefaultMaxLineLength.
type Parser struct {
	MaxLineLength int
}

// Parse parses a line with the default limits.
func Parse(line string) (Event, bool) {
	return Parser{}.Parse(line)
}

// Parse returns the event described by line. ok is false for lines that are
// not trace lines or that carry no valid pid.
func (p Parser) Parse(line string) (ev Event, ok bool) {
	maxLen := p.MaxLineLength
	if maxLen <= 0 {
		maxLen = DefaultMaxLineLength
	}
	line = Clip(line, maxLen)
	line = strings.TrimRight(line, "\r\n")
	if line == "" || !strings.HasPrefix(line, LinePrefix) {
		return Event{}, false
	}

	tokens := strings.FieldsFunc(line[len(LinePrefix):], func(r rune) bool { return r == '|' })
	if len(tokens) == 0 {
		return Event{}, false
	}

	ev = Event{Syscall: tokens[0], PID: NoPID}
	targetSet := false
	for _, token := range tokens[1:] {
		key, value, found := strings.Cut(token, "=")
		if !found {
			continue
		}
		switch key {
		case "pid":
			ev.PID = parsePID(value)
		case "comm":
			ev.Comm = Clip(value, MaxCommLength)
		case "prot":
			ev.Prot = Clip(value, MaxProtLength)
		default:
			if _, isTarget := targetKeys[key]; isTarget && !targetSet {
				ev.Target = Clip(value, MaxTargetLength)
				targetSet = true
			}
		}
	}

	if ev.PID < 0 {
		return Event{}, false
	}
	return ev, true
}

func parsePID(value string) int {
	pid, err := strconv.Atoi(value)
	if err != nil || pid < 0 {
		return NoPID
	}
	return pid
}

// Clip truncates s to at most max runes without splitting a character.
func Clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return truncate.Truncate(s, max, "", truncate.PositionEnd)
}
