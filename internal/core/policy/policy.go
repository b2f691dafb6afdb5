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

// Package policy implements the allow-lists consulted by the detection rules.
// A Policy is immutable once built; a configuration change builds a new one.
package policy

import (
	"errors"
	"strings"

	"github.com/bearslyricattack/sysdetect/pkg/models"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dghubble/trie"
)

var errPrefixFound = errors.New("prefix found")

// Policy holds the whitelists for one configuration generation.
type Policy struct {
	execPrefixes   *trie.RuneTrie
	writeWhitelist mapset.Set[string]

	writeNoiseMarkers    []string
	chmodUserMarkers     []string
	connectAllowMarkers  []string
	execProtectionMarker string
}

// New builds a Policy from the rules configuration.
func New(cfg models.RulesConfig) *Policy {
	prefixes := trie.NewRuneTrie()
	for _, prefix := range cfg.ExecPathPrefixes {
		if prefix != "" {
			prefixes.Put(prefix, struct{}{})
		}
	}
	if cfg.HomePrefix != "" {
		prefixes.Put(cfg.HomePrefix, struct{}{})
	}

	return &Policy{
		execPrefixes:         prefixes,
		writeWhitelist:       mapset.NewSet[string](cfg.WriteWhitelist...),
		writeNoiseMarkers:    compact(cfg.WriteNoiseMarkers),
		chmodUserMarkers:     compact(cfg.ChmodUserMarkers),
		connectAllowMarkers:  compact(cfg.ConnectAllowMarkers),
		execProtectionMarker: cfg.ExecProtectionMarker,
	}
}

// Default returns the policy of the built-in configuration.
func Default() *Policy {
	return New(models.DefaultConfig().Rules)
}

// IsExecPathWhitelisted reports whether an executed path is expected. Unknown
// (empty) paths are let through; otherwise the path must start with one of
// the system binary prefixes or the home prefix.
func (p *Policy) IsExecPathWhitelisted(path string) bool {
	if path == "" {
		return true
	}
	err := p.execPrefixes.WalkPath(path, func(string, interface{}) error {
		return errPrefixFound
	})
	return errors.Is(err, errPrefixFound)
}

// IsWriteProcessWhitelisted reports whether comm is a known noisy but benign
// writer. The match is exact and case-sensitive.
func (p *Policy) IsWriteProcessWhitelisted(comm string) bool {
	if comm == "" {
		return false
	}
	return p.writeWhitelist.Contains(comm)
}

// IsWriteNoise reports whether a write target is a pseudo-filesystem, temp,
// socket or pipe path whose writes are not counted.
func (p *Policy) IsWriteNoise(target string) bool {
	return containsAny(target, p.writeNoiseMarkers)
}

// IsChmodUserPath reports whether a chmod target is under a user-writable or
// ephemeral location.
func (p *Policy) IsChmodUserPath(target string) bool {
	return containsAny(target, p.chmodUserMarkers)
}

// IsConnectAllowed reports whether a connect address matches the loopback or
// common web port allow-list.
func (p *Policy) IsConnectAllowed(target string) bool {
	return containsAny(target, p.connectAllowMarkers)
}

// HasExecProtection reports whether memory protection flags make a mapping
// executable.
func (p *Policy) HasExecProtection(prot string) bool {
	return p.execProtectionMarker != "" && strings.Contains(prot, p.execProtectionMarker)
}

// Markers are matched anywhere in the subject, not only as a prefix.
func containsAny(subject string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(subject, marker) {
			return true
		}
	}
	return false
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
