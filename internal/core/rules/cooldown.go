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
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bearslyricattack/sysdetect/internal/core/alert"
)

type cooldownKey struct {
	pid  int
	rule string
}

// cooldown drops an alert when the same rule already fired for the same
// pid within the configured duration. Entries expire on their own; the
// size bound keeps memory flat when many pids alert at once.
type cooldown struct {
	duration time.Duration
	size     int
	seen     *expirable.LRU[cooldownKey, struct{}]
}

func newCooldown(duration time.Duration, size int) *cooldown {
	return &cooldown{
		duration: duration,
		size:     size,
		seen:     expirable.NewLRU[cooldownKey, struct{}](size, nil, duration),
	}
}

// allow reports whether a should be emitted, recording it when it is.
func (c *cooldown) allow(a alert.Alert) bool {
	key := cooldownKey{pid: a.PID, rule: a.Rule}
	if _, ok := c.seen.Get(key); ok {
		return false
	}
	c.seen.Add(key, struct{}{})
	return true
}

func (c *cooldown) sameSettings(duration time.Duration, size int) bool {
	return c != nil && c.duration == duration && c.size == size
}
