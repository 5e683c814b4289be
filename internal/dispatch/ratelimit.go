// Mech is a multi-tenant job queueing and dispatch service.
// Copyright (C) 2025 Mech Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package dispatch

import (
	"sync"
	"time"

	"mech/pkg/mech"
)

// slidingLimiter enforces a queue's rate limit as a hard cap on job starts:
// at most Max starts per rolling WindowMs. Empty polls don't count; callers
// Peek before reserving and Record only when a job was actually claimed.
type slidingLimiter struct {
	mu     sync.Mutex
	limit  mech.RateLimit
	starts []time.Time
}

func newSlidingLimiter(limit mech.RateLimit) *slidingLimiter {
	return &slidingLimiter{limit: limit}
}

// Peek reports whether the window has room. When it doesn't, it returns
// the duration until the oldest counted start leaves the window.
func (l *slidingLimiter) Peek(now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(now)
	if len(l.starts) >= l.limit.Max {
		wait := l.starts[0].Add(l.window()).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return false, wait
	}
	return true, 0
}

// Record counts one job start against the window.
func (l *slidingLimiter) Record(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(now)
	l.starts = append(l.starts, now)
}

func (l *slidingLimiter) window() time.Duration {
	return time.Duration(l.limit.WindowMs) * time.Millisecond
}

func (l *slidingLimiter) evict(now time.Time) {
	cutoff := now.Add(-l.window())
	kept := l.starts[:0]
	for _, t := range l.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.starts = kept
}
