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
	"math/rand"
	"time"

	"mech/pkg/mech"
)

// defaultMaxBackoff caps exponential growth when the policy sets no max.
const defaultMaxBackoff = 30 * time.Minute

// ComputeBackoff returns the retry delay before the given attempt re-runs.
// attempt is the attempt number that just failed (1-based). Jitter of ±20%
// is always applied so retry herds spread out.
func ComputeBackoff(policy *mech.BackoffPolicy, attempt int) time.Duration {
	if policy == nil || policy.BaseDelayMs <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(policy.BaseDelayMs) * time.Millisecond

	var d time.Duration
	switch policy.Kind {
	case mech.BackoffFixed:
		d = base
	case mech.BackoffLinear:
		d = base * time.Duration(attempt)
	default: // exponential
		max := defaultMaxBackoff
		if policy.MaxDelayMs > 0 {
			max = time.Duration(policy.MaxDelayMs) * time.Millisecond
		}
		d = base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				d = max
				break
			}
		}
		if d > max {
			d = max
		}
	}

	return jitter(d)
}

// jitter spreads d uniformly across [0.8d, 1.2d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
