/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package freeze

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
)

// ManualFreezeWindow names the implicit window reported when the freeze flag
// is set but no schedule matches.
const ManualFreezeWindow = "Manual Freeze"

// ActiveAt reports whether the schedule covers instant t for the given
// namespace. A schedule covers t when t falls inside [start, end], the
// namespace is in scope, and a cron onset occurred at or before t within t's
// UTC day (clipped to start). Cron expressions denote onset instants: a match
// opens a cover window that runs to the end of its UTC day, bounded by end,
// so a midnight match covers the whole day and a 22:00 match covers the rest
// of the evening. An empty namespace (cluster-scoped request) always passes
// the scope check.
func (s Schedule) ActiveAt(t time.Time, namespace string, exemptNamespaces []string) bool {
	if s.Validate() != nil {
		return false
	}
	t = t.UTC()
	if t.Before(s.Start) || t.After(s.End) {
		return false
	}
	if namespace != "" {
		if len(s.Namespaces) > 0 {
			if !lo.Contains(s.Namespaces, namespace) {
				return false
			}
		} else if lo.Contains(exemptNamespaces, namespace) {
			return false
		}
	}
	expr, err := cron.ParseStandard(s.Cron)
	if err != nil {
		return false
	}
	// The earliest onset that can cover t is the later of the schedule start
	// and the start of t's UTC day; an onset in an earlier day has already
	// lapsed at midnight.
	earliest := startOfUTCDay(t)
	if s.Start.After(earliest) {
		earliest = s.Start
	}
	onset := expr.Next(earliest.Add(-time.Nanosecond))
	return !onset.IsZero() && !onset.After(t)
}

// Active returns the subset of schedules covering instant t for the given
// namespace, preserving input order.
func Active(schedules []Schedule, t time.Time, namespace string, exemptNamespaces []string) []Schedule {
	return lo.Filter(schedules, func(s Schedule, _ int) bool {
		return s.ActiveAt(t, namespace, exemptNamespaces)
	})
}

func startOfUTCDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
