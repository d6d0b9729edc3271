// Copyright 2025 UMH Systems GmbH
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

// Package partition computes the fetch windows for a permission request.
// Windows are bounded by a maximum length so that source APIs with a limited
// history per call can be walked in several requests.
package partition

import "time"

// DefaultMaxWindow is the longest range a single fetch may cover.
const DefaultMaxWindow = 184 * 24 * time.Hour

// Partition is one fetch window. Start is inclusive; End is exclusive except
// for the degenerate single-instant partition where Start == End.
type Partition struct {
	Start time.Time
	End   time.Time
}

func (p Partition) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// StartOfDay truncates t to midnight in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EndOfDay returns the start of the day following t.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1)
}

// Partitions returns the windows still to fetch for a request running from
// requestStart to requestEnd (nil means open ended). A non-nil watermark marks
// the last instant already read and becomes the effective start. Nothing at or
// after the start of today (in now's location) is ever requested.
func Partitions(requestStart time.Time, requestEnd *time.Time, watermark *time.Time, now time.Time, maxWindow time.Duration) []Partition {
	loc := now.Location()

	start := StartOfDay(requestStart.In(loc))
	if watermark != nil {
		start = watermark.In(loc)
	}

	today := StartOfDay(now)
	end := today
	if requestEnd != nil {
		if e := EndOfDay(requestEnd.In(loc)); e.Before(end) {
			end = e
		}
	}

	return Split(start, end, maxWindow)
}

// Split cuts [from, to] into consecutive windows of at most maxWindow. A
// non-positive maxWindow yields one window. from == to yields one degenerate
// window and to before from yields none.
func Split(from, to time.Time, maxWindow time.Duration) []Partition {
	if to.Before(from) {
		return nil
	}

	if to.Equal(from) {
		return []Partition{{Start: from, End: to}}
	}

	if maxWindow <= 0 {
		return []Partition{{Start: from, End: to}}
	}

	var out []Partition
	for s := from; s.Before(to); {
		e := s.Add(maxWindow)
		if e.After(to) {
			e = to
		}

		out = append(out, Partition{Start: s, End: e})
		s = e
	}

	return out
}
