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

package outbox

import (
	"context"
	"sync"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
)

// MemoryLog is an in-process EventLog.
type MemoryLog struct {
	mu         sync.Mutex
	seq        int64
	records    []Record
	dispatched map[int64]bool
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{dispatched: make(map[int64]bool)}
}

func (m *MemoryLog) Append(_ context.Context, ev event.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.records = append(m.records, Record{Seq: m.seq, Event: ev})

	return m.seq, nil
}

func (m *MemoryLog) MarkDispatched(_ context.Context, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dispatched[seq] = true

	return nil
}

func (m *MemoryLog) Undispatched(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, r := range m.records {
		if !m.dispatched[r.Seq] {
			out = append(out, r)
		}
	}

	return out, nil
}

// Events returns every appended event in log order.
func (m *MemoryLog) Events() []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]event.Event, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Event)
	}

	return out
}

// EventsOfKind returns the appended events of one kind.
func (m *MemoryLog) EventsOfKind(kind event.Kind) []event.Event {
	var out []event.Event
	for _, ev := range m.Events() {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}

	return out
}
