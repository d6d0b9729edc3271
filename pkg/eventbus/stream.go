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

package eventbus

import (
	"context"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
)

type stream struct {
	ctx context.Context
	ch  chan event.Event
}

// Stream returns a channel receiving every event of kind dispatched after the
// call. The channel is closed when ctx ends. Delivery blocks the dispatching
// goroutine until the event is received or ctx ends, so consumers must keep
// reading.
func (b *Bus) Stream(ctx context.Context, kind event.Kind, buffer int) <-chan event.Event {
	s := &stream{ctx: ctx, ch: make(chan event.Event, buffer)}

	b.streamsMu.Lock()
	b.streams[kind] = append(b.streams[kind], s)
	b.streamsMu.Unlock()

	go func() {
		<-ctx.Done()

		b.streamsMu.Lock()
		defer b.streamsMu.Unlock()

		list := b.streams[kind]
		for i, candidate := range list {
			if candidate == s {
				b.streams[kind] = append(list[:i:i], list[i+1:]...)

				break
			}
		}

		close(s.ch)
	}()

	return s.ch
}

func (b *Bus) publishToStreams(ev event.Event) {
	b.streamsMu.RLock()
	defer b.streamsMu.RUnlock()

	for _, s := range b.streams[ev.Kind()] {
		select {
		case s.ch <- ev:
		case <-s.ctx.Done():
		}
	}
}
