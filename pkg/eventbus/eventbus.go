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

// Package eventbus dispatches events synchronously to the handlers
// registered for their kind.
//
// Events of one permission are delivered strictly in emission order. An
// event emitted from inside a handler for a permission whose lane is being
// drained further up the call stack is queued and delivered once the
// current event's handlers returned. Emitters on other goroutines wait for
// the lane to become free. Events of different permissions are independent.
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/metrics"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/sentry"
)

// Handler reacts to one event. Returned errors are logged and counted; they
// do not affect other handlers.
type Handler func(ctx context.Context, ev event.Event) error

type subscription struct {
	name    string
	handler Handler
}

type queued struct {
	ev          event.Event
	onDelivered func()
}

type lane struct {
	permissionID string
	parent       *lane
	queue        []queued
}

type laneKey struct{}

type Bus struct {
	log *zap.SugaredLogger

	mu       sync.RWMutex
	handlers map[event.Kind][]subscription

	locks   *ctxmutex.KeyedMutex
	lanesMu sync.Mutex
	active  map[string]*lane

	streamsMu sync.RWMutex
	streams   map[event.Kind][]*stream
}

func New(log *zap.SugaredLogger) *Bus {
	return &Bus{
		log:      log,
		handlers: make(map[event.Kind][]subscription),
		locks:    ctxmutex.NewKeyedMutex(),
		active:   make(map[string]*lane),
		streams:  make(map[event.Kind][]*stream),
	}
}

// Subscribe registers h for kind. Handlers run in registration order.
func (b *Bus) Subscribe(kind event.Kind, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[kind] = append(b.handlers[kind], subscription{name: name, handler: h})
}

// Emit delivers ev to every handler of its kind.
func (b *Bus) Emit(ctx context.Context, ev event.Event) error {
	return b.Deliver(ctx, ev, nil)
}

// Deliver is Emit with a callback that runs right after ev's handlers
// returned, also when delivery was queued behind the current event.
// It fails only when ctx ends while waiting for the permission's lane.
func (b *Bus) Deliver(ctx context.Context, ev event.Event, onDelivered func()) error {
	pid := ev.PermissionID()
	item := queued{ev: ev, onDelivered: onDelivered}

	if b.enqueueReentrant(ctx, pid, item) {
		return nil
	}

	if err := b.locks.Lock(ctx, pid); err != nil {
		return fmt.Errorf("wait for event lane of permission %s: %w", pid, err)
	}
	defer b.locks.Unlock(pid)

	parent, _ := ctx.Value(laneKey{}).(*lane)
	l := &lane{permissionID: pid, parent: parent}

	b.lanesMu.Lock()
	b.active[pid] = l
	b.lanesMu.Unlock()

	laneCtx := context.WithValue(ctx, laneKey{}, l)

	for {
		b.dispatch(laneCtx, item.ev)
		if item.onDelivered != nil {
			item.onDelivered()
		}

		b.lanesMu.Lock()
		if len(l.queue) == 0 {
			delete(b.active, pid)
			b.lanesMu.Unlock()

			return nil
		}

		item = l.queue[0]
		l.queue = l.queue[1:]
		b.lanesMu.Unlock()
	}
}

// Detach returns ctx without the lane of the handler it was passed to.
// Work that outlives the handler, such as a fetch run, must emit through a
// detached context.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, laneKey{}, (*lane)(nil))
}

// enqueueReentrant queues item when the caller runs inside a handler of a
// lane of the same permission that is still being drained.
func (b *Bus) enqueueReentrant(ctx context.Context, pid string, item queued) bool {
	l, _ := ctx.Value(laneKey{}).(*lane)
	for ; l != nil; l = l.parent {
		if l.permissionID != pid {
			continue
		}

		b.lanesMu.Lock()
		defer b.lanesMu.Unlock()

		if b.active[pid] != l {
			return false
		}

		l.queue = append(l.queue, item)

		return true
	}

	return false
}

func (b *Bus) dispatch(ctx context.Context, ev event.Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[ev.Kind()]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(ctx, s, ev)
	}

	b.publishToStreams(ev)
}

func (b *Bus) invoke(ctx context.Context, s subscription, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncHandlerFailure(string(ev.Kind()), s.name)
			sentry.ReportIssueWithContext(fmt.Errorf("handler %s panicked on %s: %v", s.name, ev.Kind(), r),
				sentry.IssueTypeError, b.log, map[string]interface{}{
					"permission_id": ev.PermissionID(),
					"event_kind":    string(ev.Kind()),
					"handler":       s.name,
				})
		}
	}()

	if err := s.handler(ctx, ev); err != nil {
		metrics.IncHandlerFailure(string(ev.Kind()), s.name)
		b.log.Warnw("Event handler failed",
			"handler", s.name,
			"kind", ev.Kind(),
			"permission_id", ev.PermissionID(),
			"error", err)
	}
}
