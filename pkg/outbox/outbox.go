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

// Package outbox is the commit point for lifecycle events: an event is first
// appended to the event log and only then handed to the event bus.
package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/metrics"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/sentry"
)

// Record is an appended event with its position in the log.
type Record struct {
	Seq   int64
	Event event.Event
}

// EventLog persists committed events.
type EventLog interface {
	Append(ctx context.Context, ev event.Event) (seq int64, err error)
	MarkDispatched(ctx context.Context, seq int64) error
	// Undispatched returns appended records not yet marked, ordered by Seq.
	Undispatched(ctx context.Context) ([]Record, error)
}

// Dispatcher hands events to handlers. onDelivered runs once every handler
// for the event returned.
type Dispatcher interface {
	Deliver(ctx context.Context, ev event.Event, onDelivered func()) error
}

// Committer is what producers of lifecycle events depend on.
type Committer interface {
	Commit(ctx context.Context, ev event.Event) error
}

type Outbox struct {
	log        EventLog
	dispatcher Dispatcher
	logger     *zap.SugaredLogger
}

var _ Committer = (*Outbox)(nil)

func New(log EventLog, dispatcher Dispatcher, logger *zap.SugaredLogger) *Outbox {
	return &Outbox{log: log, dispatcher: dispatcher, logger: logger}
}

// Commit appends ev and dispatches it. An append failure is returned and
// nothing is dispatched. Handler failures never fail the commit.
func (o *Outbox) Commit(ctx context.Context, ev event.Event) error {
	seq, err := o.log.Append(ctx, ev)
	if err != nil {
		metrics.IncOutboxCommit(string(ev.Kind()), "error")

		err = fmt.Errorf("append %s event for permission %s: %w", ev.Kind(), ev.PermissionID(), err)
		sentry.ReportIssueWithContext(err, sentry.IssueTypeError, o.logger, map[string]interface{}{
			"permission_id": ev.PermissionID(),
			"event_kind":    string(ev.Kind()),
			"operation":     "outbox_append",
		})

		return err
	}

	metrics.IncOutboxCommit(string(ev.Kind()), "ok")
	o.logger.Debugw("Committed event", "kind", ev.Kind(), "permission_id", ev.PermissionID(), "seq", seq)

	o.dispatch(ctx, Record{Seq: seq, Event: ev})

	return nil
}

// Replay dispatches every appended but undispatched event in log order.
// It returns the number of replayed events.
func (o *Outbox) Replay(ctx context.Context) (int, error) {
	records, err := o.log.Undispatched(ctx)
	if err != nil {
		return 0, fmt.Errorf("load undispatched events: %w", err)
	}

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		o.logger.Infow("Replaying event", "kind", r.Event.Kind(), "permission_id", r.Event.PermissionID(), "seq", r.Seq)
		o.dispatch(ctx, r)
	}

	return len(records), nil
}

func (o *Outbox) dispatch(ctx context.Context, r Record) {
	markDispatched := func() {
		if err := o.log.MarkDispatched(context.WithoutCancel(ctx), r.Seq); err != nil {
			o.logger.Warnw("Failed to mark event dispatched, it will be replayed",
				"kind", r.Event.Kind(),
				"permission_id", r.Event.PermissionID(),
				"seq", r.Seq,
				"error", err)
		}
	}

	if err := o.dispatcher.Deliver(ctx, r.Event, markDispatched); err != nil {
		o.logger.Warnw("Event stays undispatched",
			"kind", r.Event.Kind(),
			"permission_id", r.Event.PermissionID(),
			"seq", r.Seq,
			"error", err)
	}
}
