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

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/outbox"
)

// EventLog is the durable outbox.EventLog.
type EventLog struct {
	pool *pgxpool.Pool
}

var _ outbox.EventLog = (*EventLog)(nil)

func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{pool: pool}
}

func (l *EventLog) Append(ctx context.Context, ev event.Event) (int64, error) {
	payload, err := event.Encode(ev)
	if err != nil {
		return 0, err
	}

	var seq int64
	err = l.pool.QueryRow(ctx,
		`INSERT INTO permission_events (event_id, permission_id, kind, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING seq`,
		ev.EventID(), ev.PermissionID(), string(ev.Kind()), payload, ev.OccurredAt(),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append %s event of permission %s: %w", ev.Kind(), ev.PermissionID(), err)
	}

	return seq, nil
}

func (l *EventLog) MarkDispatched(ctx context.Context, seq int64) error {
	if _, err := l.pool.Exec(ctx,
		`UPDATE permission_events SET dispatched_at = now() WHERE seq = $1 AND dispatched_at IS NULL`, seq); err != nil {
		return fmt.Errorf("mark event %d dispatched: %w", seq, err)
	}

	return nil
}

func (l *EventLog) Undispatched(ctx context.Context) ([]outbox.Record, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT seq, payload FROM permission_events WHERE dispatched_at IS NULL ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query undispatched events: %w", err)
	}
	defer rows.Close()

	var records []outbox.Record
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}

		ev, err := event.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}

		records = append(records, outbox.Record{Seq: seq, Event: ev})
	}

	return records, rows.Err()
}

// History returns the events of one permission in commit order.
func (l *EventLog) History(ctx context.Context, permissionID string) ([]event.Event, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT payload FROM permission_events WHERE permission_id = $1 ORDER BY seq`, permissionID)
	if err != nil {
		return nil, fmt.Errorf("query events of permission %s: %w", permissionID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}

		ev, err := event.Decode(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}
