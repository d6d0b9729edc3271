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

package event

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type envelope struct {
	Kind         Kind            `json:"kind"`
	ID           uuid.UUID       `json:"id"`
	PermissionID string          `json:"permissionId"`
	OccurredAt   time.Time       `json:"occurredAt"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type statusPayload struct {
	Reason string `json:"reason,omitempty"`
}

type meterReadingPayload struct {
	MeterID string    `json:"meterId"`
	ReadAt  time.Time `json:"readAt"`
}

// Encode serializes ev into a kind tagged envelope.
func Encode(ev Event) ([]byte, error) {
	env := envelope{
		Kind:         ev.Kind(),
		ID:           ev.EventID(),
		PermissionID: ev.PermissionID(),
		OccurredAt:   ev.OccurredAt(),
	}

	var payload interface{}
	switch e := ev.(type) {
	case *StatusChanged:
		if e.Reason != "" {
			payload = statusPayload{Reason: e.Reason}
		}
	case *MeterReadingUpdated:
		payload = meterReadingPayload{MeterID: e.MeterID, ReadAt: e.ReadAt}
	case *StartPolling:
	default:
		return nil, fmt.Errorf("encode event: unsupported type %T", ev)
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", ev.Kind(), err)
		}

		env.Payload = raw
	}

	return json.Marshal(env)
}

// Decode restores an event written by Encode.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	base := Base{ID: env.ID, Permission: env.PermissionID, Occurred: env.OccurredAt}

	switch {
	case env.Kind == KindMeterReadingUpdated:
		var p meterReadingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}

		return &MeterReadingUpdated{Base: base, MeterID: p.MeterID, ReadAt: p.ReadAt}, nil
	case env.Kind == KindStartPolling:
		return &StartPolling{Base: base}, nil
	case isStatusKind(env.Kind):
		var p statusPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
			}
		}

		return &StatusChanged{Base: base, EventKind: env.Kind, Reason: p.Reason}, nil
	default:
		return nil, fmt.Errorf("decode event: unknown kind %q", env.Kind)
	}
}

func isStatusKind(k Kind) bool {
	_, ok := statusKinds[k]
	return ok
}
