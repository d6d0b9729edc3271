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

	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
)

// Kind tags the event union.
type Kind string

const (
	KindCreated                     Kind = "Created"
	KindValidated                   Kind = "Validated"
	KindMalformed                   Kind = "Malformed"
	KindInvalid                     Kind = "Invalid"
	KindSentToAdministrator         Kind = "SentToAdministrator"
	KindUnableToSend                Kind = "UnableToSend"
	KindAccepted                    Kind = "Accepted"
	KindRejected                    Kind = "Rejected"
	KindTimedOut                    Kind = "TimedOut"
	KindRevoked                     Kind = "Revoked"
	KindRequiresExternalTermination Kind = "RequiresExternalTermination"
	KindExternallyTerminated        Kind = "ExternallyTerminated"
	KindFailedToTerminate           Kind = "FailedToTerminate"
	KindFulfilled                   Kind = "Fulfilled"
	KindUnfulfillable               Kind = "Unfulfillable"
	KindMeterReadingUpdated         Kind = "MeterReadingUpdated"
	KindStartPolling                Kind = "StartPolling"
)

// statusKinds maps every status event kind to the status it moves a permission to.
var statusKinds = map[Kind]permission.Status{
	KindCreated:                     permission.StatusCreated,
	KindValidated:                   permission.StatusValidated,
	KindMalformed:                   permission.StatusMalformed,
	KindInvalid:                     permission.StatusInvalid,
	KindSentToAdministrator:         permission.StatusSentToPermissionAdministrator,
	KindUnableToSend:                permission.StatusUnableToSend,
	KindAccepted:                    permission.StatusAccepted,
	KindRejected:                    permission.StatusRejected,
	KindTimedOut:                    permission.StatusTimedOut,
	KindRevoked:                     permission.StatusRevoked,
	KindRequiresExternalTermination: permission.StatusRequiresExternalTermination,
	KindExternallyTerminated:        permission.StatusExternallyTerminated,
	KindFailedToTerminate:           permission.StatusFailedToTerminate,
	KindFulfilled:                   permission.StatusFulfilled,
	KindUnfulfillable:               permission.StatusUnfulfillable,
}

// StatusKinds returns every kind that carries a status.
func StatusKinds() []Kind {
	out := make([]Kind, 0, len(statusKinds))
	for _, s := range permission.Statuses() {
		k, _ := KindForStatus(s)
		out = append(out, k)
	}

	return out
}

// KindForStatus returns the status event kind that leads to s.
func KindForStatus(s permission.Status) (Kind, error) {
	for k, st := range statusKinds {
		if st == s {
			return k, nil
		}
	}

	return "", fmt.Errorf("no event kind for status %q", s)
}

// Event is implemented by *StatusChanged, *MeterReadingUpdated and *StartPolling.
type Event interface {
	EventID() uuid.UUID
	Kind() Kind
	PermissionID() string
	OccurredAt() time.Time
	// Status is the target status of status events and empty otherwise.
	Status() permission.Status

	sealed()
}

// Base holds the fields every event carries.
type Base struct {
	ID         uuid.UUID `json:"id"`
	Permission string    `json:"permissionId"`
	Occurred   time.Time `json:"occurredAt"`
}

func newBase(permissionID string) Base {
	return Base{ID: uuid.New(), Permission: permissionID, Occurred: time.Now().UTC()}
}

func (b Base) EventID() uuid.UUID    { return b.ID }
func (b Base) PermissionID() string  { return b.Permission }
func (b Base) OccurredAt() time.Time { return b.Occurred }
func (Base) sealed()                 {}

// StatusChanged moves a permission to another lifecycle status.
type StatusChanged struct {
	Base
	EventKind Kind `json:"-"`
	// Reason is optional free text, e.g. the cause reported by the administrator.
	Reason string `json:"reason,omitempty"`
}

func (e *StatusChanged) Kind() Kind                { return e.EventKind }
func (e *StatusChanged) Status() permission.Status { return statusKinds[e.EventKind] }

// NewStatus builds a status event of the given kind.
func NewStatus(kind Kind, permissionID string, reason string) (*StatusChanged, error) {
	if _, ok := statusKinds[kind]; !ok {
		return nil, fmt.Errorf("%q is not a status event kind", kind)
	}

	return &StatusChanged{Base: newBase(permissionID), EventKind: kind, Reason: reason}, nil
}

// ForStatus builds the status event leading to s.
func ForStatus(s permission.Status, permissionID string, reason string) (*StatusChanged, error) {
	kind, err := KindForStatus(s)
	if err != nil {
		return nil, err
	}

	return NewStatus(kind, permissionID, reason)
}

func mustStatus(kind Kind, permissionID, reason string) *StatusChanged {
	ev, err := NewStatus(kind, permissionID, reason)
	if err != nil {
		panic(err)
	}

	return ev
}

func Accepted(permissionID string) *StatusChanged {
	return mustStatus(KindAccepted, permissionID, "")
}

func Revoked(permissionID string, reason string) *StatusChanged {
	return mustStatus(KindRevoked, permissionID, reason)
}

func Fulfilled(permissionID string) *StatusChanged {
	return mustStatus(KindFulfilled, permissionID, "")
}

// MeterReadingUpdated reports that a meter of a permission was read up to ReadAt.
type MeterReadingUpdated struct {
	Base
	MeterID string    `json:"meterId"`
	ReadAt  time.Time `json:"readAt"`
}

func (*MeterReadingUpdated) Kind() Kind                { return KindMeterReadingUpdated }
func (*MeterReadingUpdated) Status() permission.Status { return "" }

func NewMeterReadingUpdated(permissionID, meterID string, readAt time.Time) *MeterReadingUpdated {
	return &MeterReadingUpdated{Base: newBase(permissionID), MeterID: meterID, ReadAt: readAt}
}

// StartPolling asks the coordinator to poll a permission now.
type StartPolling struct {
	Base
}

func (*StartPolling) Kind() Kind                { return KindStartPolling }
func (*StartPolling) Status() permission.Status { return "" }

func NewStartPolling(permissionID string) *StartPolling {
	return &StartPolling{Base: newBase(permissionID)}
}
