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

package permission

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// transitions is the lifecycle graph. Statuses mapping to an empty list are terminal.
var transitions = map[Status][]Status{
	StatusCreated:                       {StatusValidated, StatusMalformed, StatusInvalid},
	StatusValidated:                     {StatusSentToPermissionAdministrator, StatusUnableToSend},
	StatusSentToPermissionAdministrator: {StatusAccepted, StatusRejected, StatusTimedOut},
	StatusAccepted:                      {StatusRevoked, StatusFulfilled, StatusUnfulfillable, StatusRequiresExternalTermination},
	StatusRequiresExternalTermination:   {StatusExternallyTerminated, StatusFailedToTerminate},
	StatusMalformed:                     {},
	StatusInvalid:                       {},
	StatusUnableToSend:                  {},
	StatusRejected:                      {},
	StatusTimedOut:                      {},
	StatusRevoked:                       {},
	StatusExternallyTerminated:          {},
	StatusFailedToTerminate:             {},
	StatusFulfilled:                     {},
	StatusUnfulfillable:                 {},
}

// lifecycleEvents has one event per target status, named after it.
var lifecycleEvents = buildEvents()

func buildEvents() fsm.Events {
	sources := make(map[Status][]string)
	for _, from := range allStatuses {
		for _, to := range transitions[from] {
			sources[to] = append(sources[to], string(from))
		}
	}

	events := fsm.Events{}
	for _, to := range allStatuses {
		if src, ok := sources[to]; ok {
			events = append(events, fsm.EventDesc{Name: string(to), Src: src, Dst: string(to)})
		}
	}

	return events
}

func newMachine(current Status) *fsm.FSM {
	return fsm.NewFSM(string(current), lifecycleEvents, fsm.Callbacks{})
}

// CanTransition reports whether the graph has an edge from -> to.
func CanTransition(from, to Status) bool {
	return newMachine(from).Can(string(to))
}

// Transition moves the request to status to. Re-applying the current status
// is a no-op and reports changed == false. Edges outside the lifecycle graph
// fail with ErrInvalidTransition.
func (r *Request) Transition(ctx context.Context, to Status) (changed bool, err error) {
	if r.CurrentStatus == to {
		return false, nil
	}

	machine := newMachine(r.CurrentStatus)
	if !machine.Can(string(to)) {
		return false, fmt.Errorf("%w: %s -> %s for permission %s", ErrInvalidTransition, r.CurrentStatus, to, r.ID)
	}

	if err := machine.Event(ctx, string(to)); err != nil {
		return false, fmt.Errorf("transition permission %s to %s: %w", r.ID, to, err)
	}

	r.CurrentStatus = Status(machine.Current())

	return true, nil
}
