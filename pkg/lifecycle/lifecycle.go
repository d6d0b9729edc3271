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

// Package lifecycle holds the event handlers that move permission requests
// through their lifecycle and connect it to the polling coordinator.
package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/eventbus"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/logger"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/outbox"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/polling"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/watermark"
)

// Poller is the part of the polling coordinator the handlers use.
type Poller interface {
	IsActiveAndNeedsToBeFetched(pr permission.Permission) bool
	PollTimeSeriesData(ctx context.Context, pr permission.Permission) *polling.Run
	Cancel(permissionID string) bool
}

// Emitter dispatches events without persisting them.
type Emitter interface {
	Emit(ctx context.Context, ev event.Event) error
}

// Dependencies are shared by all handlers.
type Dependencies struct {
	Repository permission.Repository
	Committer  outbox.Committer
	Emitter    Emitter
	Watermarks watermark.Store
	Poller     Poller

	// Sender and Terminator are optional; without them validated requests
	// and termination requests stay where they are.
	Sender     AdministratorSender
	Terminator Terminator

	Location *time.Location
	Now      func() time.Time
}

func (d Dependencies) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}

	return d.Now()
}

func (d Dependencies) location() *time.Location {
	if d.Location == nil {
		return time.UTC
	}

	return d.Location
}

// Register subscribes all handlers. The status handler runs first for every
// status kind so that later handlers observe the new status.
func Register(bus *eventbus.Bus, deps Dependencies) {
	status := NewStatusHandler(deps, logger.For(logger.ComponentStatusHandler))
	for _, kind := range event.StatusKinds() {
		bus.Subscribe(kind, "status", status.Handle)
	}

	bus.Subscribe(event.KindCreated, "validation", NewCreatedHandler(deps, logger.For(logger.ComponentValidatedHandler)).Handle)

	if deps.Sender != nil {
		bus.Subscribe(event.KindValidated, "send-to-administrator", NewValidatedHandler(deps, logger.For(logger.ComponentValidatedHandler)).Handle)
	}

	bus.Subscribe(event.KindAccepted, "accepted", NewAcceptedHandler(deps, logger.For(logger.ComponentAcceptedHandler)).Handle)
	bus.Subscribe(event.KindStartPolling, "start-polling", NewStartPollingHandler(deps, logger.For(logger.ComponentPollingHandler)).Handle)

	fulfillment := NewFulfillmentService(deps.Committer, logger.For(logger.ComponentFulfillment))
	bus.Subscribe(event.KindMeterReadingUpdated, "meter-reading", NewMeterReadingHandler(deps, fulfillment, logger.For(logger.ComponentMeterReadings)).Handle)

	termination := NewTerminationHandler(deps, logger.For(logger.ComponentTerminationHandler))
	for _, kind := range TerminationKinds {
		bus.Subscribe(kind, "termination", termination.Handle)
	}

	if deps.Terminator != nil {
		bus.Subscribe(event.KindRequiresExternalTermination, "external-termination", NewExternalTerminationHandler(deps, logger.For(logger.ComponentTerminationHandler)).Handle)
	}
}

// loadForEvent fetches the request an event belongs to.
func loadForEvent(ctx context.Context, repo permission.Repository, ev event.Event, log *zap.SugaredLogger) (*permission.Request, error) {
	pr, err := repo.GetByPermissionID(ctx, ev.PermissionID())
	if err != nil {
		log.Warnw("Cannot load permission for event",
			"permission_id", ev.PermissionID(),
			"event_kind", ev.Kind(),
			"error", err)
		return nil, err
	}

	return pr, nil
}
