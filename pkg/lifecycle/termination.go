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

package lifecycle

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
)

// TerminationKinds end data access for a permission.
var TerminationKinds = []event.Kind{event.KindRevoked, event.KindExternallyTerminated}

// Terminator asks the permission administrator to end a permission.
type Terminator interface {
	Terminate(ctx context.Context, pr permission.Permission) error
}

// TerminationHandler stops polling for terminated permissions. Events whose
// transition the status handler rejected leave polling untouched.
type TerminationHandler struct {
	deps Dependencies
	log  *zap.SugaredLogger
}

func NewTerminationHandler(deps Dependencies, log *zap.SugaredLogger) *TerminationHandler {
	return &TerminationHandler{deps: deps, log: log}
}

func (h *TerminationHandler) Handle(ctx context.Context, ev event.Event) error {
	pr, err := loadForEvent(ctx, h.deps.Repository, ev, h.log)
	if err != nil {
		if errors.Is(err, permission.ErrNotFound) {
			return nil
		}
		return err
	}

	if pr.Status() != ev.Status() {
		h.log.Debugw("Permission was not terminated, keeping it polled",
			"permission_id", pr.ID,
			"status", pr.Status(),
			"event_kind", ev.Kind())
		return nil
	}

	if h.deps.Poller.Cancel(pr.ID) {
		h.log.Infow("Stopped polling", "permission_id", pr.ID, "event_kind", ev.Kind())
	}

	return nil
}

// ExternalTerminationHandler forwards termination requests to the permission
// administrator and records the result.
type ExternalTerminationHandler struct {
	deps Dependencies
	log  *zap.SugaredLogger
}

func NewExternalTerminationHandler(deps Dependencies, log *zap.SugaredLogger) *ExternalTerminationHandler {
	return &ExternalTerminationHandler{deps: deps, log: log}
}

func (h *ExternalTerminationHandler) Handle(ctx context.Context, ev event.Event) error {
	pr, err := loadForEvent(ctx, h.deps.Repository, ev, h.log)
	if err != nil {
		return err
	}

	if pr.Status() != permission.StatusRequiresExternalTermination {
		return nil
	}

	next := permission.StatusExternallyTerminated
	reason := ""
	if err := h.deps.Terminator.Terminate(ctx, pr); err != nil {
		h.log.Warnw("Permission administrator did not terminate permission", "permission_id", pr.ID, "error", err)
		next = permission.StatusFailedToTerminate
		reason = err.Error()
	}

	result, err := event.ForStatus(next, pr.ID, reason)
	if err != nil {
		return err
	}

	return h.deps.Committer.Commit(ctx, result)
}
