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
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/eventbus"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
)

// AcceptedHandler starts fetching for newly accepted permissions exactly once.
type AcceptedHandler struct {
	deps Dependencies
	log  *zap.SugaredLogger
}

func NewAcceptedHandler(deps Dependencies, log *zap.SugaredLogger) *AcceptedHandler {
	return &AcceptedHandler{deps: deps, log: log}
}

func (h *AcceptedHandler) Handle(ctx context.Context, ev event.Event) error {
	pr, err := loadForEvent(ctx, h.deps.Repository, ev, h.log)
	if err != nil {
		return err
	}

	if pr.Status() != permission.StatusAccepted {
		h.log.Debugw("Skipping acceptance of non accepted permission", "permission_id", pr.ID, "status", pr.Status())
		return nil
	}

	if pr.PollingStartedAt != nil {
		h.log.Debugw("Polling already started", "permission_id", pr.ID, "since", *pr.PollingStartedAt)
		return nil
	}

	for _, meterID := range pr.Meters {
		if err := h.deps.Watermarks.Track(ctx, pr.ID, meterID); err != nil {
			return fmt.Errorf("track meter %s of permission %s: %w", meterID, pr.ID, err)
		}
	}

	started := h.deps.now().UTC()
	pr.PollingStartedAt = &started
	if err := h.deps.Repository.Save(ctx, pr); err != nil {
		return fmt.Errorf("save polling start of permission %s: %w", pr.ID, err)
	}

	return h.deps.Emitter.Emit(ctx, event.NewStartPolling(pr.ID))
}

// StartPollingHandler triggers a fetch when the permission needs one.
type StartPollingHandler struct {
	deps Dependencies
	log  *zap.SugaredLogger
}

func NewStartPollingHandler(deps Dependencies, log *zap.SugaredLogger) *StartPollingHandler {
	return &StartPollingHandler{deps: deps, log: log}
}

func (h *StartPollingHandler) Handle(ctx context.Context, ev event.Event) error {
	pr, err := loadForEvent(ctx, h.deps.Repository, ev, h.log)
	if err != nil {
		return err
	}

	if !h.deps.Poller.IsActiveAndNeedsToBeFetched(pr) {
		h.log.Infow("Nothing to fetch yet", "permission_id", pr.ID, "start", pr.From)
		return nil
	}

	h.deps.Poller.PollTimeSeriesData(eventbus.Detach(ctx), pr)

	return nil
}
