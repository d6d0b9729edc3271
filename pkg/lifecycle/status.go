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
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
)

// StatusHandler applies status events to the stored request.
type StatusHandler struct {
	repo permission.Repository
	log  *zap.SugaredLogger
}

func NewStatusHandler(deps Dependencies, log *zap.SugaredLogger) *StatusHandler {
	return &StatusHandler{repo: deps.Repository, log: log}
}

// Handle ignores duplicates and edges outside the lifecycle graph, the latter
// with a warning.
func (h *StatusHandler) Handle(ctx context.Context, ev event.Event) error {
	target := ev.Status()
	if target == "" {
		return nil
	}

	pr, err := loadForEvent(ctx, h.repo, ev, h.log)
	if err != nil {
		return err
	}

	changed, err := pr.Transition(ctx, target)
	if errors.Is(err, permission.ErrInvalidTransition) {
		h.log.Warnw("Ignoring status event", "permission_id", pr.ID, "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	if !changed {
		h.log.Debugw("Permission already has status", "permission_id", pr.ID, "status", target)
		return nil
	}

	if sc, ok := ev.(*event.StatusChanged); ok {
		pr.StatusReason = sc.Reason
	}

	if err := h.repo.Save(ctx, pr); err != nil {
		return fmt.Errorf("save status %s of permission %s: %w", target, pr.ID, err)
	}

	h.log.Infow("Permission changed status", "permission_id", pr.ID, "status", target)

	return nil
}
