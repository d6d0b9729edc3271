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
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/outbox"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/partition"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/watermark"
)

// FulfillmentService marks permissions whose data was completely delivered.
type FulfillmentService struct {
	committer outbox.Committer
	log       *zap.SugaredLogger
}

func NewFulfillmentService(committer outbox.Committer, log *zap.SugaredLogger) *FulfillmentService {
	return &FulfillmentService{committer: committer, log: log}
}

// TryFulfill commits Fulfilled if pr is still accepted.
func (s *FulfillmentService) TryFulfill(ctx context.Context, pr permission.Permission) (bool, error) {
	if pr.Status() != permission.StatusAccepted {
		return false, nil
	}

	if err := s.committer.Commit(ctx, event.Fulfilled(pr.PermissionID())); err != nil {
		return false, fmt.Errorf("fulfil permission %s: %w", pr.PermissionID(), err)
	}

	s.log.Infow("Permission fulfilled", "permission_id", pr.PermissionID())

	return true, nil
}

// MeterReadingHandler refreshes the latest reading of a permission and
// fulfils it once every meter reached the end of the requested range.
type MeterReadingHandler struct {
	deps        Dependencies
	fulfillment *FulfillmentService
	log         *zap.SugaredLogger
}

func NewMeterReadingHandler(deps Dependencies, fulfillment *FulfillmentService, log *zap.SugaredLogger) *MeterReadingHandler {
	return &MeterReadingHandler{deps: deps, fulfillment: fulfillment, log: log}
}

func (h *MeterReadingHandler) Handle(ctx context.Context, ev event.Event) error {
	pr, err := loadForEvent(ctx, h.deps.Repository, ev, h.log)
	if err != nil {
		return err
	}

	marks, err := h.deps.Watermarks.List(ctx, pr.ID)
	if err != nil {
		return fmt.Errorf("list watermarks of permission %s: %w", pr.ID, err)
	}

	latest := watermark.Latest(marks, pr.Meters)
	if !sameTime(latest, pr.LastReading) {
		pr.LastReading = latest
		if err := h.deps.Repository.Save(ctx, pr); err != nil {
			return fmt.Errorf("save latest reading of permission %s: %w", pr.ID, err)
		}
	}

	if !h.complete(pr) {
		return nil
	}

	_, err = h.fulfillment.TryFulfill(ctx, pr)

	return err
}

// complete is false for open ended requests and while any meter lacks a reading.
func (h *MeterReadingHandler) complete(pr *permission.Request) bool {
	if pr.To == nil || pr.LastReading == nil {
		return false
	}

	end := partition.EndOfDay(pr.To.In(h.deps.location()))

	return !pr.LastReading.Before(end)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Equal(*b)
}
