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
	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
)

// AdministratorSender hands a validated request to the permission administrator.
type AdministratorSender interface {
	Send(ctx context.Context, pr permission.Permission) error
}

// Validate returns the status a freshly created request moves to together
// with the reason for rejecting it.
func Validate(pr *permission.Request) (permission.Status, string) {
	switch {
	case pr.Connection == "":
		return permission.StatusMalformed, "missing connection id"
	case pr.DataNeed == "":
		return permission.StatusMalformed, "missing data need id"
	case len(pr.Meters) == 0:
		return permission.StatusMalformed, "no meters requested"
	case pr.From.IsZero():
		return permission.StatusMalformed, "missing start date"
	}

	if _, err := permission.ParseGranularity(string(pr.Resolution)); err != nil {
		return permission.StatusMalformed, err.Error()
	}

	if pr.To != nil && pr.To.Before(pr.From) {
		return permission.StatusInvalid, fmt.Sprintf("end %s before start %s", pr.To.Format("2006-01-02"), pr.From.Format("2006-01-02"))
	}

	seen := make(map[string]struct{}, len(pr.Meters))
	for _, m := range pr.Meters {
		if _, dup := seen[m]; dup {
			return permission.StatusInvalid, fmt.Sprintf("meter %s requested twice", m)
		}
		seen[m] = struct{}{}
	}

	return permission.StatusValidated, ""
}

// CreatedHandler validates new requests.
type CreatedHandler struct {
	deps Dependencies
	log  *zap.SugaredLogger
}

func NewCreatedHandler(deps Dependencies, log *zap.SugaredLogger) *CreatedHandler {
	return &CreatedHandler{deps: deps, log: log}
}

func (h *CreatedHandler) Handle(ctx context.Context, ev event.Event) error {
	pr, err := loadForEvent(ctx, h.deps.Repository, ev, h.log)
	if err != nil {
		return err
	}

	if pr.Status() != permission.StatusCreated {
		return nil
	}

	next, reason := Validate(pr)
	if next != permission.StatusValidated {
		h.log.Infow("Rejected permission request", "permission_id", pr.ID, "status", next, "reason", reason)
	}

	result, err := event.ForStatus(next, pr.ID, reason)
	if err != nil {
		return err
	}

	return h.deps.Committer.Commit(ctx, result)
}

// ValidatedHandler sends validated requests to the permission administrator.
type ValidatedHandler struct {
	deps Dependencies
	log  *zap.SugaredLogger
}

func NewValidatedHandler(deps Dependencies, log *zap.SugaredLogger) *ValidatedHandler {
	return &ValidatedHandler{deps: deps, log: log}
}

func (h *ValidatedHandler) Handle(ctx context.Context, ev event.Event) error {
	pr, err := loadForEvent(ctx, h.deps.Repository, ev, h.log)
	if err != nil {
		return err
	}

	if pr.Status() != permission.StatusValidated {
		return nil
	}

	next := permission.StatusSentToPermissionAdministrator
	reason := ""
	if err := h.deps.Sender.Send(ctx, pr); err != nil {
		h.log.Warnw("Could not send permission request", "permission_id", pr.ID, "error", err)
		next = permission.StatusUnableToSend
		reason = err.Error()
	}

	result, err := event.ForStatus(next, pr.ID, reason)
	if err != nil {
		return err
	}

	return h.deps.Committer.Commit(ctx, result)
}
