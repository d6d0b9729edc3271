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

package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/partition"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
)

const dateLayout = "2006-01-02"

type permissionURI struct {
	ID string `uri:"id" binding:"required"`
}

type createRequest struct {
	PermissionID   string                           `json:"permissionId"`
	ConnectionID   string                           `json:"connectionId"`
	DataNeedID     string                           `json:"dataNeedId"`
	Start          string                           `json:"start" binding:"required"`
	End            string                           `json:"end"`
	Granularity    string                           `json:"granularity" binding:"required"`
	MeterIDs       []string                         `json:"meterIds"`
	DataSourceInfo permission.DataSourceInformation `json:"dataSourceInformation"`
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

type retransmitRequest struct {
	From string `json:"from" binding:"required"`
	To   string `json:"to" binding:"required"`
}

func (s *Server) parseDate(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, raw, s.cfg.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", raw)
	}

	return t, nil
}

func (s *Server) getHandler(c *gin.Context) {
	pr, ok := s.load(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, pr)
}

// createHandler stores a new request and commits Created. Validation and
// sending happen in the lifecycle handlers, the response shows the status
// reached after them.
func (s *Server) createHandler(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	start, err := s.parseDate(req.Start)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	pr := &permission.Request{
		ID:             req.PermissionID,
		Connection:     req.ConnectionID,
		DataNeed:       req.DataNeedID,
		CurrentStatus:  permission.StatusCreated,
		From:           start,
		Resolution:     permission.Granularity(req.Granularity),
		CreatedAt:      s.cfg.Now().UTC(),
		DataSourceInfo: req.DataSourceInfo,
		Meters:         req.MeterIDs,
	}
	if pr.ID == "" {
		pr.ID = uuid.NewString()
	}

	if req.End != "" {
		end, err := s.parseDate(req.End)
		if err != nil {
			s.badRequest(c, err)
			return
		}
		pr.To = &end
	}

	ctx := c.Request.Context()
	if _, err := s.repo.GetByPermissionID(ctx, pr.ID); err == nil {
		s.conflict(c, "permission %s already exists", pr.ID)
		return
	} else if !errors.Is(err, permission.ErrNotFound) {
		s.internalError(c, err)
		return
	}

	if err := s.repo.Save(ctx, pr); err != nil {
		s.internalError(c, err)
		return
	}

	created, err := event.ForStatus(permission.StatusCreated, pr.ID, "")
	if err != nil {
		s.internalError(c, err)
		return
	}
	if err := s.committer.Commit(ctx, created); err != nil {
		s.internalError(c, err)
		return
	}

	stored, err := s.repo.GetByPermissionID(ctx, pr.ID)
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusCreated, stored)
}

// statusHandler receives permission administrator callbacks.
func (s *Server) statusHandler(c *gin.Context) {
	pr, ok := s.load(c)
	if !ok {
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	target, err := permission.ParseStatus(req.Status)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	if target != pr.Status() && !permission.CanTransition(pr.Status(), target) {
		s.conflict(c, "permission %s cannot move from %s to %s", pr.ID, pr.Status(), target)
		return
	}

	ev, err := event.ForStatus(target, pr.ID, req.Reason)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	if err := s.committer.Commit(c.Request.Context(), ev); err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"permissionId": pr.ID, "status": target})
}

func (s *Server) terminateHandler(c *gin.Context) {
	pr, ok := s.load(c)
	if !ok {
		return
	}

	if pr.Status() != permission.StatusAccepted {
		s.conflict(c, "permission %s is %s, only accepted permissions can be terminated", pr.ID, pr.Status())
		return
	}

	ev, err := event.ForStatus(permission.StatusRequiresExternalTermination, pr.ID, "terminated by administrator")
	if err != nil {
		s.internalError(c, err)
		return
	}

	if err := s.committer.Commit(c.Request.Context(), ev); err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"permissionId": pr.ID, "status": permission.StatusRequiresExternalTermination})
}

// retransmitHandler fetches [from, to] again. Both dates are inclusive and
// to must lie before today.
func (s *Server) retransmitHandler(c *gin.Context) {
	pr, ok := s.load(c)
	if !ok {
		return
	}

	if pr.Status() != permission.StatusAccepted && pr.Status() != permission.StatusFulfilled {
		s.conflict(c, "permission %s is %s, retransmission needs an accepted or fulfilled permission", pr.ID, pr.Status())
		return
	}

	var req retransmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	from, err := s.parseDate(req.From)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	to, err := s.parseDate(req.To)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	if to.Before(from) {
		s.badRequest(c, fmt.Errorf("from %s is after to %s", req.From, req.To))
		return
	}

	today := partition.StartOfDay(s.cfg.Now().In(s.cfg.Location))
	if !to.Before(today) {
		s.badRequest(c, fmt.Errorf("to %s is not in the past", req.To))
		return
	}

	s.poller.ForcePoll(c.Request.Context(), pr, from, partition.EndOfDay(to))

	c.JSON(http.StatusAccepted, gin.H{"permissionId": pr.ID, "from": req.From, "to": req.To})
}
