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

// Package api serves the admin and webhook endpoints: status lookup,
// creation, permission administrator callbacks, termination and retransmission.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/outbox"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/polling"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/sentry"
)

// ForcePoller fetches explicit ranges.
type ForcePoller interface {
	ForcePoll(ctx context.Context, pr permission.Permission, from, to time.Time) *polling.Run
}

type Config struct {
	Listen string
	// Accounts enables basic auth when not empty.
	Accounts gin.Accounts
	Location *time.Location
	Now      func() time.Time
}

type Server struct {
	repo      permission.Repository
	committer outbox.Committer
	poller    ForcePoller
	cfg       Config
	log       *zap.SugaredLogger

	router *gin.Engine
	server *http.Server
}

func New(repo permission.Repository, committer outbox.Committer, poller ForcePoller, cfg Config, log *zap.SugaredLogger) *Server {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		repo:      repo,
		committer: committer,
		poller:    poller,
		cfg:       cfg,
		log:       log,
	}
	s.router = s.routes()

	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()

	// Access log and panics go to the component logger.
	router.Use(ginzap.Ginzap(s.log.Desugar(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.log.Desugar(), true))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/api/v1/permissions")
	if len(s.cfg.Accounts) > 0 {
		v1.Use(gin.BasicAuth(s.cfg.Accounts))
	}
	{
		v1.POST("", s.createHandler)
		v1.GET("/:id", s.getHandler)
		v1.POST("/:id/status", s.statusHandler)
		v1.POST("/:id/terminate", s.terminateHandler)
		v1.POST("/:id/retransmit", s.retransmitHandler)
	}

	return router
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background.
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.Infof("Starting admin API on %s", s.cfg.Listen)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(fmt.Errorf("admin API stopped: %w", err), sentry.IssueTypeError, s.log)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

func (s *Server) load(c *gin.Context) (*permission.Request, bool) {
	var uri permissionURI
	if err := c.ShouldBindUri(&uri); err != nil {
		s.badRequest(c, err)
		return nil, false
	}

	pr, err := s.repo.GetByPermissionID(c.Request.Context(), uri.ID)
	if errors.Is(err, permission.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	if err != nil {
		s.internalError(c, err)
		return nil, false
	}

	return pr, true
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.log.Infow("Invalid input", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) conflict(c *gin.Context, format string, args ...interface{}) {
	c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf(format, args...)})
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.log.Errorw("Internal server error", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
