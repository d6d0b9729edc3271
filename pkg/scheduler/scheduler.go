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

// Package scheduler periodically triggers fetches for accepted permissions
// whose data is not up to date.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/metrics"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/polling"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/sentry"
)

type Poller interface {
	IsActiveAndNeedsToBeFetched(pr permission.Permission) bool
	InFlight(permissionID string) bool
	PollTimeSeriesData(ctx context.Context, pr permission.Permission) *polling.Run
}

// Scheduler runs Tick every interval until Stop is called.
type Scheduler struct {
	repo     permission.Repository
	poller   Poller
	interval time.Duration
	logger   *zap.SugaredLogger

	ctx    context.Context //nolint:containedctx // background service lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(repo permission.Repository, poller Poller, interval time.Duration, log *zap.SugaredLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		repo:     repo,
		poller:   poller,
		interval: interval,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start ticks once right away and then every interval.
func (s *Scheduler) Start() {
	s.wg.Add(1)

	go s.loop()

	s.logger.Infof("Future data scheduler started with interval %s", s.interval)
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	s.tickLogged()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tickLogged()
		}
	}
}

func (s *Scheduler) tickLogged() {
	if _, err := s.Tick(s.ctx); err != nil && s.ctx.Err() == nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, s.logger, "[Scheduler.Tick] failed to load accepted permissions: %v", err)
	}
}

// Tick polls every accepted permission that needs data and has no run in
// flight. It returns the number of runs it started.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	metrics.IncSchedulerTick()

	accepted, err := s.repo.FindByStatus(ctx, permission.StatusAccepted)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, pr := range accepted {
		if !s.poller.IsActiveAndNeedsToBeFetched(pr) {
			continue
		}

		if s.poller.InFlight(pr.ID) {
			s.logger.Debugw("Previous run still in flight", "permission_id", pr.ID)
			continue
		}

		s.poller.PollTimeSeriesData(ctx, pr)
		started++
	}

	s.logger.Debugw("Scheduled polling", "accepted", len(accepted), "started", started)

	return started, nil
}

// Stop ends the loop and waits for a running tick.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping future data scheduler")
	s.cancel()
	s.wg.Wait()
}
