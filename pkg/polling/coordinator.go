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

// Package polling decides when, for which window and under which failure
// policy time-series data is fetched for active permissions.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/backoff"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/metrics"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/outbox"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/partition"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/sink"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/source"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/watermark"
)

var (
	errRevoked   = errors.New("permission revoked by data source")
	errCancelled = errors.New("permission was terminated while fetching")
)

// Config tunes a Coordinator. Zero values fall back to defaults.
type Config struct {
	MaxWindow time.Duration
	// Location defines "today". Defaults to UTC.
	Location *time.Location
	Retry    backoff.Policy
	Now      func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxWindow <= 0 {
		c.MaxWindow = partition.DefaultMaxWindow
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = backoff.DefaultPolicy()
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	return c
}

// Coordinator runs fetches for permissions. Runs of the same permission never
// overlap, runs of different permissions are concurrent.
type Coordinator struct {
	client    source.Client
	sink      sink.Sink
	marks     watermark.Store
	committer outbox.Committer
	cfg       Config
	log       *zap.SugaredLogger

	locks *ctxmutex.KeyedMutex

	mu         sync.RWMutex
	terminated map[string]struct{}
	inFlight   map[string]int

	runs     sync.WaitGroup
	stopCtx  context.Context
	stopRuns context.CancelFunc
}

func New(client source.Client, out sink.Sink, marks watermark.Store, committer outbox.Committer, cfg Config, log *zap.SugaredLogger) *Coordinator {
	stopCtx, stopRuns := context.WithCancel(context.Background())

	return &Coordinator{
		client:     client,
		sink:       out,
		marks:      marks,
		committer:  committer,
		cfg:        cfg.withDefaults(),
		log:        log,
		locks:      ctxmutex.NewKeyedMutex(),
		terminated: make(map[string]struct{}),
		inFlight:   make(map[string]int),
		stopCtx:    stopCtx,
		stopRuns:   stopRuns,
	}
}

// Cancel marks a permission as terminated. Later eligibility checks fail and
// results of fetches still in flight are discarded. In-flight requests are not
// aborted. Reports whether the permission was active before.
func (c *Coordinator) Cancel(permissionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.terminated[permissionID]; ok {
		return false
	}
	c.terminated[permissionID] = struct{}{}

	return true
}

// release undoes a Cancel whose revocation could not be recorded.
func (c *Coordinator) release(permissionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.terminated, permissionID)
}

func (c *Coordinator) IsCancelled(permissionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.terminated[permissionID]

	return ok
}

// InFlight reports whether a run of the permission was started and has not
// finished yet, including runs still waiting for an earlier one.
func (c *Coordinator) InFlight(permissionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.inFlight[permissionID] > 0
}

func (c *Coordinator) trackRun(permissionID string, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight[permissionID] += delta
	if c.inFlight[permissionID] <= 0 {
		delete(c.inFlight, permissionID)
	}
}

// IsActiveAndNeedsToBeFetched reports whether a scheduled poll should run for
// pr. It does no I/O.
func (c *Coordinator) IsActiveAndNeedsToBeFetched(pr permission.Permission) bool {
	if c.IsCancelled(pr.PermissionID()) {
		return false
	}

	if pr.Status() != permission.StatusAccepted {
		return false
	}

	today := partition.StartOfDay(c.cfg.Now().In(c.cfg.Location))

	if !partition.StartOfDay(pr.Start().In(c.cfg.Location)).Before(today) {
		return false
	}

	if latest := pr.LatestReading(); latest != nil && !latest.In(c.cfg.Location).Before(today) {
		return false
	}

	return true
}

// PollTimeSeriesData fetches everything after the meter watermarks up to the
// start of today for every tracked meter of pr. It returns immediately.
//
// A run that moves no watermark re-reports the latest reading when pr lags
// behind the stored watermarks, which happens after a failed commit.
func (c *Coordinator) PollTimeSeriesData(ctx context.Context, pr permission.Permission) *Run {
	var reported bool

	perMeter := func(runCtx context.Context, meterID string) error {
		wm, err := c.watermark(runCtx, pr.PermissionID(), meterID)
		if err != nil {
			return err
		}

		now := c.cfg.Now().In(c.cfg.Location)
		windows := partition.Partitions(pr.Start().In(c.cfg.Location), inLocation(pr.End(), c.cfg.Location), wm, now, c.cfg.MaxWindow)

		advanced, err := c.fetchMeter(runCtx, pr, meterID, windows, true)
		reported = reported || advanced

		return err
	}

	return c.start(ctx, pr, perMeter, func(runCtx context.Context) error {
		if reported {
			return nil
		}

		return c.reportLagging(runCtx, pr)
	})
}

// ForcePoll fetches exactly [from, to] for every tracked meter of pr. It
// ignores eligibility and leaves the watermarks untouched.
func (c *Coordinator) ForcePoll(ctx context.Context, pr permission.Permission, from, to time.Time) *Run {
	windows := partition.Split(from, to, c.cfg.MaxWindow)

	return c.start(ctx, pr, func(runCtx context.Context, meterID string) error {
		_, err := c.fetchMeter(runCtx, pr, meterID, windows, false)
		return err
	}, nil)
}

// Wait blocks until all started runs have finished.
func (c *Coordinator) Wait() {
	c.runs.Wait()
}

// Shutdown aborts in-flight runs and waits for them, or for ctx.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stopRuns()

	done := make(chan struct{})
	go func() {
		c.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type (
	meterFunc  func(ctx context.Context, meterID string) error
	finishFunc func(ctx context.Context) error
)

func (c *Coordinator) start(ctx context.Context, pr permission.Permission, perMeter meterFunc, finish finishFunc) *Run {
	run := newRun(pr.PermissionID())
	c.trackRun(pr.PermissionID(), 1)

	// Runs outlive the trigger, e.g. an API request, but not the coordinator.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.stopCtx, cancel)

	c.runs.Add(1)
	go func() {
		defer c.runs.Done()
		defer cancel()
		defer stop()

		res := c.execute(runCtx, pr, perMeter, finish)
		metrics.IncPollRun(res.Outcome)
		c.trackRun(pr.PermissionID(), -1)
		run.finish(res)
	}()

	return run
}

func (c *Coordinator) execute(ctx context.Context, pr permission.Permission, perMeter meterFunc, finish finishFunc) Result {
	pid := pr.PermissionID()
	log := c.log.With("permission_id", pid)

	if c.IsCancelled(pid) {
		return Result{Outcome: metrics.OutcomeSkipped}
	}

	if err := c.locks.Lock(ctx, pid); err != nil {
		return Result{Outcome: metrics.OutcomeSkipped, Err: err}
	}
	defer c.locks.Unlock(pid)

	var failed []error
	for _, meterID := range pr.MeterIDs() {
		if c.IsCancelled(pid) {
			return Result{Outcome: metrics.OutcomeSkipped, Err: errCancelled}
		}

		err := perMeter(ctx, meterID)
		switch {
		case err == nil:
		case errors.Is(err, errRevoked):
			return Result{Outcome: metrics.OutcomeRevoked, Err: err}
		case errors.Is(err, errCancelled):
			return Result{Outcome: metrics.OutcomeSkipped, Err: err}
		default:
			log.Warnw("Stopped fetching meter", "meter_id", meterID, "error", err)
			failed = append(failed, err)
		}
	}

	if len(failed) > 0 {
		return Result{Outcome: metrics.OutcomeFailed, Err: errors.Join(failed...)}
	}

	if finish != nil && !c.IsCancelled(pid) {
		if err := finish(ctx); err != nil {
			log.Warnw("Failed to report latest reading", "error", err)
			return Result{Outcome: metrics.OutcomeFailed, Err: err}
		}
	}

	return Result{Outcome: metrics.OutcomeCompleted}
}

// fetchMeter walks windows in order and stops at the first failure so the
// watermark never skips a window. It reports whether a reading update was
// committed.
func (c *Coordinator) fetchMeter(ctx context.Context, pr permission.Permission, meterID string, windows []partition.Partition, advance bool) (bool, error) {
	pid := pr.PermissionID()
	log := c.log.With("permission_id", pid, "meter_id", meterID)

	var advanced bool
	for _, w := range windows {
		payload, err := c.fetch(ctx, source.Request{
			PermissionID: pid,
			MeterID:      meterID,
			ServiceType:  source.DataServiceTypeFor(pr.Granularity()),
			From:         w.Start,
			To:           w.End,
		})
		if err != nil {
			return advanced, c.handleFetchError(ctx, log, pid, err)
		}

		if payload == nil || payload.Empty() {
			continue
		}

		if c.IsCancelled(pid) {
			metrics.IncDiscarded()
			log.Infow("Discarding data of terminated permission", "from", w.Start, "to", w.End)
			return advanced, errCancelled
		}

		if err := c.sink.Publish(ctx, pr, payload); err != nil {
			return advanced, err
		}
		metrics.IncPublished()

		if !advance {
			continue
		}

		last := payload.LastTimestamp()
		moved, err := c.marks.Advance(ctx, pid, meterID, last)
		if err != nil {
			return advanced, err
		}
		if !moved {
			continue
		}
		metrics.IncWatermarkAdvance()

		if err := c.committer.Commit(ctx, event.NewMeterReadingUpdated(pid, meterID, last)); err != nil {
			return advanced, err
		}
		advanced = true
	}

	return advanced, nil
}

func (c *Coordinator) fetch(ctx context.Context, req source.Request) (*source.Payload, error) {
	var payload *source.Payload

	err := backoff.Retry(ctx, c.cfg.Retry, func() error {
		p, err := c.client.Fetch(ctx, req)
		if err != nil {
			return source.Categorize(err)
		}
		payload = p

		return nil
	}, func(err error, wait time.Duration) {
		c.log.Infow("Retrying fetch",
			"permission_id", req.PermissionID,
			"meter_id", req.MeterID,
			"wait", wait,
			"error", err)
	})

	return payload, err
}

func (c *Coordinator) handleFetchError(ctx context.Context, log *zap.SugaredLogger, pid string, err error) error {
	class := source.Classify(err)
	metrics.IncFetchError(class.String())

	if class != source.ClassForbidden {
		if errors.Is(err, backoff.ErrRetriesExhausted) {
			log.Warnw("Giving up after retries", "class", class.String(), "error", err)
		}
		return err
	}

	log.Infow("Data source revoked the permission", "error", err)

	// Cancel claims the revocation so that only one run commits it. The claim
	// is released when the commit fails so the next poll tries again.
	if !c.Cancel(pid) {
		return errors.Join(errRevoked, err)
	}

	if cerr := c.committer.Commit(ctx, event.Revoked(pid, err.Error())); cerr != nil {
		c.release(pid)
		log.Errorw("Failed to commit revocation", "error", cerr)

		return fmt.Errorf("record revocation: %w", errors.Join(err, cerr))
	}

	return errors.Join(errRevoked, err)
}

// reportLagging commits a reading update for the slowest meter when the
// stored watermarks are ahead of the latest reading recorded on pr.
func (c *Coordinator) reportLagging(ctx context.Context, pr permission.Permission) error {
	pid := pr.PermissionID()

	marks, err := c.marks.List(ctx, pid)
	if err != nil {
		return err
	}

	latest := watermark.Latest(marks, pr.MeterIDs())
	if latest == nil {
		return nil
	}

	if recorded := pr.LatestReading(); recorded != nil && !recorded.Before(*latest) {
		return nil
	}

	for _, meterID := range pr.MeterIDs() {
		if wm := marks[meterID]; wm != nil && wm.Equal(*latest) {
			c.log.Infow("Re-reporting latest reading", "permission_id", pid, "meter_id", meterID, "read_at", *latest)
			return c.committer.Commit(ctx, event.NewMeterReadingUpdated(pid, meterID, *latest))
		}
	}

	return nil
}

func (c *Coordinator) watermark(ctx context.Context, pid, meterID string) (*time.Time, error) {
	wm, err := c.marks.Get(ctx, pid, meterID)
	if errors.Is(err, watermark.ErrUntracked) {
		c.log.Debugw("Tracking meter on first poll", "permission_id", pid, "meter_id", meterID)
		return nil, c.marks.Track(ctx, pid, meterID)
	}

	return wm, err
}

func inLocation(t *time.Time, loc *time.Location) *time.Time {
	if t == nil {
		return nil
	}
	local := t.In(loc)

	return &local
}
