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

package polling_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/backoff"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/metrics"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/polling"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/sink"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/source"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/watermark"
)

var errAppend = errors.New("event log unavailable")

type recordingCommitter struct {
	mu     sync.Mutex
	events []event.Event
	fail   error
}

func (r *recordingCommitter) Commit(_ context.Context, ev event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingCommitter) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *recordingCommitter) Kinds() []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]event.Kind, 0, len(r.events))
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind())
	}
	return kinds
}

// upstream serves readings in (from, to].
type upstream struct {
	mu       sync.Mutex
	readings map[string][]source.Reading
	calls    []source.Request
}

func (u *upstream) Fetch(_ context.Context, req source.Request) (*source.Payload, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, req)

	p := &source.Payload{PermissionID: req.PermissionID, MeterID: req.MeterID, ServiceType: req.ServiceType, From: req.From, To: req.To}
	for _, r := range u.readings[req.MeterID] {
		if r.Timestamp.After(req.From) && !r.Timestamp.After(req.To) {
			p.Readings = append(p.Readings, r)
		}
	}
	return p, nil
}

func (u *upstream) Calls() []source.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]source.Request(nil), u.calls...)
}

func day(d int) time.Time {
	return time.Date(2024, time.March, d, 0, 0, 0, 0, time.UTC)
}

func dailyReadings(from, to int) []source.Reading {
	var rs []source.Reading
	for d := from; d <= to; d++ {
		rs = append(rs, source.Reading{Timestamp: day(d), Value: float64(d), Unit: "kWh"})
	}
	return rs
}

var fastRetry = backoff.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

var _ = Describe("Coordinator", func() {
	var (
		ctx       context.Context
		now       time.Time
		marks     *watermark.MemoryStore
		out       *sink.ChannelSink
		committer *recordingCommitter
		pr        *permission.Request
		newCoord  func(client source.Client) *polling.Coordinator
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)
		marks = watermark.NewMemoryStore()
		out = sink.NewChannelSink(100)
		committer = &recordingCommitter{}
		pr = &permission.Request{
			ID:            "pid",
			CurrentStatus: permission.StatusAccepted,
			From:          day(1),
			Resolution:    permission.GranularityP1D,
			Meters:        []string{"m1"},
		}
		Expect(marks.Track(ctx, "pid", "m1")).To(Succeed())

		newCoord = func(client source.Client) *polling.Coordinator {
			return polling.New(client, out, marks, committer, polling.Config{
				Retry: fastRetry,
				Now:   func() time.Time { return now },
			}, zap.NewNop().Sugar())
		}
	})

	Describe("IsActiveAndNeedsToBeFetched", func() {
		var c *polling.Coordinator

		BeforeEach(func() {
			c = newCoord(&upstream{})
		})

		It("is false for a permission starting in the future", func() {
			pr.From = now.AddDate(0, 0, 3)
			Expect(c.IsActiveAndNeedsToBeFetched(pr)).To(BeFalse())
		})

		It("is false for a permission starting today", func() {
			pr.From = day(10)
			Expect(c.IsActiveAndNeedsToBeFetched(pr)).To(BeFalse())
		})

		It("is false when the latest reading is from today", func() {
			latest := day(10).Add(time.Hour)
			pr.LastReading = &latest
			Expect(c.IsActiveAndNeedsToBeFetched(pr)).To(BeFalse())
		})

		It("is true when the latest reading is from yesterday", func() {
			latest := day(9).Add(23 * time.Hour)
			pr.LastReading = &latest
			Expect(c.IsActiveAndNeedsToBeFetched(pr)).To(BeTrue())
		})

		It("is true when nothing was read yet", func() {
			Expect(c.IsActiveAndNeedsToBeFetched(pr)).To(BeTrue())
		})

		It("is false for any status other than accepted", func() {
			for _, s := range permission.Statuses() {
				if s == permission.StatusAccepted {
					continue
				}
				pr.CurrentStatus = s
				Expect(c.IsActiveAndNeedsToBeFetched(pr)).To(BeFalse(), string(s))
			}
		})

		It("is false once the permission was cancelled", func() {
			Expect(c.Cancel("pid")).To(BeTrue())
			Expect(c.Cancel("pid")).To(BeFalse())
			Expect(c.IsActiveAndNeedsToBeFetched(pr)).To(BeFalse())
		})

		It("evaluates today in the configured location", func() {
			tz := time.FixedZone("UTC+14", 14*60*60)
			c = polling.New(&upstream{}, out, marks, committer, polling.Config{
				Location: tz,
				Now:      func() time.Time { return now },
			}, zap.NewNop().Sugar())

			// 2024-03-10 12:00 UTC is already 2024-03-11 02:00 in UTC+14.
			latest := day(10).Add(time.Hour)
			pr.LastReading = &latest
			Expect(c.IsActiveAndNeedsToBeFetched(pr)).To(BeTrue())
		})
	})

	Describe("PollTimeSeriesData", func() {
		It("publishes, advances the watermark and commits a reading update", func() {
			up := &upstream{readings: map[string][]source.Reading{"m1": dailyReadings(2, 10)}}
			c := newCoord(up)

			res := c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeCompleted))
			Expect(res.Err).NotTo(HaveOccurred())

			calls := up.Calls()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].From).To(Equal(day(1)))
			Expect(calls[0].To).To(Equal(day(10)))
			Expect(calls[0].ServiceType).To(Equal(source.Daily))

			Expect(out.Records()).To(HaveLen(1))

			wm, err := marks.Get(ctx, "pid", "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(*wm).To(Equal(day(10)))

			Expect(committer.Kinds()).To(Equal([]event.Kind{event.KindMeterReadingUpdated}))
		})

		It("is idempotent when there is no new upstream data", func() {
			up := &upstream{readings: map[string][]source.Reading{"m1": dailyReadings(2, 10)}}
			c := newCoord(up)

			c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(out.Records()).To(HaveLen(1))
			<-out.Records()
			latest := day(10)
			pr.LastReading = &latest

			res := c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeCompleted))
			Expect(out.Records()).To(BeEmpty())

			wm, err := marks.Get(ctx, "pid", "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(*wm).To(Equal(day(10)))
			Expect(committer.Kinds()).To(HaveLen(1))
		})

		It("starts at the watermark instead of the request start", func() {
			Expect(marks.Advance(ctx, "pid", "m1", day(5))).To(BeTrue())
			up := &upstream{}
			c := newCoord(up)

			c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(up.Calls()).To(HaveLen(1))
			Expect(up.Calls()[0].From).To(Equal(day(5)))
		})

		It("splits long ranges into windows", func() {
			pr.From = time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
			up := &upstream{}
			c := newCoord(up)

			c.PollTimeSeriesData(ctx, pr).Wait()
			calls := up.Calls()
			Expect(len(calls)).To(BeNumerically(">", 2))
			for i := 1; i < len(calls); i++ {
				Expect(calls[i].From).To(Equal(calls[i-1].To))
			}
			Expect(calls[len(calls)-1].To).To(Equal(day(10)))
		})

		It("tracks meters that were never registered", func() {
			pr.Meters = []string{"m1", "m2"}
			up := &upstream{readings: map[string][]source.Reading{"m2": dailyReadings(3, 3)}}
			c := newCoord(up)

			Expect(c.PollTimeSeriesData(ctx, pr).Wait().Outcome).To(Equal(metrics.OutcomeCompleted))
			wm, err := marks.Get(ctx, "pid", "m2")
			Expect(err).NotTo(HaveOccurred())
			Expect(*wm).To(Equal(day(3)))
		})

		It("commits exactly one revocation on forbidden", func() {
			pr.Meters = []string{"m1", "m2"}
			var calls atomic.Int32
			c := newCoord(source.ClientFunc(func(context.Context, source.Request) (*source.Payload, error) {
				calls.Add(1)
				return nil, &source.StatusError{StatusCode: http.StatusForbidden}
			}))

			res := c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeRevoked))
			Expect(calls.Load()).To(Equal(int32(1)))
			Expect(committer.Kinds()).To(Equal([]event.Kind{event.KindRevoked}))
			Expect(c.IsCancelled("pid")).To(BeTrue())

			res = c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeSkipped))
			Expect(committer.Kinds()).To(HaveLen(1))
			Expect(calls.Load()).To(Equal(int32(1)))
		})

		It("keeps the permission pollable when the revocation cannot be recorded", func() {
			c := newCoord(source.ClientFunc(func(context.Context, source.Request) (*source.Payload, error) {
				return nil, &source.StatusError{StatusCode: http.StatusForbidden}
			}))
			committer.FailWith(errAppend)

			res := c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeFailed))
			Expect(res.Err).To(MatchError(errAppend))
			Expect(c.IsCancelled("pid")).To(BeFalse())
			Expect(c.IsActiveAndNeedsToBeFetched(pr)).To(BeTrue())

			committer.FailWith(nil)

			res = c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeRevoked))
			Expect(committer.Kinds()).To(Equal([]event.Kind{event.KindRevoked}))
			Expect(c.IsCancelled("pid")).To(BeTrue())
		})

		It("reports a reading again when its commit failed", func() {
			up := &upstream{readings: map[string][]source.Reading{"m1": dailyReadings(2, 10)}}
			c := newCoord(up)
			committer.FailWith(errAppend)

			res := c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeFailed))
			Expect(res.Err).To(MatchError(errAppend))

			wm, err := marks.Get(ctx, "pid", "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(*wm).To(Equal(day(10)))

			committer.FailWith(nil)

			res = c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeCompleted))
			Expect(committer.Kinds()).To(Equal([]event.Kind{event.KindMeterReadingUpdated}))
			Expect(committer.events[0].(*event.MeterReadingUpdated).ReadAt).To(Equal(day(10)))

			latest := day(10)
			pr.LastReading = &latest
			Expect(c.PollTimeSeriesData(ctx, pr).Wait().Outcome).To(Equal(metrics.OutcomeCompleted))
			Expect(committer.Kinds()).To(HaveLen(1))
		})

		It("fails the run when the reading update cannot be re-reported", func() {
			Expect(marks.Advance(ctx, "pid", "m1", day(10))).To(BeTrue())
			c := newCoord(&upstream{})
			committer.FailWith(errAppend)

			res := c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeFailed))
			Expect(res.Err).To(MatchError(errAppend))
		})

		It("commits nothing on a server error and keeps the watermark", func() {
			c := newCoord(source.ClientFunc(func(context.Context, source.Request) (*source.Payload, error) {
				return nil, &source.StatusError{StatusCode: http.StatusInternalServerError}
			}))

			res := c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeFailed))
			Expect(committer.Kinds()).To(BeEmpty())
			Expect(out.Records()).To(BeEmpty())

			wm, err := marks.Get(ctx, "pid", "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(wm).To(BeNil())
			Expect(c.IsCancelled("pid")).To(BeFalse())
		})

		It("retries unauthorized responses until attempts run out", func() {
			var calls atomic.Int32
			c := newCoord(source.ClientFunc(func(context.Context, source.Request) (*source.Payload, error) {
				calls.Add(1)
				return nil, &source.StatusError{StatusCode: http.StatusUnauthorized}
			}))

			res := c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeFailed))
			Expect(res.Err).To(MatchError(backoff.ErrRetriesExhausted))
			Expect(calls.Load()).To(Equal(int32(fastRetry.MaxAttempts)))
			Expect(committer.Kinds()).To(BeEmpty())
		})

		It("recovers when a rate limited request succeeds on retry", func() {
			up := &upstream{readings: map[string][]source.Reading{"m1": dailyReadings(2, 4)}}
			var calls atomic.Int32
			c := newCoord(source.ClientFunc(func(ctx context.Context, req source.Request) (*source.Payload, error) {
				if calls.Add(1) == 1 {
					return nil, &source.StatusError{StatusCode: http.StatusTooManyRequests}
				}
				return up.Fetch(ctx, req)
			}))

			res := c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeCompleted))
			Expect(calls.Load()).To(Equal(int32(2)))
			Expect(out.Records()).To(HaveLen(1))
		})

		It("stops a meter at the first failed window", func() {
			pr.From = time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
			var calls atomic.Int32
			c := newCoord(source.ClientFunc(func(_ context.Context, req source.Request) (*source.Payload, error) {
				if calls.Add(1) == 2 {
					return nil, errors.New("connection reset")
				}
				return &source.Payload{MeterID: req.MeterID, Readings: []source.Reading{{Timestamp: req.To}}}, nil
			}))

			res := c.PollTimeSeriesData(ctx, pr).Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeFailed))
			Expect(calls.Load()).To(Equal(int32(2)))
			Expect(out.Records()).To(HaveLen(1))
		})

		It("discards results that arrive after the permission was terminated", func() {
			release := make(chan struct{})
			entered := make(chan struct{})
			c := newCoord(source.ClientFunc(func(_ context.Context, req source.Request) (*source.Payload, error) {
				close(entered)
				<-release
				return &source.Payload{MeterID: req.MeterID, Readings: dailyReadings(2, 3)}, nil
			}))

			run := c.PollTimeSeriesData(ctx, pr)
			Eventually(entered).Should(BeClosed())
			c.Cancel("pid")
			close(release)

			res := run.Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeSkipped))
			Expect(out.Records()).To(BeEmpty())
			Expect(committer.Kinds()).To(BeEmpty())

			wm, err := marks.Get(ctx, "pid", "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(wm).To(BeNil())
		})

		It("never overlaps runs of the same permission", func() {
			release := make(chan struct{})
			var inFlight, maxInFlight atomic.Int32
			c := newCoord(source.ClientFunc(func(context.Context, source.Request) (*source.Payload, error) {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)
				if n > maxInFlight.Load() {
					maxInFlight.Store(n)
				}
				<-release
				return &source.Payload{}, nil
			}))

			first := c.PollTimeSeriesData(ctx, pr)
			second := c.PollTimeSeriesData(ctx, pr)
			Eventually(inFlight.Load).Should(Equal(int32(1)))
			Consistently(inFlight.Load, 50*time.Millisecond).Should(Equal(int32(1)))
			Expect(c.InFlight("pid")).To(BeTrue())
			close(release)

			first.Wait()
			second.Wait()
			Expect(maxInFlight.Load()).To(Equal(int32(1)))
			Expect(c.InFlight("pid")).To(BeFalse())
		})

		It("runs different permissions concurrently", func() {
			release := make(chan struct{})
			var inFlight atomic.Int32
			c := newCoord(source.ClientFunc(func(context.Context, source.Request) (*source.Payload, error) {
				inFlight.Add(1)
				<-release
				return &source.Payload{}, nil
			}))

			other := &permission.Request{ID: "other", CurrentStatus: permission.StatusAccepted, From: day(1), Meters: []string{"m1"}}
			c.PollTimeSeriesData(ctx, pr)
			c.PollTimeSeriesData(ctx, other)

			Eventually(inFlight.Load).Should(Equal(int32(2)))
			close(release)
			c.Wait()
		})

		It("keeps running after the triggering context ends", func() {
			up := &upstream{readings: map[string][]source.Reading{"m1": dailyReadings(2, 3)}}
			c := newCoord(up)

			triggerCtx, cancel := context.WithCancel(ctx)
			run := c.PollTimeSeriesData(triggerCtx, pr)
			cancel()

			Expect(run.Wait().Outcome).To(Equal(metrics.OutcomeCompleted))
		})
	})

	Describe("ForcePoll", func() {
		It("fetches the exact range without touching the watermark", func() {
			up := &upstream{readings: map[string][]source.Reading{"m1": dailyReadings(2, 5)}}
			c := newCoord(up)

			res := c.ForcePoll(ctx, pr, day(1), day(6)).Wait()
			Expect(res.Outcome).To(Equal(metrics.OutcomeCompleted))

			Expect(up.Calls()).To(HaveLen(1))
			Expect(up.Calls()[0].From).To(Equal(day(1)))
			Expect(up.Calls()[0].To).To(Equal(day(6)))
			Expect(out.Records()).To(HaveLen(1))

			wm, err := marks.Get(ctx, "pid", "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(wm).To(BeNil())
			Expect(committer.Kinds()).To(BeEmpty())
		})

		It("does not require eligibility", func() {
			pr.CurrentStatus = permission.StatusFulfilled
			up := &upstream{}
			c := newCoord(up)

			c.ForcePoll(ctx, pr, day(1), day(2)).Wait()
			Expect(up.Calls()).To(HaveLen(1))
		})

		It("revokes on forbidden", func() {
			c := newCoord(source.ClientFunc(func(context.Context, source.Request) (*source.Payload, error) {
				return nil, &source.StatusError{StatusCode: http.StatusForbidden}
			}))

			Expect(c.ForcePoll(ctx, pr, day(1), day(2)).Wait().Outcome).To(Equal(metrics.OutcomeRevoked))
			Expect(committer.Kinds()).To(Equal([]event.Kind{event.KindRevoked}))
		})
	})

	Describe("Shutdown", func() {
		It("aborts runs blocked on the source", func() {
			c := newCoord(source.ClientFunc(func(ctx context.Context, _ source.Request) (*source.Payload, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}))

			run := c.PollTimeSeriesData(ctx, pr)
			shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()

			Expect(c.Shutdown(shutdownCtx)).To(Succeed())
			Eventually(run.Done()).Should(BeClosed())
		})
	})
})
