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

package outbox_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/eventbus"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/outbox"
)

type failingLog struct {
	*outbox.MemoryLog
	appendErr error
	markErr   error
}

func (f *failingLog) Append(ctx context.Context, ev event.Event) (int64, error) {
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	return f.MemoryLog.Append(ctx, ev)
}

func (f *failingLog) MarkDispatched(ctx context.Context, seq int64) error {
	if f.markErr != nil {
		return f.markErr
	}
	return f.MemoryLog.MarkDispatched(ctx, seq)
}

var _ = Describe("Outbox", func() {
	var (
		ctx       context.Context
		bus       *eventbus.Bus
		log       *failingLog
		box       *outbox.Outbox
		delivered []event.Event
	)

	BeforeEach(func() {
		ctx = context.Background()
		bus = eventbus.New(zap.NewNop().Sugar())
		log = &failingLog{MemoryLog: outbox.NewMemoryLog()}
		box = outbox.New(log, bus, zap.NewNop().Sugar())
		delivered = nil

		bus.Subscribe(event.KindRevoked, "recorder", func(_ context.Context, ev event.Event) error {
			delivered = append(delivered, ev)
			return nil
		})
	})

	It("appends before dispatching and marks the record afterwards", func() {
		bus.Subscribe(event.KindRevoked, "checker", func(_ context.Context, ev event.Event) error {
			Expect(log.Events()).To(ContainElement(ev))
			pending, err := log.Undispatched(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			return nil
		})

		Expect(box.Commit(ctx, event.Revoked("pid", ""))).To(Succeed())
		Expect(delivered).To(HaveLen(1))

		pending, err := log.Undispatched(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).To(BeEmpty())
	})

	It("propagates append failures and dispatches nothing", func() {
		log.appendErr = errors.New("disk full")

		err := box.Commit(ctx, event.Revoked("pid", ""))
		Expect(err).To(MatchError(ContainSubstring("disk full")))
		Expect(err).To(MatchError(log.appendErr))
		Expect(delivered).To(BeEmpty())
	})

	It("does not fail the commit when handlers fail", func() {
		bus.Subscribe(event.KindRevoked, "broken", func(context.Context, event.Event) error {
			panic("broken handler")
		})
		bus.Subscribe(event.KindRevoked, "after-broken", func(_ context.Context, ev event.Event) error {
			delivered = append(delivered, ev)
			return nil
		})

		Expect(box.Commit(ctx, event.Revoked("pid", ""))).To(Succeed())
		Expect(delivered).To(HaveLen(2))
	})

	It("replays records that were never marked dispatched", func() {
		log.markErr = errors.New("connection reset")
		first := event.Revoked("pid-1", "")
		second := event.Revoked("pid-2", "")
		Expect(box.Commit(ctx, first)).To(Succeed())
		Expect(box.Commit(ctx, second)).To(Succeed())
		Expect(delivered).To(HaveLen(2))

		log.markErr = nil
		delivered = nil

		n, err := box.Replay(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))
		Expect(delivered).To(Equal([]event.Event{first, second}))

		n, err = box.Replay(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
	})

	It("leaves events undispatched when the lane cannot be entered", func() {
		cctx, cancel := context.WithCancel(ctx)
		release := make(chan struct{})
		entered := make(chan struct{})
		bus.Subscribe(event.KindAccepted, "blocker", func(context.Context, event.Event) error {
			close(entered)
			<-release
			return nil
		})

		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			Expect(box.Commit(ctx, event.Accepted("pid"))).To(Succeed())
		}()
		Eventually(entered).Should(BeClosed())

		cancel()
		Expect(box.Commit(cctx, event.Revoked("pid", ""))).To(Succeed())
		close(release)
		Eventually(done).Should(BeClosed())

		pending, err := log.Undispatched(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).To(HaveLen(1))
		Expect(pending[0].Event.Kind()).To(Equal(event.KindRevoked))
	})
})
