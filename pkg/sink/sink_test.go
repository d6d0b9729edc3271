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

package sink_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/sink"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/source"
)

type failingSink struct{ err error }

func (f failingSink) Publish(context.Context, permission.Permission, *source.Payload) error {
	return f.err
}
func (f failingSink) Close() error { return nil }

var _ = Describe("ChannelSink", func() {
	var (
		pr      *permission.Request
		payload *source.Payload
	)

	BeforeEach(func() {
		pr = &permission.Request{ID: "pid", Meters: []string{"m1"}}
		payload = &source.Payload{PermissionID: "pid", MeterID: "m1"}
	})

	It("forwards published records", func() {
		s := sink.NewChannelSink(1)
		Expect(s.Publish(context.Background(), pr, payload)).To(Succeed())

		var rec sink.Record
		Eventually(s.Records()).Should(Receive(&rec))
		Expect(rec.Permission.PermissionID()).To(Equal("pid"))
		Expect(rec.Payload).To(BeIdenticalTo(payload))
	})

	It("honours the context when the buffer is full", func() {
		s := sink.NewChannelSink(0)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		Expect(s.Publish(ctx, pr, payload)).To(MatchError(context.DeadlineExceeded))
	})

	It("rejects records after Close and closes the channel once", func() {
		s := sink.NewChannelSink(1)
		Expect(s.Close()).To(Succeed())
		Expect(s.Close()).To(Succeed())
		Expect(s.Publish(context.Background(), pr, payload)).To(MatchError(sink.ErrClosed))
		Eventually(s.Records()).Should(BeClosed())
	})
})

var _ = Describe("Fanout", func() {
	It("stops at the first failing sink", func() {
		first := sink.NewChannelSink(1)
		last := sink.NewChannelSink(1)
		boom := errors.New("boom")
		f := sink.Fanout{first, failingSink{err: boom}, last}

		err := f.Publish(context.Background(), &permission.Request{ID: "pid"}, &source.Payload{})
		Expect(err).To(MatchError(boom))
		Expect(first.Records()).To(HaveLen(1))
		Expect(last.Records()).To(BeEmpty())
		Expect(f.Close()).To(Succeed())
	})
})
