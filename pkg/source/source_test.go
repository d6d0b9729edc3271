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

package source_test

import (
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/backoff"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/source"
)

var _ = Describe("Source", func() {
	DescribeTable("Classify",
		func(err error, class source.ErrorClass, category backoff.ErrorCategory) {
			Expect(source.Classify(err)).To(Equal(class))
			Expect(backoff.CategoryOf(source.Categorize(err))).To(Equal(category))
		},
		Entry("401", &source.StatusError{StatusCode: 401}, source.ClassUnauthorized, backoff.CategoryTransient),
		Entry("429", &source.StatusError{StatusCode: 429}, source.ClassTooManyRequests, backoff.CategoryTransient),
		Entry("403", &source.StatusError{StatusCode: 403}, source.ClassForbidden, backoff.CategoryPermanent),
		Entry("wrapped 403", fmt.Errorf("meter m1: %w", &source.StatusError{StatusCode: 403}), source.ClassForbidden, backoff.CategoryPermanent),
		Entry("500", &source.StatusError{StatusCode: 500}, source.ClassOther, backoff.CategoryIgnored),
		Entry("transport", errors.New("connection refused"), source.ClassOther, backoff.CategoryIgnored),
	)

	It("keeps the status error reachable after categorizing", func() {
		var se *source.StatusError
		Expect(errors.As(source.Categorize(&source.StatusError{StatusCode: 403, Body: "revoked"}), &se)).To(BeTrue())
		Expect(se.Error()).To(ContainSubstring("403 Forbidden: revoked"))
	})

	DescribeTable("DataServiceTypeFor",
		func(g permission.Granularity, expected source.DataServiceType) {
			Expect(source.DataServiceTypeFor(g)).To(Equal(expected))
		},
		Entry("PT15M", permission.GranularityPT15M, source.QuarterHourly),
		Entry("PT1H", permission.GranularityPT1H, source.QuarterHourly),
		Entry("P1D", permission.GranularityP1D, source.Daily),
		Entry("P1M", permission.GranularityP1M, source.Daily),
	)

	It("reports the latest reading of a payload", func() {
		t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		p := &source.Payload{Readings: []source.Reading{
			{Timestamp: t0.Add(30 * time.Minute)},
			{Timestamp: t0.Add(45 * time.Minute)},
			{Timestamp: t0},
		}}
		Expect(p.Empty()).To(BeFalse())
		Expect(p.LastTimestamp()).To(Equal(t0.Add(45 * time.Minute)))

		var empty *source.Payload
		Expect(empty.Empty()).To(BeTrue())
		Expect(empty.LastTimestamp().IsZero()).To(BeTrue())
	})
})
