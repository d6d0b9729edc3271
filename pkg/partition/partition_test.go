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

package partition_test

import (
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/partition"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time {
	return &t
}

var _ = Describe("Partitions", func() {
	It("splits a one year request into two windows", func() {
		now := day(2025, 3, 1).Add(10 * time.Hour)
		parts := partition.Partitions(day(2023, 12, 20), ptr(day(2024, 12, 20)), nil, now, partition.DefaultMaxWindow)

		Expect(parts).To(Equal([]partition.Partition{
			{Start: day(2023, 12, 20), End: day(2024, 6, 21)},
			{Start: day(2024, 6, 21), End: partition.EndOfDay(day(2024, 12, 20))},
		}))
	})

	It("returns one degenerate window for a request starting and ending today", func() {
		now := day(2024, 5, 10).Add(13 * time.Hour)
		today := partition.StartOfDay(now)
		parts := partition.Partitions(today, ptr(today), nil, now, partition.DefaultMaxWindow)

		Expect(parts).To(HaveLen(1))
		Expect(parts[0].Start).To(Equal(today))
		Expect(parts[0].End).To(Equal(today))
	})

	It("never requests future data", func() {
		now := day(2024, 5, 10).Add(13 * time.Hour)
		parts := partition.Partitions(day(2024, 5, 1), ptr(day(2024, 12, 31)), nil, now, partition.DefaultMaxWindow)

		Expect(parts).To(HaveLen(1))
		Expect(parts[0].End).To(Equal(day(2024, 5, 10)))
	})

	It("caps open ended requests at the start of today", func() {
		now := day(2024, 5, 10).Add(time.Hour)
		parts := partition.Partitions(day(2024, 5, 1), nil, nil, now, partition.DefaultMaxWindow)

		Expect(parts).To(Equal([]partition.Partition{{Start: day(2024, 5, 1), End: day(2024, 5, 10)}}))
	})

	It("continues from the watermark without truncating it", func() {
		now := day(2024, 5, 10)
		wm := day(2024, 5, 3).Add(15 * time.Minute)
		parts := partition.Partitions(day(2024, 5, 1), nil, &wm, now, partition.DefaultMaxWindow)

		Expect(parts).To(Equal([]partition.Partition{{Start: wm, End: day(2024, 5, 10)}}))
	})

	It("returns nothing when the watermark already covers the request", func() {
		now := day(2024, 6, 1)
		wm := day(2024, 5, 20)
		Expect(partition.Partitions(day(2024, 5, 1), ptr(day(2024, 5, 10)), &wm, now, partition.DefaultMaxWindow)).To(BeEmpty())
	})

	It("produces exactly one window when the span equals the maximum", func() {
		from := day(2024, 1, 1)
		parts := partition.Split(from, from.Add(partition.DefaultMaxWindow), partition.DefaultMaxWindow)
		Expect(parts).To(HaveLen(1))
	})

	It("uses a single window when no maximum is configured", func() {
		parts := partition.Split(day(2020, 1, 1), day(2024, 1, 1), 0)
		Expect(parts).To(HaveLen(1))
	})

	It("evaluates day boundaries in the location of now", func() {
		berlin, err := time.LoadLocation("Europe/Berlin")
		Expect(err).NotTo(HaveOccurred())

		now := time.Date(2024, 5, 10, 1, 0, 0, 0, berlin)
		parts := partition.Partitions(time.Date(2024, 5, 8, 0, 0, 0, 0, berlin), nil, nil, now, partition.DefaultMaxWindow)
		Expect(parts).To(HaveLen(1))
		Expect(parts[0].End).To(Equal(time.Date(2024, 5, 10, 0, 0, 0, 0, berlin)))
	})

	It("satisfies the partition laws for arbitrary spans", func() {
		r := rand.New(rand.NewSource(GinkgoRandomSeed()))
		maxWindow := 30 * 24 * time.Hour

		for i := 0; i < 200; i++ {
			from := day(2020, 1, 1).Add(time.Duration(r.Int63n(int64(1000 * 24 * time.Hour))))
			to := from.Add(time.Duration(r.Int63n(int64(400*24*time.Hour))) + time.Minute)

			parts := partition.Split(from, to, maxWindow)

			Expect(parts[0].Start).To(Equal(from))
			Expect(parts[len(parts)-1].End).To(Equal(to))
			for j := range parts {
				Expect(parts[j].Duration()).To(BeNumerically(">", 0))
				Expect(parts[j].Duration()).To(BeNumerically("<=", maxWindow))
				if j > 0 {
					Expect(parts[j].Start).To(Equal(parts[j-1].End))
				}
			}

			expected := int((to.Sub(from) + maxWindow - 1) / maxWindow)
			Expect(parts).To(HaveLen(expected))
		}
	})
})
