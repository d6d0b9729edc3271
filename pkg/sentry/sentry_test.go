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

package sentry

import (
	"errors"
	"strings"

	"github.com/getsentry/sentry-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var _ = Describe("Sentry", func() {
	Context("getMeaningfulErrorTitle", func() {
		It("cuts at the first separator", func() {
			Expect(getMeaningfulErrorTitle(errors.New("append event: connection refused"))).To(Equal("append event"))
		})

		It("truncates long messages", func() {
			title := getMeaningfulErrorTitle(errors.New(strings.Repeat("x", 150)))
			Expect(title).To(HaveLen(100))
			Expect(title).To(HaveSuffix("..."))
		})
	})

	Context("createSentryEvent", func() {
		It("tags string context and keeps the rest as extra", func() {
			ev := createSentryEvent(sentry.LevelError, errors.New("boom"), map[string]interface{}{
				"permission_id": "pid-1",
				"attempt":       3,
				"operation":     "commit",
			})
			Expect(ev.Tags).To(HaveKeyWithValue("permission_id", "pid-1"))
			Expect(ev.Extra).To(HaveKeyWithValue("attempt", 3))
			Expect(ev.Fingerprint).To(ContainElement("operation: commit"))
		})
	})

	Context("ReportIssue", func() {
		It("logs at the matching level even when sentry is disabled", func() {
			core, logs := observer.New(zap.DebugLevel)
			log := zap.New(core).Sugar()

			ReportIssue(errors.New("warning one"), IssueTypeWarning, log)
			ReportIssue(errors.New("error one"), IssueTypeError, log)

			Expect(logs.FilterMessage("warning one").Len()).To(Equal(1))
			Expect(logs.FilterMessage("error one").Len()).To(Equal(1))
		})

		It("ignores nil errors and nil loggers", func() {
			Expect(func() { ReportIssue(nil, IssueTypeError, nil) }).NotTo(Panic())
			Expect(func() { ReportIssue(errors.New("x"), IssueTypeError, nil) }).NotTo(Panic())
		})
	})
})
