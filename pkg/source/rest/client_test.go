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

package rest_test

import (
	"context"
	"errors"
	"time"

	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/source"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/source/rest"
)

const baseURL = "https://metering.example.com"

var _ = Describe("Client", func() {
	var (
		ctx    context.Context
		client *rest.Client
		req    source.Request
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = rest.New(rest.Config{
			BaseURL:           baseURL + "/",
			ConnectionRetries: 2,
			RetryWaitMin:      time.Millisecond,
			RetryWaitMax:      2 * time.Millisecond,
		}, rest.StaticToken("secret"), zap.NewNop().Sugar())
		gock.InterceptClient(client.HTTPClient())

		req = source.Request{
			PermissionID: "pid",
			MeterID:      "ean-1",
			ServiceType:  source.QuarterHourly,
			From:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			To:           time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		}
	})

	AfterEach(func() {
		gock.RestoreClient(client.HTTPClient())
		gock.OffAll()
	})

	It("requests the window with a bearer token and decodes the readings", func() {
		gock.New(baseURL).
			Get("/v1/permissions/pid/meters/ean-1/readings").
			MatchHeader("Authorization", "Bearer secret").
			MatchParam("type", "QUARTER_HOURLY").
			MatchParam("from", "2024-01-01T00:00:00Z").
			MatchParam("to", "2024-01-02T00:00:00Z").
			Reply(200).
			JSON(map[string]interface{}{
				"readings": []map[string]interface{}{
					{"timestamp": "2024-01-01T00:15:00Z", "value": 1.5, "unit": "kWh"},
					{"timestamp": "2024-01-01T00:30:00Z", "value": 2.0, "unit": "kWh"},
				},
			})

		payload, err := client.Fetch(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(payload.PermissionID).To(Equal("pid"))
		Expect(payload.MeterID).To(Equal("ean-1"))
		Expect(payload.Readings).To(HaveLen(2))
		Expect(payload.LastTimestamp()).To(Equal(time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC)))
		Expect(gock.IsDone()).To(BeTrue())
	})

	It("treats 204 as an empty payload", func() {
		gock.New(baseURL).Get("/v1/permissions/pid/meters/ean-1/readings").Reply(204)

		payload, err := client.Fetch(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(payload.Empty()).To(BeTrue())
	})

	DescribeTable("returns status errors without retrying them",
		func(status int, class source.ErrorClass) {
			gock.New(baseURL).Get("/v1/permissions/pid/meters/ean-1/readings").Times(1).Reply(status).BodyString("nope")

			_, err := client.Fetch(ctx, req)
			Expect(err).To(HaveOccurred())

			var se *source.StatusError
			Expect(errors.As(err, &se)).To(BeTrue())
			Expect(se.StatusCode).To(Equal(status))
			Expect(se.Body).To(Equal("nope"))
			Expect(source.Classify(err)).To(Equal(class))
			Expect(gock.IsDone()).To(BeTrue())
		},
		Entry("401", 401, source.ClassUnauthorized),
		Entry("403", 403, source.ClassForbidden),
		Entry("429", 429, source.ClassTooManyRequests),
		Entry("500", 500, source.ClassOther),
	)

	It("retries connection failures", func() {
		gock.New(baseURL).Get("/v1/permissions/pid/meters/ean-1/readings").ReplyError(errors.New("connection refused"))
		gock.New(baseURL).Get("/v1/permissions/pid/meters/ean-1/readings").Reply(200).JSON(map[string]interface{}{"readings": []interface{}{}})

		payload, err := client.Fetch(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(payload.Empty()).To(BeTrue())
		Expect(gock.IsDone()).To(BeTrue())
	})

	It("fails when no token can be obtained", func() {
		failing := rest.New(rest.Config{BaseURL: baseURL}, tokenFunc(func() (string, error) {
			return "", errors.New("refresh token expired")
		}), zap.NewNop().Sugar())

		_, err := failing.Fetch(ctx, req)
		Expect(err).To(MatchError(ContainSubstring("refresh token expired")))
		Expect(source.Classify(err)).To(Equal(source.ClassOther))
	})
})

type tokenFunc func() (string, error)

func (f tokenFunc) Token(context.Context, string) (string, error) {
	return f()
}
