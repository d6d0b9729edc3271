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

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll run outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeRevoked   = "revoked"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

var (
	namespace = "energy"
	subsystem = "permissions"

	pollRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "poll_runs_total",
			Help:      "Total number of polling runs by outcome",
		},
		[]string{"outcome"},
	)

	fetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fetch_errors_total",
			Help:      "Total number of failed fetches by error class",
		},
		[]string{"class"},
	)

	publishedPayloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "published_payloads_total",
			Help:      "Total number of time-series payloads published to the sink",
		},
	)

	discardedPayloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discarded_payloads_total",
			Help:      "Payloads fetched for permissions cancelled during the fetch",
		},
	)

	watermarkAdvances = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "watermark_advances_total",
			Help:      "Total number of watermark advances",
		},
	)

	outboxCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_commits_total",
			Help:      "Outbox commits by event kind and result",
		},
		[]string{"kind", "result"},
	)

	handlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handler_failures_total",
			Help:      "Event handler failures (errors and panics) by event kind and handler",
		},
		[]string{"kind", "handler"},
	)

	schedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scheduler_ticks_total",
			Help:      "Total number of future-data scheduler ticks",
		},
	)
)

// IncPollRun counts a finished polling run.
func IncPollRun(outcome string) {
	pollRuns.WithLabelValues(outcome).Inc()
}

// IncFetchError counts a failed fetch by class (unauthorized, too_many_requests, forbidden, other).
func IncFetchError(class string) {
	fetchErrors.WithLabelValues(class).Inc()
}

func IncPublished() {
	publishedPayloads.Inc()
}

func IncDiscarded() {
	discardedPayloads.Inc()
}

func IncWatermarkAdvance() {
	watermarkAdvances.Inc()
}

// IncOutboxCommit counts a commit; result is "ok" or "error".
func IncOutboxCommit(kind, result string) {
	outboxCommits.WithLabelValues(kind, result).Inc()
}

func IncHandlerFailure(kind, handler string) {
	handlerFailures.WithLabelValues(kind, handler).Inc()
}

func IncSchedulerTick() {
	schedulerTicks.Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
