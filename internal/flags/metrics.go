// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package flags

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluationsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_flag_evaluations_total",
		Help: "Feature flag evaluations by outcome and reason",
	}, []string{"enabled", "reason", "cached"})

	evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeeper_flag_evaluation_duration_seconds",
		Help:    "Feature flag evaluation latency including the audit write",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})

	failClosedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_flag_fail_closed_total",
		Help: "Feature flag evaluations disabled because a dependency failed",
	}, []string{"cause"})

	conflictsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_flags_version_conflicts_total",
		Help: "Optimistic concurrency conflicts retried by flag mutations",
	}, []string{"operation"})
)

func recordEvaluation(e Evaluation, elapsed time.Duration) {
	evaluationsCounter.WithLabelValues(strconv.FormatBool(e.Enabled), string(e.Reason), strconv.FormatBool(e.Cached)).Inc()
	evaluationDuration.Observe(elapsed.Seconds())
}
