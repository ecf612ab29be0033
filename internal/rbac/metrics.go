// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package rbac

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_permission_decisions_total",
		Help: "Permission decisions by outcome and reason",
	}, []string{"allowed", "reason", "cached"})

	checkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeeper_permission_check_duration_seconds",
		Help:    "Permission check latency including the audit write",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})

	failClosedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_permission_fail_closed_total",
		Help: "Permission checks denied because a dependency failed",
	}, []string{"cause"})

	conflictsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_rbac_version_conflicts_total",
		Help: "Optimistic concurrency conflicts retried by rbac mutations",
	}, []string{"operation"})
)

func recordDecision(d Decision, elapsed time.Duration) {
	decisionsCounter.WithLabelValues(strconv.FormatBool(d.Allowed), string(d.Reason), strconv.FormatBool(d.Cached)).Inc()
	checkDuration.Observe(elapsed.Seconds())
}
