// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lookupFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gatekeeper_engine_targeting_lookup_failures_total",
	Help: "Flag evaluations disabled because the principal's roles or cohorts could not be read",
})
