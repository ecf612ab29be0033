// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lookupsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeeper_decision_cache_lookups_total",
	Help: "Decision cache lookups by backend and result",
}, []string{"backend", "result"})

func recordLookup(backend string, hit bool, err error) {
	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case hit:
		result = "hit"
	}
	lookupsCounter.WithLabelValues(backend, result).Inc()
}
