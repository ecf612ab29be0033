// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_audit_appends_total",
		Help: "Total number of audit entries durably appended",
	}, []string{"event_type", "severity"})

	failuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_audit_failures_total",
		Help: "Total number of audit logging failures",
	}, []string{"reason"})

	walEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatekeeper_audit_wal_entries",
		Help: "Current number of entries in the WAL awaiting flush",
	})

	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeeper_audit_flush_duration_seconds",
		Help:    "Time spent flushing WAL batches to the audit store",
		Buckets: prometheus.DefBuckets,
	})
)
