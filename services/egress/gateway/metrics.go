// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Egress Gateway
// =============================================================================

var (
	// requestsTotal counts fetches by purpose and outcome.
	// Labels: purpose, outcome (allowed, blocked, failed)
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "egress",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Total egress fetches by purpose and outcome",
	}, []string{"purpose", "outcome"})

	// blockedTotal counts rejected and failed fetches by error code.
	// Labels: code (hostNotAllowed, circuitOpen, trustFailed, ...)
	blockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "egress",
		Subsystem: "gateway",
		Name:      "blocked_total",
		Help:      "Total rejected or failed egress fetches by error code",
	}, []string{"code"})

	// latencySeconds measures transport time for allowed fetches.
	// Labels: host
	latencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "egress",
		Subsystem: "gateway",
		Name:      "latency_seconds",
		Help:      "Egress fetch latency from send to full body",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"host"})

	// responseBytes measures accepted response body sizes.
	responseBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "egress",
		Subsystem: "gateway",
		Name:      "response_bytes",
		Help:      "Size of accepted egress response bodies",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
	})

	// redactionsTotal counts redacted spans by detector label.
	// Labels: label (email, openai_key, ...)
	redactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "egress",
		Subsystem: "gateway",
		Name:      "redactions_total",
		Help:      "Total sensitive spans redacted from outbound payloads",
	}, []string{"label"})

	// circuitTransitionsTotal counts breaker state changes.
	// Labels: to (open, closed)
	circuitTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "egress",
		Subsystem: "gateway",
		Name:      "circuit_transitions_total",
		Help:      "Total circuit breaker transitions by target state",
	}, []string{"to"})
)

// recordAllowed records a completed fetch.
func recordAllowed(purpose, host string, durationSec float64, bytes int) {
	requestsTotal.WithLabelValues(purpose, "allowed").Inc()
	latencySeconds.WithLabelValues(host).Observe(durationSec)
	responseBytes.Observe(float64(bytes))
}

// recordRejected records a fetch stopped by policy, connectivity or breaker.
func recordRejected(purpose string, code Code) {
	requestsTotal.WithLabelValues(purpose, "blocked").Inc()
	blockedTotal.WithLabelValues(string(code)).Inc()
}

// recordFailed records a fetch that failed during transfer.
func recordFailed(purpose string, code Code) {
	requestsTotal.WithLabelValues(purpose, "failed").Inc()
	blockedTotal.WithLabelValues(string(code)).Inc()
}

func recordRedactions(labels map[string]int) {
	for label, n := range labels {
		redactionsTotal.WithLabelValues(label).Add(float64(n))
	}
}

func recordCircuitTransition(to string) {
	circuitTransitionsTotal.WithLabelValues(to).Inc()
}
