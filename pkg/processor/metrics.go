// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	statRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmill_processor_requests_total",
		Help: "Crash processing requests.",
	})
	statParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmill_processor_parse_errors_total",
		Help: "Requests rejected with an unparseable dump.",
	})
	statTruncations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmill_processor_truncations_total",
		Help: "Threads whose walk was cut short by the frame cap or deadline.",
	})
	statWalkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crashmill_processor_duration_seconds",
		Help:    "End-to-end crash processing duration.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})
)
