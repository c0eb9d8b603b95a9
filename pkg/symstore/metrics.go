// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmill_symstore_fetches_total",
		Help: "Symbol artifact fetches from external sources.",
	})
	fetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmill_symstore_fetch_errors_total",
		Help: "Failed symbol artifact fetches.",
	})
)
