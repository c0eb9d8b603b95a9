// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmill_symcache_hits_total",
		Help: "Symbol cache lookup hits.",
	})
	misses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmill_symcache_misses_total",
		Help: "Symbol cache lookup misses.",
	})
	stores = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmill_symcache_stores_total",
		Help: "Symbol files promoted into the cache.",
	})
	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmill_symcache_evictions_total",
		Help: "Symbol files evicted from the cache.",
	})
	evictedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmill_symcache_evicted_bytes_total",
		Help: "Bytes freed by symbol cache eviction.",
	})
)
