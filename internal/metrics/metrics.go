// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics holds the prometheus collectors of the whole program. They
// are registered to Registry which is exported over http together with the
// profiler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "s3qlite"

var (
	Registry = prometheus.NewRegistry()

	BackendRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "requests_total",
		Help:      "Object store requests by operation and result.",
	}, []string{"op", "result"})

	BackendRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "retries_total",
		Help:      "Object store requests repeated after a transient failure.",
	}, []string{"op"})

	BackendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "request_seconds",
		Help:      "Object store request latency.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"op"})

	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Page reads served from memory.",
	})

	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Page reads which needed a fetch.",
	})

	CacheDiskHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "disk_hits_total",
		Help:      "Page misses served by the on-disk tier.",
	})

	CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Clean pages evicted from memory.",
	})

	LockBusy = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "busy_total",
		Help:      "Lock requests answered with busy, by requested level.",
	}, []string{"level"})

	Syncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commit",
		Name:      "syncs_total",
		Help:      "Completed syncs by kind.",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		BackendRequests,
		BackendRetries,
		BackendLatency,
		CacheHits,
		CacheMisses,
		CacheDiskHits,
		CacheEvictions,
		LockBusy,
		Syncs,
	)
}
