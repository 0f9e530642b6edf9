// Package amstats exposes Prometheus counters/histograms for the AM
// engine: AMs sent/received, batch sizes, and reduction fan-out depth.
// Grounded on the teacher's stats package's registration-at-construction
// idiom, trimmed to the handful of series this runtime actually
// produces.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package amstats

import "github.com/prometheus/client_golang/prometheus"

// Stats is one process's set of AM-engine metrics. Construct one with
// New and pass it to a prometheus.Registerer (or leave unregistered for
// tests that only care about the counters' in-process values).
type Stats struct {
	AMsSent     prometheus.Counter
	AMsRecv     prometheus.Counter
	BatchSize   prometheus.Histogram
	ReduceDepth prometheus.Histogram
}

// New builds a Stats with freshly-created, unregistered collectors.
// Call Register to attach them to a registry.
func New() *Stats {
	return &Stats{
		AMsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amrt",
			Subsystem: "am",
			Name:      "sent_total",
			Help:      "Active messages submitted for dispatch to a remote PE.",
		}),
		AMsRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amrt",
			Subsystem: "am",
			Name:      "received_total",
			Help:      "Active messages executed after arriving from a remote PE.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "amrt",
			Subsystem: "am",
			Name:      "batch_entries",
			Help:      "Number of AM entries shipped per flush cycle.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ReduceDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "amrt",
			Subsystem: "array",
			Name:      "reduce_fanout_pes",
			Help:      "Number of PEs a single reduction gathered partials from.",
			Buckets:   prometheus.LinearBuckets(1, 4, 16),
		}),
	}
}

// Register attaches every collector in s to reg. Call once per process.
func (s *Stats) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.AMsSent, s.AMsRecv, s.BatchSize, s.ReduceDepth} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
