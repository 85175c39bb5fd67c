// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines AgentFS's Prometheus collectors as
// package-level vars in one registry, the same single-registry shape the
// teacher wires its otel meters through. The control plane and the
// recorder record into them; the engine and storage collectors
// (OpLatency, OpsTotal, StorageBytes, StorageFaultsTotal) are registered,
// but nothing in node/ or storage/ records into them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentfs"

var (
	// OpLatency tracks how long each engine operation (open, read, write,
	// mkdir, rename, ...) took, broken down by result.
	OpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "op_duration_seconds",
		Help:      "Latency of filesystem engine operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op", "result"})

	// OpsTotal counts engine operations by op name and result ("ok" or an
	// error Kind).
	OpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "ops_total",
		Help:      "Total filesystem engine operations.",
	}, []string{"op", "result"})

	// StorageBytes tracks content-addressable storage usage by backend.
	StorageBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "bytes_in_use",
		Help:      "Bytes currently allocated in the storage backend.",
	}, []string{"backend"})

	// StorageFaultsTotal counts faults injected or encountered by the
	// storage layer, broken down by backend and fault kind.
	StorageFaultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "faults_total",
		Help:      "Storage faults observed, injected or real.",
	}, []string{"backend", "kind"})

	// ControlRequestsTotal counts control-plane requests by message kind
	// and result.
	ControlRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "control",
		Name:      "requests_total",
		Help:      "Control-plane requests handled.",
	}, []string{"kind", "result"})

	// ControlConnections tracks live control-plane client connections.
	ControlConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "control",
		Name:      "connections",
		Help:      "Open control-plane connections.",
	})

	// RecorderBacklogBytes tracks the recorder's in-memory backlog size
	// available to newly-attached followers.
	RecorderBacklogBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "recorder",
		Name:      "backlog_bytes",
		Help:      "Bytes currently held in the recorder backlog queue.",
	})

	// RecorderFollowersLagged counts followers dropped for falling behind
	// the backlog.
	RecorderFollowersLagged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recorder",
		Name:      "followers_lagged_total",
		Help:      "Followers disconnected for lagging behind the recording backlog.",
	})
)

// Registry is the process-wide collector registry. agentfsd registers it
// with an HTTP handler at startup; tests may use a fresh registry instead
// via NewRegistry.
var Registry = NewRegistry()

// NewRegistry builds a registry with every AgentFS collector registered,
// so callers (including tests) never register collectors twice.
func NewRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		OpLatency,
		OpsTotal,
		StorageBytes,
		StorageFaultsTotal,
		ControlRequestsTotal,
		ControlConnections,
		RecorderBacklogBytes,
		RecorderFollowersLagged,
	)
	return r
}

// ObserveOp records the outcome and latency of a single engine operation.
func ObserveOp(op, result string, d time.Duration) {
	OpLatency.WithLabelValues(op, result).Observe(d.Seconds())
	OpsTotal.WithLabelValues(op, result).Inc()
}

// TimeOp is a convenience wrapper: call with defer to time the enclosing
// function and report its outcome through a pointer set by the caller
// before the deferred call runs, e.g.:
//
//	result := "ok"
//	defer func() { metrics.TimeOp("write", &result, time.Now()) }()
func TimeOp(op string, result *string, start time.Time) {
	ObserveOp(op, *result, time.Since(start))
}
