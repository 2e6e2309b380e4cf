/*
Copyright 2026 The Perkeep Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package loader

import (
	"github.com/prometheus/client_golang/prometheus"

	"perkeep.org/imgload/pkg/dispatch"
	"perkeep.org/imgload/pkg/loaderr"
)

// Metrics are the loader's Prometheus collectors. All methods are
// nil-safe.
type Metrics struct {
	// LoadsTotal counts completed loads by source.
	LoadsTotal *prometheus.CounterVec
	// FailuresTotal counts failed loads by error kind.
	FailuresTotal *prometheus.CounterVec
	// DropsTotal counts requests dropped by saturated queues, by pool.
	DropsTotal *prometheus.CounterVec
	// MemoryEvictionsTotal counts decoded images evicted from memory.
	MemoryEvictionsTotal prometheus.Counter
	// DiskEvictionsTotal counts files reclaimed from the disk cache.
	DiskEvictionsTotal prometheus.Counter
	// DiskEvictedBytes sums the sizes of reclaimed files.
	DiskEvictedBytes prometheus.Counter
}

// NewMetrics creates the loader metrics and registers them with reg.
// If reg is nil, they are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgload",
			Name:      "loads_total",
			Help:      "Completed image loads by source",
		}, []string{"source"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgload",
			Name:      "failures_total",
			Help:      "Failed image loads by error kind",
		}, []string{"kind"}),
		DropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgload",
			Name:      "queue_drops_total",
			Help:      "Requests dropped from saturated queues",
		}, []string{"pool"}),
		MemoryEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imgload",
			Subsystem: "memory_cache",
			Name:      "evictions_total",
			Help:      "Decoded images evicted from the memory cache",
		}),
		DiskEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imgload",
			Subsystem: "disk_cache",
			Name:      "evictions_total",
			Help:      "Files reclaimed from the disk cache",
		}),
		DiskEvictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imgload",
			Subsystem: "disk_cache",
			Name:      "evicted_bytes_total",
			Help:      "Bytes reclaimed from the disk cache",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.LoadsTotal,
			m.FailuresTotal,
			m.DropsTotal,
			m.MemoryEvictionsTotal,
			m.DiskEvictionsTotal,
			m.DiskEvictedBytes,
		} {
			if err := reg.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	}
	return m
}

func (m *Metrics) recordLoad(src dispatch.Source) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(src.String()).Inc()
}

func (m *Metrics) recordFailure(err error) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(loaderr.KindOf(err).String()).Inc()
}

func (m *Metrics) recordDrop(pool string) {
	if m == nil {
		return
	}
	m.DropsTotal.WithLabelValues(pool).Inc()
}

func (m *Metrics) recordMemoryEviction() {
	if m == nil {
		return
	}
	m.MemoryEvictionsTotal.Inc()
}

func (m *Metrics) recordDiskEviction(size int64) {
	if m == nil {
		return
	}
	m.DiskEvictionsTotal.Inc()
	m.DiskEvictedBytes.Add(float64(size))
}
