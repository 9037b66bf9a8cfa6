// Package metrics provides the Prometheus-backed sharedlog.MetricsSink,
// grounded on the teacher's internal/escrow Metrics struct: one field
// per counter/gauge, constructed with promauto so registration happens
// at construction time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the recorder pipeline and
// implements sharedlog.MetricsSink.
type Metrics struct {
	SwitchesRecorded      prometheus.Counter
	ProcessesIntroduced   prometheus.Counter
	ThreadsIntroduced     prometheus.Counter
	IdentityUnresolvedCtr prometheus.Counter
	CacheOverflows        *prometheus.CounterVec
	RegionFullTotal       prometheus.Counter
	KernelDropsTotal      prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics for the
// scheduling recorder pipeline against the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		SwitchesRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "schedrec_switches_recorded_total",
			Help: "Total number of sched_switch events appended to the shared log.",
		}),
		ProcessesIntroduced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "schedrec_processes_introduced_total",
			Help: "Total number of distinct processes recorded in the identity cache.",
		}),
		ThreadsIntroduced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "schedrec_threads_introduced_total",
			Help: "Total number of distinct threads recorded in the identity cache.",
		}),
		IdentityUnresolvedCtr: promauto.NewCounter(prometheus.CounterOpts{
			Name: "schedrec_identity_unresolved_total",
			Help: "Total number of failed identity lookups: a thread's owning process or a process's name that could not be resolved.",
		}),
		CacheOverflows: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "schedrec_cache_overflows_total",
			Help: "Total number of identity cache insertions dropped because the cache was at capacity.",
		}, []string{"cache"}),
		RegionFullTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "schedrec_region_full_total",
			Help: "Total number of times the shared log region filled and the recorder stopped appending.",
		}),
		KernelDropsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "schedrec_kernel_drops_total",
			Help: "Total number of events believed lost to ring buffer overflow, inferred from sequence gaps.",
		}),
	}
}

// The following implement sharedlog.MetricsSink.

func (m *Metrics) SwitchRecorded()              { m.SwitchesRecorded.Inc() }
func (m *Metrics) ProcessIntroduced()           { m.ProcessesIntroduced.Inc() }
func (m *Metrics) ThreadIntroduced()            { m.ThreadsIntroduced.Inc() }
func (m *Metrics) IdentityUnresolved()          { m.IdentityUnresolvedCtr.Inc() }
func (m *Metrics) CacheOverflowed(cache string) { m.CacheOverflows.WithLabelValues(cache).Inc() }
func (m *Metrics) RegionFull()                  { m.RegionFullTotal.Inc() }
func (m *Metrics) KernelDropsDetected(n uint64) { m.KernelDropsTotal.Add(float64(n)) }
