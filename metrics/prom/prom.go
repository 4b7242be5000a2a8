package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/memproxy/mc"
	"github.com/IvanBrykalov/memproxy/proxy"
)

// Adapter implements proxy.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
// Label values come from closed sets (the operation catalog, the reply
// results, the registered admin commands), so series cardinality is fixed.
type Adapter struct {
	requests  *prometheus.CounterVec
	replies   *prometheus.CounterVec
	admin     *prometheus.CounterVec
	throttled prometheus.Counter
	reloads   prometheus.Counter
	servers   prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "requests_total",
				Help:        "Requests received, by operation",
				ConstLabels: constLabels,
			},
			[]string{"op"},
		),
		replies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "replies_total",
				Help:        "Replies sent, by operation and result",
				ConstLabels: constLabels,
			},
			[]string{"op", "result"},
		),
		admin: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "admin_requests_total",
				Help:        "Admin requests, by command",
				ConstLabels: constLabels,
			},
			[]string{"command"},
		),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "throttled_total",
			Help:        "Requests rejected by the inflight throttle",
			ConstLabels: constLabels,
		}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "config_reloads_total",
			Help:        "Configuration generations adopted",
			ConstLabels: constLabels,
		}),
		servers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "destinations",
			Help:        "Distinct backend destinations in the active configuration",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.requests, a.replies, a.admin, a.throttled, a.reloads, a.servers)
	return a
}

// Request counts one received request.
func (a *Adapter) Request(op mc.Op) { a.requests.WithLabelValues(op.String()).Inc() }

// Reply counts one sent reply.
func (a *Adapter) Reply(op mc.Op, res mc.Result) {
	a.replies.WithLabelValues(op.String(), res.String()).Inc()
}

// Admin counts one admin request by command name.
func (a *Adapter) Admin(cmd string) { a.admin.WithLabelValues(cmd).Inc() }

// Throttled counts one throttle rejection.
func (a *Adapter) Throttled() { a.throttled.Inc() }

// ConfigReload counts one adopted generation and updates the destination
// gauge.
func (a *Adapter) ConfigReload(servers int) {
	a.reloads.Inc()
	a.servers.Set(float64(servers))
}

// Compile-time check: ensure Adapter implements proxy.Metrics.
var _ proxy.Metrics = (*Adapter)(nil)
