package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var gateStatuses = []string{"OPEN", "CLOSING_SOON", "CLOSED"}

type Collector struct {
	reg *prometheus.Registry

	Computations    *prometheus.CounterVec // source label: api|watch|cli
	ComputeDuration prometheus.Histogram

	DelayLookups        *prometheus.CounterVec // outcome label
	DelayLookupDuration prometheus.Histogram

	GateStatus      *prometheus.GaugeVec   // gate, status; 1 for the current status
	GateTransitions *prometheus.CounterVec // gate, to

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	Trains          prometheus.Gauge
	Gates           prometheus.Gauge
	PublishInterval prometheus.Gauge // seconds
	DelayTimeout    prometheus.Gauge // seconds
}

func NewCollector(trains, gates int, publishInterval, delayTimeout time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Computations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewatch_computations_total",
			Help: "Gate snapshots computed.",
		}, []string{"source"}),
		ComputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatewatch_compute_duration_seconds",
			Help:    "Duration of a full snapshot computation including delay lookups.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		DelayLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewatch_delay_lookups_total",
			Help: "Live delay lookups by outcome.",
		}, []string{"outcome"}),
		DelayLookupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatewatch_delay_lookup_duration_seconds",
			Help:    "Duration of a single bounded delay lookup.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		}),
		GateStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatewatch_gate_status",
			Help: "1 if the gate is currently in the labelled status, 0 otherwise.",
		}, []string{"gate", "status"}),
		GateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewatch_gate_transitions_total",
			Help: "Gate status changes seen by the watcher.",
		}, []string{"gate", "to"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatewatch_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatewatch_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatewatch_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		Trains: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatewatch_timetable_trains",
			Help: "Trains in the loaded timetable.",
		}),
		Gates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatewatch_gates",
			Help: "Gates in the loaded route model.",
		}),
		PublishInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatewatch_publish_interval_seconds",
			Help: "Watcher interval in seconds.",
		}),
		DelayTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatewatch_delay_timeout_seconds",
			Help: "Per-lookup delay timeout in seconds.",
		}),
	}

	reg.MustRegister(
		c.Computations, c.ComputeDuration,
		c.DelayLookups, c.DelayLookupDuration,
		c.GateStatus, c.GateTransitions,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.Trains, c.Gates, c.PublishInterval, c.DelayTimeout,
	)

	c.Trains.Set(float64(trains))
	c.Gates.Set(float64(gates))
	c.PublishInterval.Set(publishInterval.Seconds())
	c.DelayTimeout.Set(delayTimeout.Seconds())

	return c
}

// ObserveLookup implements delay.Metrics.
func (c *Collector) ObserveLookup(outcome string, d time.Duration) {
	c.DelayLookups.WithLabelValues(outcome).Inc()
	c.DelayLookupDuration.Observe(d.Seconds())
}

// ObserveCompute records one snapshot computation.
func (c *Collector) ObserveCompute(source string, d time.Duration) {
	c.Computations.WithLabelValues(source).Inc()
	c.ComputeDuration.Observe(d.Seconds())
}

// SetGateStatus flips the per-status gauges of one gate.
func (c *Collector) SetGateStatus(gate, status string) {
	for _, s := range gateStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.GateStatus.WithLabelValues(gate, s).Set(v)
	}
}

func (c *Collector) GateTransition(gate, to string) {
	c.GateTransitions.WithLabelValues(gate, to).Inc()
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
