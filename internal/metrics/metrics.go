package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	TrackedBuses    prometheus.Gauge
	ActiveReporters prometheus.Gauge

	ReportsAccepted prometheus.Counter
	ReportsRejected *prometheus.CounterVec // reason label: OFF_ROUTE|IMPLAUSIBLE_SPEED|...
	TrackersReaped  prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	ProcessDuration prometheus.Histogram
	PublishDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TrackedBuses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_tracked_buses",
			Help: "Number of buses with a fused location.",
		}),
		ActiveReporters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_reporters",
			Help: "Number of live reporter entries across all buses.",
		}),
		ReportsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_reports_accepted_total",
			Help: "Total location reports accepted.",
		}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_reports_rejected_total",
			Help: "Total location reports rejected.",
		}, []string{"reason"}),
		TrackersReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trackers_reaped_total",
			Help: "Total stale reporter entries removed.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_report_process_duration_seconds",
			Help:    "Duration of report validation and fusion.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	// Register
	reg.MustRegister(
		c.TrackedBuses, c.ActiveReporters,
		c.ReportsAccepted, c.ReportsRejected, c.TrackersReaped,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.ProcessDuration, c.PublishDuration,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
