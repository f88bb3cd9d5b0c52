package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bus-tracker/internal/catalog"
	"bus-tracker/internal/config"
	"bus-tracker/internal/fusion"
	"bus-tracker/internal/httpapi"
	"bus-tracker/internal/logging"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/queues"
	"bus-tracker/internal/ws"
)

func main() {
	logging.Init()

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Bus and stop catalog
	sqlDB, err := catalog.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer sqlDB.Close()
	if err := catalog.Ping(ctx, sqlDB); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	cat := catalog.NewPostgres(sqlDB)

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector()
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Fused locations fan out to WebSocket subscribers and, when configured,
	// to NATS subjects.
	hub := ws.NewHub(slog.Default())
	sinks := []fusion.UpdateSink{hub}
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	engine := fusion.NewEngine(cat, multiSink(sinks), wrapEngineMetrics(mcol), slog.Default())
	engine.SetTrackerStaleness(cfg.TrackerStaleness)
	engine.StartReaper(ctx, cfg.ReapInterval)

	// Optional AMQP ingestion alongside the HTTP API
	if cfg.AMQPURL != "" {
		consumer, err := queues.NewReportConsumer(cfg.AMQPURL, engine, slog.Default())
		if err != nil {
			log.Fatalf("amqp error: %v", err)
		}
		defer consumer.Close()
		if err := consumer.Start(ctx); err != nil {
			log.Fatalf("amqp consumer error: %v", err)
		}
	}

	handler := httpapi.NewHandler(engine, hub)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler.Router()}
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// Block until context cancelled
	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Println("shutdown complete")
}

// multiSink fans one fused location out to every configured sink.
type multiSink []fusion.UpdateSink

func (s multiSink) PublishLocation(loc fusion.BusLocation) error {
	var firstErr error
	for _, sink := range s {
		if err := sink.PublishLocation(loc); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// wrapEngineMetrics adapts the Collector to the engine's Metrics interface.
func wrapEngineMetrics(c *metrics.Collector) fusion.Metrics {
	if c == nil {
		return nil
	}
	return &engineMetrics{c: c}
}

type engineMetrics struct{ c *metrics.Collector }

func (m *engineMetrics) ReportAccepted()                { m.c.ReportsAccepted.Inc() }
func (m *engineMetrics) ReportRejected(reason string)   { m.c.ReportsRejected.WithLabelValues(reason).Inc() }
func (m *engineMetrics) ObserveProcess(d time.Duration) { m.c.ProcessDuration.Observe(d.Seconds()) }
func (m *engineMetrics) SetActiveReporters(n int)       { m.c.ActiveReporters.Set(float64(n)) }
func (m *engineMetrics) SetTrackedBuses(n int)          { m.c.TrackedBuses.Set(float64(n)) }
func (m *engineMetrics) TrackersReaped(n int)           { m.c.TrackersReaped.Add(float64(n)) }

// wrapPublisherMetrics adapts the Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
