package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/pickup-matching/internal/config"
	"github.com/example/pickup-matching/internal/engine"
	"github.com/example/pickup-matching/internal/events"
	"github.com/example/pickup-matching/internal/logging"
	"github.com/example/pickup-matching/internal/storage"
)

var (
	sweepTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_ticks_total",
		Help: "Total sweep ticks executed",
	})
	sweepExpired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sweeper_expired_total",
		Help: "Entities expired per sweep, by entity type",
	}, []string{"entity"})
	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_errors_total",
		Help: "Total sweep errors (retried on the next tick)",
	})
)

func init() {
	prometheus.MustRegister(sweepTicks, sweepExpired, sweepErrors)
}

func main() {
	cfg, err := config.LoadSweeperConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("no PG_DSN set, sweeping an empty in-memory store")
	}

	var pub events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		pub = kp
	}

	eng := engine.New(store, pub, logger)
	eng.GracePeriod = cfg.GracePeriod
	eng.SweepBatch = cfg.SweepBatch

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		log.Printf("metrics/health listening on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sweeper running", "interval", cfg.SweepInterval.String(), "batch", cfg.SweepBatch)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down sweeper")
			return
		case <-ticker.C:
		}
		sweepTicks.Inc()
		stats := eng.SweepDue(ctx, time.Now())
		sweepExpired.WithLabelValues("request").Add(float64(stats.RequestsExpired))
		sweepExpired.WithLabelValues("invitation").Add(float64(stats.InvitationsExpired))
		sweepExpired.WithLabelValues("trip").Add(float64(stats.TripsExpired))
		sweepErrors.Add(float64(stats.Errors))
		if stats.RequestsExpired+stats.InvitationsExpired+stats.TripsExpired > 0 {
			logger.Info("sweep tick",
				"requests_expired", stats.RequestsExpired,
				"invitations_expired", stats.InvitationsExpired,
				"trips_expired", stats.TripsExpired,
				"errors", stats.Errors)
		}
	}
}
