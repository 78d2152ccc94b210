package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/pickup-matching/internal/events"
	"github.com/example/pickup-matching/internal/logging"
	"github.com/example/pickup-matching/internal/notify"
	"github.com/example/pickup-matching/internal/projection"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_messages_consumed_total",
		Help: "Total transition messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	projectionUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_projection_updates_total",
		Help: "Total successful projection updates",
	})
	projectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_projection_errors_total",
		Help: "Total projection update errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, projectionUpdates, projectionErrors)
}

func main() {
	// allow some flags for local runs
	var listenAddr string
	flag.StringVar(&listenAddr, "listen-addr", ":2113", "address to serve metrics, health and websocket subscriptions on")
	flag.Parse()

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "pickup-transitions"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "pickup-matching-notifier"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	proj := projection.NewRedisProjection(redisAddr, os.Getenv("REDIS_PASSWORD"))
	defer proj.Close()

	wsreg := notify.NewWSRegistry(logger)
	var webhook *notify.WebhookForwarder
	if ep := os.Getenv("WEBHOOK_ENDPOINT"); ep != "" {
		webhook = notify.NewWebhookForwarder(ep)
	}

	// subscription, metrics and health server
	go func() {
		upgrader := websocket.Upgrader{}
		m := mux.NewRouter()
		m.Handle("/metrics", promhttp.Handler())
		m.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		m.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := proj.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		m.HandleFunc("/ws/{owner_id}", func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				http.Error(w, "upgrade failed", 400)
				return
			}
			wsreg.Add(mux.Vars(r)["owner_id"], conn)
		})
		log.Printf("notifier listening on %s", listenAddr)
		if err := http.ListenAndServe(listenAddr, m); err != nil {
			log.Printf("notifier server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() { _ = r.Close() }()

	log.Printf("notifier consuming topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down notifier")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var t events.Transition
		if err := json.Unmarshal(m.Value, &t); err != nil {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		// Projection first: it is the catch-up source for subscribers.
		if err := updateProjectionWithRetry(ctx, proj, t, 3, 200*time.Millisecond); err != nil {
			projectionErrors.Inc()
			log.Printf("projection update failed for %s %s: %v", t.EntityType, t.EntityID, err)
			continue
		}
		projectionUpdates.Inc()

		wsreg.Fanout(t)
		if webhook != nil {
			if err := webhook.Forward(ctx, t); err != nil {
				logger.Warn("webhook forward failed", "entity_type", t.EntityType, "entity_id", t.EntityID, "error", err)
			}
		}
	}
}

// ProjectionUpdater defines the small subset of projection operations we
// need for tests and production.
type ProjectionUpdater interface {
	Apply(ctx context.Context, t events.Transition) error
}

// updateProjectionWithRetry applies the snapshot with retry/backoff.
// Snapshots are idempotent, so a retry after a half-applied failure is
// safe.
func updateProjectionWithRetry(ctx context.Context, p ProjectionUpdater, t events.Transition, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := p.Apply(ctx, t); err != nil {
			lastErr = err
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return lastErr
}
