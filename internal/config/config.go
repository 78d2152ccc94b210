package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	KafkaBrokers []string
	KafkaTopic   string

	// Service area: requests outside this circle are rejected. A zero
	// radius disables the check.
	AreaCenterLat float64
	AreaCenterLon float64
	AreaRadiusM   float64

	// Engine policy knobs.
	CancelApprovalWindow time.Duration
	GracePeriod          time.Duration
	MaxTripCapacity      int
	InvitationTTL        time.Duration

	BlobEndpoint string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		KafkaTopic:           "pickup-transitions",
		CancelApprovalWindow: time.Hour,
		GracePeriod:          30 * time.Minute,
		MaxTripCapacity:      3,
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setFloatFromEnv(&cfg.AreaCenterLat, "AREA_CENTER_LAT", &errs)
	setFloatFromEnv(&cfg.AreaCenterLon, "AREA_CENTER_LON", &errs)
	setFloatFromEnv(&cfg.AreaRadiusM, "AREA_RADIUS_M", &errs)

	setDurationFromEnv(&cfg.CancelApprovalWindow, "CANCEL_APPROVAL_WINDOW", &errs)
	setDurationFromEnv(&cfg.GracePeriod, "TRIP_GRACE_PERIOD", &errs)
	setIntFromEnv(&cfg.MaxTripCapacity, "MAX_TRIP_CAPACITY", &errs)
	setDurationFromEnv(&cfg.InvitationTTL, "INVITATION_TTL", &errs)

	setStringFromEnv(&cfg.BlobEndpoint, "BLOB_ENDPOINT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MaxTripCapacity <= 0 {
		errs = append(errs, fmt.Errorf("MAX_TRIP_CAPACITY must be > 0"))
	}
	if cfg.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("TRIP_GRACE_PERIOD must not be negative"))
	}

	return cfg, errors.Join(errs...)
}

// SweeperConfig captures the expiry sweeper process parameters.
type SweeperConfig struct {
	MetricsAddr   string
	PGDSN         string
	KafkaBrokers  []string
	KafkaTopic    string
	SweepInterval time.Duration
	SweepBatch    int
	GracePeriod   time.Duration
	LogLevel      string
}

func LoadSweeperConfig() (SweeperConfig, error) {
	cfg := SweeperConfig{
		MetricsAddr:   ":2112",
		KafkaTopic:    "pickup-transitions",
		SweepInterval: 30 * time.Second,
		SweepBatch:    100,
		GracePeriod:   30 * time.Minute,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	cfg.PGDSN = os.Getenv("PG_DSN")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setIntFromEnv(&cfg.SweepBatch, "SWEEP_BATCH", &errs)
	setDurationFromEnv(&cfg.GracePeriod, "TRIP_GRACE_PERIOD", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	if cfg.SweepBatch <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_BATCH must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
