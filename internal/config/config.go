package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RequestTTL     time.Duration
	OfferPoolSize  int
	WidenOnDecline bool
	HistorySize    int
	WSSendBuffer   int
	EventQueueSize int

	RedisAddr       string
	RedisPassword   string
	RedisArchiveKey string
	RedisArchiveMax int

	KafkaBrokers     []string
	KafkaEventsTopic string

	AMQPURL      string
	AMQPExchange string

	PGDSN         string
	MigrationPath string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RequestTTL:       60 * time.Second,
		OfferPoolSize:    0,
		WidenOnDecline:   true,
		HistorySize:      1024,
		WSSendBuffer:     32,
		EventQueueSize:   1024,
		RedisArchiveKey:  "dispatch:archive",
		RedisArchiveMax:  10000,
		KafkaEventsTopic: "dispatch-events",
		AMQPExchange:     "dispatch",
		MigrationPath:    "migrations/001_create_ride_requests.sql",
		LogLevel:         "info",
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

	setDurationFromEnv(&cfg.RequestTTL, "DISPATCH_REQUEST_TTL", &errs)
	setIntFromEnv(&cfg.OfferPoolSize, "DISPATCH_OFFER_POOL_SIZE", &errs)
	setBoolFromEnv(&cfg.WidenOnDecline, "DISPATCH_WIDEN_ON_DECLINE", &errs)
	setIntFromEnv(&cfg.HistorySize, "DISPATCH_HISTORY_SIZE", &errs)
	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	setIntFromEnv(&cfg.EventQueueSize, "EVENT_QUEUE_SIZE", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisArchiveKey, "REDIS_ARCHIVE_KEY")
	setIntFromEnv(&cfg.RedisArchiveMax, "REDIS_ARCHIVE_MAX", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.MigrationPath, "MIGRATION_PATH")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.RequestTTL <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_REQUEST_TTL must be > 0"))
	}
	if cfg.OfferPoolSize < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_POOL_SIZE must be >= 0"))
	}
	if cfg.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_HISTORY_SIZE must be > 0"))
	}
	if cfg.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
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

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
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
