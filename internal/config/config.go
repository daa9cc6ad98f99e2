package config

import (
	"errors"
	"math"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaSinkTopic   string
	KafkaGroupID     string
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	DatabaseURL string

	// Region payload cache. An empty RedisAddr selects the in-process LRU.
	RedisAddr        string
	RedisTTL         time.Duration
	PayloadCacheSize int

	// Consensus engine and recomputation.
	MaxSaneDistance   float64
	RecomputeWorkers  int
	MaxSamplesPerSite int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	redisTTL, err := time.ParseDuration(sharedcfg.EnvOrDefault("REDIS_TTL", "5m"))
	if err != nil || redisTTL <= 0 {
		return nil, errors.New("invalid REDIS_TTL")
	}

	maxSane, err := strconv.ParseFloat(sharedcfg.EnvOrDefault("MAX_SANE_DISTANCE", "50"), 64)
	if err != nil || !(maxSane > 0) || math.IsInf(maxSane, 0) {
		return nil, errors.New("invalid MAX_SANE_DISTANCE: must be a positive number of meters")
	}

	workers, err := parseIntInRange("RECOMPUTE_WORKERS", 4, 1, 64)
	if err != nil {
		return nil, err
	}

	maxSamples, err := parseIntInRange("MAX_SAMPLES_PER_SITE", 10000, 1, 1_000_000)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic:   sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "raw-transmission-locations"),
		KafkaSinkTopic:     sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "transmission-locations"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "locations-consensus"),
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		DatabaseURL: sharedcfg.EnvOrDefault("DATABASE_URL", "postgres://localhost:5432/locations?sslmode=disable"),

		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisTTL:         redisTTL,
		PayloadCacheSize: parsePayloadCacheSize(),

		MaxSaneDistance:   maxSane,
		RecomputeWorkers:  workers,
		MaxSamplesPerSite: maxSamples,
	}

	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaSourceTopic == "" {
		return nil, errors.New("KAFKA_SOURCE_TOPIC is required")
	}
	if cfg.KafkaSinkTopic == "" {
		return nil, errors.New("KAFKA_SINK_TOPIC is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

func parseIntInRange(key string, def, lo, hi int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, errors.New("invalid " + key + ": must be an integer between " + strconv.Itoa(lo) + " and " + strconv.Itoa(hi))
	}
	return n, nil
}

func parsePayloadCacheSize() int {
	if s := os.Getenv("PAYLOAD_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 256
}
