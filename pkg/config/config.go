// Package config loads worker and API settings from the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/imalyk/go-video-transcoder/pkg/job"
)

const (
	SourceKafka  = "kafka"
	SourceSocket = "socket"
	SourceRedis  = "redis"

	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	TLS      bool
	CAFile   string
	CertFile string
	KeyFile  string
}

type SocketConfig struct {
	Path      string
	QueueSize int
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	QueueKey    string
	PollTimeout time.Duration
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

type Config struct {
	Workers   int
	WorkDir   string
	JobSource string

	Kafka  KafkaConfig
	Socket SocketConfig
	Redis  RedisConfig

	StatusBackend string
	DatabaseURL   string

	Minio             MinioConfig
	UnprocessedBucket string
	ProcessedBucket   string
	KeyPrefix         string

	FFmpegPath     string
	EncoderTimeout time.Duration
	SegmentSeconds int
	RetryBudget    int
	Renditions     []job.Rendition

	MetricsAddr string
	BackendAddr string
	LogLevel    string
	LogFormat   string
}

// Load reads .env and .env.local when present, then the process environment.
// Variables already set in the environment win over the files.
func Load() (Config, error) {
	_ = godotenv.Load(".env", ".env.local")
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv and validates it.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Workers:   parseInt(getenv("WORKER_COUNT"), 5),
		WorkDir:   valueOrDefault(getenv("WORKER_TMP_DIR"), filepath.Join(os.TempDir(), "transcoder")),
		JobSource: strings.ToLower(valueOrDefault(getenv("JOB_SOURCE"), SourceKafka)),
		Kafka: KafkaConfig{
			Brokers:  splitList(valueOrDefault(getenv("KAFKA_BROKERS"), "localhost:9092")),
			Topic:    valueOrDefault(getenv("KAFKA_TOPIC"), "video-processing-queue"),
			GroupID:  valueOrDefault(getenv("KAFKA_GROUP_ID"), "video-processors"),
			TLS:      parseBool(getenv("KAFKA_TLS"), false),
			CAFile:   getenv("KAFKA_SSL_CA_LOCATION"),
			CertFile: getenv("KAFKA_SSL_CERT_LOCATION"),
			KeyFile:  getenv("KAFKA_SSL_KEY_LOCATION"),
		},
		Socket: SocketConfig{
			Path:      valueOrDefault(getenv("SOCKET_PATH"), "/tmp/videoprocd.sock"),
			QueueSize: parseInt(getenv("SOCKET_QUEUE_SIZE"), 64),
		},
		Redis: RedisConfig{
			Addr:        valueOrDefault(getenv("REDIS_ADDR"), "localhost:6379"),
			Password:    getenv("REDIS_PASSWORD"),
			DB:          parseInt(getenv("REDIS_DB"), 0),
			QueueKey:    valueOrDefault(getenv("REDIS_QUEUE_KEY"), "video:jobs:queue"),
			PollTimeout: parseDuration(getenv("QUEUE_POLL_TIMEOUT"), 5*time.Second),
		},
		StatusBackend: strings.ToLower(valueOrDefault(getenv("STATUS_BACKEND"), BackendRedis)),
		DatabaseURL:   getenv("DATABASE_URL"),
		Minio: MinioConfig{
			Endpoint:  valueOrDefault(getenv("MINIO_ENDPOINT"), "localhost:9000"),
			AccessKey: valueOrDefault(getenv("MINIO_ACCESS_KEY"), "minio"),
			SecretKey: valueOrDefault(getenv("MINIO_SECRET_KEY"), "minio123"),
			UseSSL:    parseBool(getenv("MINIO_USE_SSL"), false),
			Region:    getenv("MINIO_REGION"),
		},
		UnprocessedBucket: valueOrDefault(getenv("UNPROCESSED_BUCKET"), "unprocessed"),
		ProcessedBucket:   valueOrDefault(getenv("PROCESSED_BUCKET"), "processed"),
		KeyPrefix:         valueOrDefault(getenv("KEY_PREFIX"), "unprocessed/"),
		FFmpegPath:        valueOrDefault(getenv("FFMPEG_PATH"), "ffmpeg"),
		EncoderTimeout:    parseDuration(getenv("ENCODER_TIMEOUT"), 30*time.Minute),
		SegmentSeconds:    parseInt(getenv("SEGMENT_SECONDS"), 10),
		RetryBudget:       parseInt(getenv("RETRY_BUDGET"), 2),
		Renditions:        job.DefaultCatalog(),
		MetricsAddr:       valueOrDefault(getenv("METRICS_ADDR"), ":2112"),
		BackendAddr:       valueOrDefault(getenv("BACKEND_ADDR"), ":8080"),
		LogLevel:          getenv("LOG_LEVEL"),
		LogFormat:         getenv("LOG_FORMAT"),
	}
	if strings.EqualFold(strings.TrimSpace(getenv("METRICS_ADDR")), "off") {
		cfg.MetricsAddr = ""
	}

	if path := strings.TrimSpace(getenv("RENDITIONS_FILE")); path != "" {
		renditions, err := LoadRenditions(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Renditions = renditions
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type renditionsFile struct {
	Renditions []job.Rendition `yaml:"renditions"`
}

// LoadRenditions reads a YAML rendition catalog:
//
//	renditions:
//	  - label: 360p
//	    width: 640
//	    height: 360
//	    bitrate_kbps: 800
func LoadRenditions(path string) ([]job.Rendition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read renditions file: %w", err)
	}
	var doc renditionsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse renditions file %s: %w", path, err)
	}
	if err := job.ValidateCatalog(doc.Renditions); err != nil {
		return nil, fmt.Errorf("renditions file %s: %w", path, err)
	}
	return doc.Renditions, nil
}

// Validate reports every unusable setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.Workers))
	}
	if c.RetryBudget < 0 {
		errs = append(errs, fmt.Errorf("RETRY_BUDGET must not be negative, got %d", c.RetryBudget))
	}
	if c.EncoderTimeout <= 0 {
		errs = append(errs, errors.New("ENCODER_TIMEOUT must be positive"))
	}
	if c.SegmentSeconds <= 0 {
		errs = append(errs, errors.New("SEGMENT_SECONDS must be positive"))
	}
	if strings.TrimSpace(c.UnprocessedBucket) == "" || strings.TrimSpace(c.ProcessedBucket) == "" {
		errs = append(errs, errors.New("UNPROCESSED_BUCKET and PROCESSED_BUCKET are required"))
	}
	switch c.JobSource {
	case SourceKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka source"))
		}
	case SourceSocket:
		if strings.TrimSpace(c.Socket.Path) == "" {
			errs = append(errs, errors.New("SOCKET_PATH is required for the socket source"))
		}
	case SourceRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown JOB_SOURCE %q", c.JobSource))
	}
	switch c.StatusBackend {
	case BackendRedis, BackendMemory:
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres status backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STATUS_BACKEND %q", c.StatusBackend))
	}
	if err := job.ValidateCatalog(c.Renditions); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(value string, fallback bool) bool {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return b
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
