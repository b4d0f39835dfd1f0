package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imalyk/go-video-transcoder/pkg/job"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, SourceKafka, cfg.JobSource)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "video-processing-queue", cfg.Kafka.Topic)
	assert.Equal(t, "video-processors", cfg.Kafka.GroupID)
	assert.False(t, cfg.Kafka.TLS)
	assert.Equal(t, "/tmp/videoprocd.sock", cfg.Socket.Path)
	assert.Equal(t, 64, cfg.Socket.QueueSize)
	assert.Equal(t, "video:jobs:queue", cfg.Redis.QueueKey)
	assert.Equal(t, 5*time.Second, cfg.Redis.PollTimeout)
	assert.Equal(t, BackendRedis, cfg.StatusBackend)
	assert.Equal(t, "unprocessed", cfg.UnprocessedBucket)
	assert.Equal(t, "processed", cfg.ProcessedBucket)
	assert.Equal(t, "unprocessed/", cfg.KeyPrefix)
	assert.Equal(t, 30*time.Minute, cfg.EncoderTimeout)
	assert.Equal(t, 10, cfg.SegmentSeconds)
	assert.Equal(t, 2, cfg.RetryBudget)
	assert.Equal(t, ":2112", cfg.MetricsAddr)
	assert.Equal(t, filepath.Join(os.TempDir(), "transcoder"), cfg.WorkDir)
	if diff := cmp.Diff(job.DefaultCatalog(), cfg.Renditions); diff != "" {
		t.Fatalf("renditions mismatch (-want +got):\n%s", diff)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"WORKER_COUNT":          "8",
		"JOB_SOURCE":            "Socket",
		"KAFKA_BROKERS":         "k1:9093, k2:9093,",
		"KAFKA_TLS":             "true",
		"KAFKA_SSL_CA_LOCATION": "/etc/kafka/ca.pem",
		"STATUS_BACKEND":        "postgres",
		"DATABASE_URL":          "postgres://localhost/transcoder",
		"MINIO_USE_SSL":         "TRUE",
		"RETRY_BUDGET":          "0",
		"ENCODER_TIMEOUT":       "90s",
		"METRICS_ADDR":          "off",
		"REDIS_DB":              "not-a-number",
	}))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, SourceSocket, cfg.JobSource)
	assert.Equal(t, []string{"k1:9093", "k2:9093"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.TLS)
	assert.Equal(t, "/etc/kafka/ca.pem", cfg.Kafka.CAFile)
	assert.Equal(t, BackendPostgres, cfg.StatusBackend)
	assert.True(t, cfg.Minio.UseSSL)
	assert.Equal(t, 0, cfg.RetryBudget)
	assert.Equal(t, 90*time.Second, cfg.EncoderTimeout)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, 0, cfg.Redis.DB, "unparsable values fall back to the default")
}

func TestFromEnvValidation(t *testing.T) {
	tests := map[string]map[string]string{
		"no workers":            {"WORKER_COUNT": "0"},
		"negative retry budget": {"RETRY_BUDGET": "-1"},
		"unknown source":        {"JOB_SOURCE": "sqs"},
		"unknown backend":       {"STATUS_BACKEND": "etcd"},
		"postgres without dsn":  {"STATUS_BACKEND": "postgres"},
		"zero timeout":          {"ENCODER_TIMEOUT": "0s"},
		"missing renditions":    {"RENDITIONS_FILE": "/nonexistent/renditions.yaml"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := FromEnv(envMap(env))
			assert.Error(t, err)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg, err := FromEnv(envMap(nil))
	require.NoError(t, err)
	cfg.Workers = 0
	cfg.ProcessedBucket = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_COUNT")
	assert.Contains(t, err.Error(), "PROCESSED_BUCKET")
}

func TestLoadRenditions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "renditions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`renditions:
  - label: 480p
    width: 854
    height: 480
    bitrate_kbps: 1200
  - label: 1440p
    width: 2560
    height: 1440
    bitrate_kbps: 8000
`), 0o644))

	cfg, err := FromEnv(envMap(map[string]string{"RENDITIONS_FILE": path}))
	require.NoError(t, err)
	want := []job.Rendition{
		{Label: "480p", Width: 854, Height: 480, BitrateKbps: 1200},
		{Label: "1440p", Width: 2560, Height: 1440, BitrateKbps: 8000},
	}
	if diff := cmp.Diff(want, cfg.Renditions); diff != "" {
		t.Fatalf("renditions mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRenditionsRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "renditions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("renditions:\n  - label: 360p\n    width: 640\n    height: 360\n    bitrate: 800\n"), 0o644))
	_, err := LoadRenditions(path)
	assert.Error(t, err)
}

func TestLoadRenditionsRejectsEmptyCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "renditions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("renditions: []\n"), 0o644))
	_, err := LoadRenditions(path)
	assert.Error(t, err)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("KAFKA_GROUP_ID=from-dotenv\n"), 0o644))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("WORKER_COUNT", "3")
	t.Cleanup(func() { os.Unsetenv("KAFKA_GROUP_ID") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Kafka.GroupID)
	assert.Equal(t, 3, cfg.Workers)
}
