package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-video-transcoder/pkg/job"
	"github.com/imalyk/go-video-transcoder/pkg/metrics"
)

// RedisConfig configures the list-backed queue.
type RedisConfig struct {
	QueueKey    string
	PollTimeout time.Duration
	Logger      *slog.Logger
}

// RedisSource pops job ids from a Redis list with BLPOP. Payloads are either
// a bare id or {"job_id": "..."}.
type RedisSource struct {
	client      *redis.Client
	queueKey    string
	pollTimeout time.Duration
	logger      *slog.Logger
}

type queueMessage struct {
	JobID string `json:"job_id"`
}

func NewRedis(client *redis.Client, cfg RedisConfig) *RedisSource {
	queueKey := cfg.QueueKey
	if queueKey == "" {
		queueKey = "video:jobs:queue"
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSource{
		client:      client,
		queueKey:    queueKey,
		pollTimeout: pollTimeout,
		logger:      logger.With("source", TransportRedis, "queue", queueKey),
	}
}

func (s *RedisSource) Next(ctx context.Context) (job.Ref, error) {
	for {
		if err := ctx.Err(); err != nil {
			return job.Ref{}, err
		}
		res, err := s.client.BLPop(ctx, s.pollTimeout, s.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return job.Ref{}, ctxErr
			}
			if errors.Is(err, redis.ErrClosed) {
				return job.Ref{}, ErrClosed
			}
			s.logger.Error("failed to pop from queue", "error", err)
			if err := sleepCtx(ctx, time.Second); err != nil {
				return job.Ref{}, err
			}
			continue
		}
		if len(res) < 2 {
			continue
		}
		id, err := parseQueuePayload(res[1])
		if err != nil {
			s.logger.Warn("invalid job payload", "error", err)
			metrics.SourceSkipped(TransportRedis, "malformed")
			continue
		}
		return job.NewRef(id, TransportRedis, nil), nil
	}
}

func parseQueuePayload(payload string) (string, error) {
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "{") {
		var msg queueMessage
		if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		trimmed = msg.JobID
	}
	if err := job.ValidateID(trimmed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return trimmed, nil
}

// Enqueue appends a job id to the queue.
func (s *RedisSource) Enqueue(ctx context.Context, jobID string) error {
	if err := job.ValidateID(jobID); err != nil {
		return err
	}
	payload, err := json.Marshal(queueMessage{JobID: jobID})
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.queueKey, payload).Err()
}

func (s *RedisSource) Close() error {
	return s.client.Close()
}
