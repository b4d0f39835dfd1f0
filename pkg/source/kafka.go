package source

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/imalyk/go-video-transcoder/pkg/job"
	"github.com/imalyk/go-video-transcoder/pkg/metrics"
)

// KafkaConfig configures the topic subscription.
type KafkaConfig struct {
	Brokers   []string
	Topic     string
	GroupID   string
	KeyPrefix string
	TLS       *tls.Config
	Logger    *slog.Logger
	// RetryBackoff is the pause after a transport error.
	RetryBackoff time.Duration
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes object-created events from a topic. Offsets are
// committed through job.Ref.Ack once a delivery has been handled, so a crash
// mid-pipeline leads to redelivery. Deliveries finish out of order across
// workers; a partition's committed offset never moves past a message that
// is still in flight.
type KafkaSource struct {
	reader  messageReader
	prefix  string
	backoff time.Duration
	logger  *slog.Logger

	mu sync.Mutex

	ackMu      sync.Mutex
	partitions map[int]*partitionOffsets
}

// partitionOffsets tracks fetched messages of one partition until they can be
// committed.
type partitionOffsets struct {
	inFlight map[int64]struct{}
	// done holds handled messages still waiting on a lower in-flight offset.
	done map[int64]kafka.Message
}

func NewKafka(cfg KafkaConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka: topic and group id are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
			TLS:       cfg.TLS,
		},
	})
	return newKafkaSource(reader, cfg), nil
}

func newKafkaSource(reader messageReader, cfg KafkaConfig) *KafkaSource {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	return &KafkaSource{
		reader:  reader,
		prefix:  cfg.KeyPrefix,
		backoff: backoff,
		logger:  logger.With("source", TransportKafka, "topic", cfg.Topic),

		partitions: make(map[int]*partitionOffsets),
	}
}

func (s *KafkaSource) Next(ctx context.Context) (job.Ref, error) {
	for {
		msg, err := s.fetch(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return job.Ref{}, ctxErr
			}
			if errors.Is(err, io.EOF) {
				return job.Ref{}, ErrClosed
			}
			s.logger.Warn("failed to fetch message", "error", err)
			if err := sleepCtx(ctx, s.backoff); err != nil {
				return job.Ref{}, err
			}
			continue
		}

		s.track(msg)
		id, err := ExtractJobID(msg.Value, s.prefix)
		if err != nil {
			s.logger.Warn("skipping malformed message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			metrics.SourceSkipped(TransportKafka, "malformed")
			if err := s.complete(ctx, msg); err != nil {
				s.logger.Warn("failed to commit skipped message", "offset", msg.Offset, "error", err)
			}
			continue
		}
		return job.NewRef(id, TransportKafka, func(ctx context.Context) error {
			return s.complete(ctx, msg)
		}), nil
	}
}

func (s *KafkaSource) fetch(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader.FetchMessage(ctx)
}

func (s *KafkaSource) track(msg kafka.Message) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	p, ok := s.partitions[msg.Partition]
	if !ok {
		p = &partitionOffsets{inFlight: make(map[int64]struct{}), done: make(map[int64]kafka.Message)}
		s.partitions[msg.Partition] = p
	}
	p.inFlight[msg.Offset] = struct{}{}
}

// complete marks msg as handled and commits the highest handled offset below
// the partition's lowest in-flight offset. Unacknowledged deliveries hold the
// partition's commit back until the group rebalances or the process restarts.
func (s *KafkaSource) complete(ctx context.Context, msg kafka.Message) error {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	p, ok := s.partitions[msg.Partition]
	if !ok {
		return s.reader.CommitMessages(ctx, msg)
	}
	delete(p.inFlight, msg.Offset)
	p.done[msg.Offset] = msg

	lowest := int64(math.MaxInt64)
	for off := range p.inFlight {
		lowest = min(lowest, off)
	}
	var (
		commit kafka.Message
		found  bool
	)
	for off, m := range p.done {
		if off < lowest && (!found || off > commit.Offset) {
			commit, found = m, true
		}
	}
	if !found {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, commit); err != nil {
		return err
	}
	for off := range p.done {
		if off <= commit.Offset {
			delete(p.done, off)
		}
	}
	return nil
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

// TLSFiles names the PEM files used for a TLS broker connection.
type TLSFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// LoadTLSConfig builds a client TLS configuration. Empty paths are skipped,
// so a CA-only or system-roots setup also works.
func LoadTLSConfig(files TLSFiles) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if files.CAFile != "" {
		pem, err := os.ReadFile(files.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read kafka ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("kafka ca %s: no certificates found", files.CAFile)
		}
		cfg.RootCAs = pool
	}
	if files.CertFile != "" || files.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load kafka client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
