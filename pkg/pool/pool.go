// Package pool runs a fixed number of workers that pull job ids from a
// source and hand them to the orchestrator.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/imalyk/go-video-transcoder/pkg/job"
	"github.com/imalyk/go-video-transcoder/pkg/source"
)

const (
	DefaultWorkers = 5

	defaultAckTimeout  = 10 * time.Second
	sourceErrorBackoff = time.Second
)

// Processor runs one delivery to completion.
type Processor interface {
	Process(ctx context.Context, ref job.Ref) job.Result
}

type Config struct {
	Workers   int
	Source    source.Source
	Processor Processor
	Logger    *slog.Logger
	// AckTimeout bounds a single transport acknowledgment.
	AckTimeout time.Duration
}

// Pool owns its workers from Start until Shutdown returns. Workers share
// nothing but the source and the in-flight set.
type Pool struct {
	workers    int
	src        source.Source
	processor  Processor
	ackTimeout time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	done   chan struct{}
	err    error

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

func New(cfg Config) (*Pool, error) {
	if cfg.Source == nil {
		return nil, errors.New("pool: source is required")
	}
	if cfg.Processor == nil {
		return nil, errors.New("pool: processor is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workers:    workers,
		src:        cfg.Source,
		processor:  cfg.Processor,
		ackTimeout: ackTimeout,
		logger:     logger,
		done:       make(chan struct{}),
		inFlight:   make(map[string]struct{}),
	}, nil
}

// Start launches the workers. Cancelling ctx has the same effect as Shutdown
// without a deadline. Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		id := i + 1
		p.group.Go(func() error {
			return p.worker(id)
		})
	}
	go func() {
		p.err = p.group.Wait()
		close(p.done)
	}()
	p.logger.Info("worker pool started", "workers", p.workers)
}

// Shutdown stops workers from taking new jobs and waits for in-flight jobs to
// finish, or for ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
		p.logger.Info("worker pool stopped")
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}
	<-p.done
	return p.err
}

func (p *Pool) worker(id int) error {
	logger := p.logger.With("worker", id)
	for {
		ref, err := p.src.Next(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, source.ErrClosed) {
				logger.Debug("worker exiting", "reason", err)
				return nil
			}
			logger.Error("job source failed", "error", err)
			select {
			case <-p.ctx.Done():
				return nil
			case <-time.After(sourceErrorBackoff):
			}
			continue
		}
		p.handle(logger, ref)
	}
}

func (p *Pool) handle(logger *slog.Logger, ref job.Ref) {
	logger = logger.With("job_id", ref.ID)
	// Jobs outlive shutdown so that they always reach cleanup.
	jobCtx := context.WithoutCancel(p.ctx)

	if !p.beginWork(ref.ID) {
		logger.Info("job already running on this worker pool, dropping duplicate delivery")
		p.ack(jobCtx, logger, ref)
		return
	}
	logger.Info("received job", "transport", ref.Transport)
	res := p.processor.Process(jobCtx, ref)
	p.finishWork(ref.ID)

	if res.ShouldAck() {
		p.ack(jobCtx, logger, ref)
	} else {
		logger.Warn("leaving delivery unacknowledged for redelivery", "outcome", res.Outcome, "error", res.Err)
	}
}

func (p *Pool) ack(ctx context.Context, logger *slog.Logger, ref job.Ref) {
	ctx, cancel := context.WithTimeout(ctx, p.ackTimeout)
	defer cancel()
	if err := ref.Ack(ctx); err != nil {
		logger.Error("failed to acknowledge delivery", "error", err)
	}
}

func (p *Pool) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pool) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}
