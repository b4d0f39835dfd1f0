// Package pipeline runs one transcoding job from claim to cleanup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/imalyk/go-video-transcoder/pkg/encoder"
	"github.com/imalyk/go-video-transcoder/pkg/job"
	"github.com/imalyk/go-video-transcoder/pkg/manifest"
	"github.com/imalyk/go-video-transcoder/pkg/metrics"
	"github.com/imalyk/go-video-transcoder/pkg/status"
	"github.com/imalyk/go-video-transcoder/pkg/storage"
)

// DefaultRetryBudget is the number of whole-ladder retries after the first
// encode attempt.
const DefaultRetryBudget = 2

// Config controls where the orchestrator reads from and writes to.
type Config struct {
	// WorkRoot holds one workspace directory per running job.
	WorkRoot          string
	UnprocessedBucket string
	ProcessedBucket   string
	Renditions        []job.Rendition
	// RetryBudget is the number of retries after the first attempt. Negative
	// values are treated as zero.
	RetryBudget int
	Logger      *slog.Logger
}

// Orchestrator executes the per-job state machine. It is safe for concurrent
// use by several workers as long as they handle different job ids.
type Orchestrator struct {
	cfg     Config
	storage storage.Gateway
	status  status.Store
	encoder encoder.Encoder
	logger  *slog.Logger

	removeAll func(path string) error
}

func New(cfg Config, gw storage.Gateway, store status.Store, enc encoder.Encoder) (*Orchestrator, error) {
	if gw == nil || store == nil || enc == nil {
		return nil, errors.New("pipeline: storage, status store and encoder are required")
	}
	if cfg.WorkRoot == "" {
		return nil, errors.New("pipeline: work root is required")
	}
	if cfg.UnprocessedBucket == "" || cfg.ProcessedBucket == "" {
		return nil, errors.New("pipeline: both buckets are required")
	}
	if err := job.ValidateCatalog(cfg.Renditions); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	cfg.Renditions = job.CloneCatalog(cfg.Renditions)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		storage: gw,
		status:  store,
		encoder: enc,
		logger:  logger,

		removeAll: os.RemoveAll,
	}, nil
}

// Workspace returns the scratch directory used for jobID.
func (o *Orchestrator) Workspace(jobID string) string {
	return filepath.Join(o.cfg.WorkRoot, jobID)
}

// Process runs the pipeline for ref. Job-level failures are recorded in the
// status store and reported through the Result; they never panic or escape
// as errors. The workspace is gone when Process returns.
func (o *Orchestrator) Process(ctx context.Context, ref job.Ref) job.Result {
	start := time.Now()
	metrics.JobStarted()
	res := o.process(ctx, ref)
	metrics.JobFinished()
	metrics.ObserveJob(string(res.Outcome), time.Since(start))
	return res
}

func (o *Orchestrator) process(ctx context.Context, ref job.Ref) job.Result {
	id := ref.ID
	logger := o.logger.With("job_id", id, "transport", ref.Transport)
	res := job.Result{JobID: id}

	if err := job.ValidateID(id); err != nil {
		logger.Error("refusing job with invalid id", "error", err)
		res.Outcome = job.OutcomeSkipped
		res.Err = err
		return res
	}

	claimed, previous, err := status.Claim(ctx, o.status, id)
	if err != nil {
		logger.Error("failed to claim job", "error", err)
		res.Outcome = job.OutcomeAborted
		res.Err = err
		return res
	}
	if !claimed {
		logger.Info("job already finished, skipping", "status", previous.String())
		res.Outcome = job.OutcomeSkipped
		return res
	}
	logger.Info("job claimed", "previous_status", previous.String())

	ws := o.Workspace(id)
	defer o.cleanup(logger, ws)

	inputPath, outputDir, err := prepareWorkspace(ws, id)
	if err != nil {
		return o.fail(ctx, logger, res, fmt.Errorf("prepare workspace: %w", err))
	}

	if err := o.storage.Fetch(ctx, o.cfg.UnprocessedBucket, id, inputPath); err != nil {
		return o.fail(ctx, logger, res, fmt.Errorf("fetch input: %w", err))
	}
	logger.Debug("input fetched", "path", inputPath)

	attempts, err := o.transcode(ctx, logger, id, inputPath, outputDir)
	res.Attempts = attempts
	if err != nil {
		return o.fail(ctx, logger, res, fmt.Errorf("transcode after %d attempts: %w", attempts, err))
	}

	masterPath := filepath.Join(outputDir, manifest.MasterName)
	if err := os.WriteFile(masterPath, manifest.Build(id, o.cfg.Renditions), 0o644); err != nil {
		return o.fail(ctx, logger, res, fmt.Errorf("write manifest: %w", err))
	}

	uploaded, err := o.publish(ctx, logger, id, outputDir)
	if err != nil {
		return o.fail(ctx, logger, res, fmt.Errorf("publish outputs: %w", err))
	}

	if err := status.SetStatus(ctx, o.status, id, job.StatusSucceeded); err != nil {
		if errors.Is(err, status.ErrTransitionRejected) {
			logger.Warn("job finished elsewhere while publishing", "error", err)
			res.Outcome = job.OutcomeSkipped
			res.Err = err
			return res
		}
		// Outputs are published but the record still says PROCESSING; a
		// redelivery re-claims and redoes the job.
		logger.Error("failed to mark job succeeded", "error", err)
		res.Outcome = job.OutcomeAborted
		res.Err = err
		return res
	}

	if err := o.storage.Delete(ctx, o.cfg.UnprocessedBucket, id); err != nil {
		logger.Warn("failed to delete source object", "bucket", o.cfg.UnprocessedBucket, "error", err)
	}

	logger.Info("job completed", "attempts", attempts, "objects", uploaded)
	res.Outcome = job.OutcomeSucceeded
	return res
}

// prepareWorkspace creates {ws}/input and {ws}/output, discarding whatever a
// crashed run may have left behind.
func prepareWorkspace(ws, jobID string) (inputPath, outputDir string, err error) {
	if err := os.RemoveAll(ws); err != nil {
		return "", "", err
	}
	inputDir := filepath.Join(ws, "input")
	outputDir = filepath.Join(ws, "output")
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", err
		}
	}
	return filepath.Join(inputDir, jobID), outputDir, nil
}

// transcode encodes the full ladder, retrying the whole ladder up to the
// retry budget. Partial outputs are purged between attempts and after the
// last failure.
func (o *Orchestrator) transcode(ctx context.Context, logger *slog.Logger, id, input, outputDir string) (int, error) {
	maxAttempts := o.cfg.RetryBudget + 1
	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if attempt > 1 {
			if err := purgeDir(outputDir); err != nil {
				logger.Warn("failed to purge partial outputs", "error", err)
			}
		}

		lastErr = o.encodeLadder(ctx, id, input, outputDir)
		if lastErr == nil {
			metrics.EncoderAttempt("success")
			return attempt, nil
		}
		if errors.Is(lastErr, encoder.ErrTimeout) {
			metrics.EncoderAttempt("timeout")
		} else {
			metrics.EncoderAttempt("failure")
		}
		logger.Warn("encode attempt failed", "attempt", attempt, "max_attempts", maxAttempts, "error", lastErr)

		if ctx.Err() != nil {
			break
		}
	}
	if err := purgeDir(outputDir); err != nil {
		logger.Warn("failed to purge partial outputs", "error", err)
	}
	return attempt, lastErr
}

func (o *Orchestrator) encodeLadder(ctx context.Context, id, input, outputDir string) error {
	for _, r := range o.cfg.Renditions {
		req := encoder.Request{
			JobID:     id,
			Input:     input,
			OutputDir: outputDir,
			Rendition: r,
		}
		if err := o.encoder.Encode(ctx, req); err != nil {
			return fmt.Errorf("rendition %s: %w", r.Label, err)
		}
	}
	return nil
}

// publish uploads every file in outputDir as {jobID}/{name}, in name order.
// The first failure stops the upload and removes what was already published.
func (o *Orchestrator) publish(ctx context.Context, logger *slog.Logger, id, outputDir string) (int, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return 0, err
	}
	var uploaded []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		key := path.Join(id, entry.Name())
		if err := o.storage.Upload(ctx, o.cfg.ProcessedBucket, key, filepath.Join(outputDir, entry.Name())); err != nil {
			metrics.Upload(false)
			o.rollback(ctx, logger, uploaded)
			return len(uploaded), fmt.Errorf("upload %s: %w", key, err)
		}
		metrics.Upload(true)
		uploaded = append(uploaded, key)
	}
	if len(uploaded) == 0 {
		return 0, errors.New("no output files produced")
	}
	return len(uploaded), nil
}

func (o *Orchestrator) rollback(ctx context.Context, logger *slog.Logger, keys []string) {
	for _, key := range keys {
		if err := o.storage.Delete(ctx, o.cfg.ProcessedBucket, key); err != nil {
			logger.Warn("failed to remove partially published object", "key", key, "error", err)
		}
	}
}

// fail records FAILED for the job. A store error is logged; the job outcome
// stays failed either way.
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, res job.Result, cause error) job.Result {
	logger.Error("job failed", "attempts", res.Attempts, "error", cause)
	if err := status.SetStatus(ctx, o.status, res.JobID, job.StatusFailed); err != nil {
		logger.Error("failed to mark job failed", "error", err)
	}
	res.Outcome = job.OutcomeFailed
	res.Err = cause
	return res
}

func (o *Orchestrator) cleanup(logger *slog.Logger, ws string) {
	if err := o.removeAll(ws); err != nil {
		logger.Error("failed to remove workspace", "path", ws, "error", err)
	}
}

func purgeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var firstErr error
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
