// Package encoder drives the external transcoding engine.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/imalyk/go-video-transcoder/pkg/job"
	"github.com/imalyk/go-video-transcoder/pkg/manifest"
)

// ErrTimeout is returned when an invocation exceeds its deadline.
var ErrTimeout = errors.New("encoder timed out")

// Request describes a single rendition encode.
type Request struct {
	JobID     string
	Input     string
	OutputDir string
	Rendition job.Rendition
}

// Encoder produces one segmented rendition of an input file.
type Encoder interface {
	Encode(ctx context.Context, req Request) error
}

// FFmpegConfig configures FFmpeg. Zero values fall back to defaults.
type FFmpegConfig struct {
	Path           string
	Timeout        time.Duration
	SegmentSeconds int
	VideoCodec     string
	AudioCodec     string
	// KillGrace is how long ffmpeg gets after cancellation before Wait gives up
	// on its output pipes.
	KillGrace time.Duration
	Logger    *slog.Logger
}

const (
	defaultFFmpegPath     = "ffmpeg"
	defaultTimeout        = 30 * time.Minute
	defaultSegmentSeconds = 10
	defaultVideoCodec     = "libx264"
	defaultAudioCodec     = "aac"
	defaultKillGrace      = 5 * time.Second
	stderrTailBytes       = 4096
)

// FFmpeg runs the ffmpeg binary once per rendition.
type FFmpeg struct {
	cfg    FFmpegConfig
	logger *slog.Logger
}

func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = defaultFFmpegPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = defaultSegmentSeconds
	}
	if cfg.VideoCodec == "" {
		cfg.VideoCodec = defaultVideoCodec
	}
	if cfg.AudioCodec == "" {
		cfg.AudioCodec = defaultAudioCodec
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{cfg: cfg, logger: logger}
}

// PlaylistPath is where the media playlist for r is written.
func PlaylistPath(outputDir string, r job.Rendition) string {
	return filepath.Join(outputDir, manifest.PlaylistName(r.Label))
}

// SegmentPattern is the ffmpeg segment file pattern for r: {label}_{index:03d}.ts.
func SegmentPattern(outputDir string, r job.Rendition) string {
	return filepath.Join(outputDir, r.Label+"_%03d.ts")
}

// Args builds the ffmpeg argument list for req.
func (f *FFmpeg) Args(req Request) []string {
	r := req.Rendition
	return []string{
		"-y",
		"-nostdin",
		"-i", req.Input,
		"-vf", fmt.Sprintf("scale=%d:%d", r.Width, r.Height),
		"-c:v", f.cfg.VideoCodec,
		"-b:v", strconv.Itoa(r.BitrateKbps) + "k",
		"-c:a", f.cfg.AudioCodec,
		"-strict", "-2",
		"-f", "hls",
		"-hls_time", strconv.Itoa(f.cfg.SegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", SegmentPattern(req.OutputDir, r),
		"-start_number", "0",
		"-hls_list_size", "0",
		PlaylistPath(req.OutputDir, r),
	}
}

// Encode runs ffmpeg for one rendition, bounded by the configured timeout.
func (f *FFmpeg) Encode(ctx context.Context, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.cfg.Path, f.Args(req)...)
	setProcessGroup(cmd)
	cmd.WaitDelay = f.cfg.KillGrace
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr

	start := time.Now()
	f.logger.Debug("starting encoder", "job_id", req.JobID, "rendition", req.Rendition.Label, "args", strings.Join(cmd.Args, " "))
	err := cmd.Run()
	if err == nil {
		f.logger.Debug("encoder finished", "job_id", req.JobID, "rendition", req.Rendition.Label, "duration_ms", time.Since(start).Milliseconds())
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: rendition %s", ErrTimeout, f.cfg.Timeout, req.Rendition.Label)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("rendition %s: %w", req.Rendition.Label, ctxErr)
	}
	return fmt.Errorf("ffmpeg rendition %s: %w - %s", req.Rendition.Label, err, strings.TrimSpace(stderr.String()))
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
