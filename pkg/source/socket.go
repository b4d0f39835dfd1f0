package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/imalyk/go-video-transcoder/pkg/job"
	"github.com/imalyk/go-video-transcoder/pkg/metrics"
)

const (
	// MaxNotifySize is the largest job id a socket notification may carry.
	MaxNotifySize = 100

	defaultSocketQueueSize   = 64
	defaultSocketReadTimeout = 2 * time.Second
	// notifyIdleTimeout ends a read once an unterminated id has stopped
	// arriving.
	notifyIdleTimeout = 100 * time.Millisecond
)

// SocketConfig configures the local notification listener.
type SocketConfig struct {
	Path        string
	QueueSize   int
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

// SocketSource accepts one job id per connection on a unix socket and hands
// them to workers through a bounded queue. Connections are read concurrently,
// at most queue-size at a time; a full queue stalls the listener, which in
// turn stalls notifiers.
type SocketSource struct {
	path        string
	listener    net.Listener
	queue       chan string
	readers     chan struct{}
	readTimeout time.Duration
	logger      *slog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// ListenSocket binds the socket, replacing a stale socket file left by a
// previous process, and starts the accept loop.
func ListenSocket(cfg SocketConfig) (*SocketSource, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("socket path is required")
	}
	if err := removeStaleSocket(cfg.Path); err != nil {
		return nil, err
	}
	listener, err := net.Listen("unix", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Path, err)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultSocketQueueSize
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultSocketReadTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &SocketSource{
		path:        cfg.Path,
		listener:    listener,
		queue:       make(chan string, queueSize),
		readers:     make(chan struct{}, queueSize),
		readTimeout: readTimeout,
		logger:      logger.With("source", TransportSocket, "path", cfg.Path),
		done:        make(chan struct{}),
		conns:       make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket %s: %w", path, err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}

func (s *SocketSource) acceptLoop() {
	defer s.wg.Done()
	for {
		select {
		case s.readers <- struct{}{}:
		case <-s.done:
			return
		}
		conn, err := s.listener.Accept()
		if err != nil {
			<-s.readers
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if !s.addConn(conn) {
			_ = conn.Close()
			<-s.readers
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *SocketSource) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.readers }()

	id, err := s.readID(conn)
	s.removeConn(conn)
	if err != nil {
		select {
		case <-s.done:
			return
		default:
		}
		s.logger.Warn("discarding notification", "error", err)
		metrics.SourceSkipped(TransportSocket, "malformed")
		return
	}
	select {
	case s.queue <- id:
		s.logger.Debug("queued job", "job_id", id)
	case <-s.done:
	}
}

// addConn registers conn so Close can interrupt its read. It reports false
// once the source is closing.
func (s *SocketSource) addConn(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *SocketSource) removeConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	_ = conn.Close()
}

func (s *SocketSource) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

// readID reads until a newline or NUL, MaxNotifySize bytes, EOF, or the read
// deadline, whichever comes first. Once bytes have arrived the deadline
// shrinks to notifyIdleTimeout, since legacy notifiers never terminate the id
// or close the connection.
func (s *SocketSource) readID(conn net.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	buf := make([]byte, 0, MaxNotifySize)
	chunk := make([]byte, MaxNotifySize)
	for len(buf) < MaxNotifySize {
		n, err := conn.Read(chunk[:MaxNotifySize-len(buf)])
		buf = append(buf, chunk[:n]...)
		if bytes.IndexAny(buf, "\n\x00") >= 0 {
			break
		}
		if n > 0 && err == nil {
			_ = conn.SetReadDeadline(time.Now().Add(min(notifyIdleTimeout, s.readTimeout)))
		}
		if err != nil {
			var netErr net.Error
			if errors.Is(err, io.EOF) || (errors.As(err, &netErr) && netErr.Timeout() && len(buf) > 0) {
				break
			}
			return "", fmt.Errorf("read notification: %w", err)
		}
	}
	return ParseNotification(buf)
}

// ParseNotification extracts the job id from a raw socket payload.
func ParseNotification(raw []byte) (string, error) {
	if i := bytes.IndexAny(raw, "\n\x00"); i >= 0 {
		raw = raw[:i]
	}
	id := strings.TrimSpace(string(raw))
	if err := job.ValidateID(id); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return id, nil
}

func (s *SocketSource) Next(ctx context.Context) (job.Ref, error) {
	select {
	case <-s.done:
		return job.Ref{}, ErrClosed
	default:
	}
	select {
	case id := <-s.queue:
		return job.NewRef(id, TransportSocket, nil), nil
	case <-ctx.Done():
		return job.Ref{}, ctx.Err()
	case <-s.done:
		return job.Ref{}, ErrClosed
	}
}

// Close stops the listener and removes the socket file. Ids still queued are
// dropped; their records stay REQUESTED until notified again.
func (s *SocketSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.listener.Close()
		s.closeConns()
		s.wg.Wait()
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
			err = rmErr
		}
	})
	return err
}

// Notify sends a job id to a worker listening on socketPath.
func Notify(ctx context.Context, socketPath, jobID string) error {
	if err := job.ValidateID(jobID); err != nil {
		return err
	}
	if len(jobID)+1 > MaxNotifySize {
		return fmt.Errorf("job id longer than %d bytes", MaxNotifySize-1)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect %s: %w", socketPath, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := io.WriteString(conn, jobID+"\n"); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}
