package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imalyk/go-video-transcoder/pkg/config"
	"github.com/imalyk/go-video-transcoder/pkg/job"
	"github.com/imalyk/go-video-transcoder/pkg/logging"
	"github.com/imalyk/go-video-transcoder/pkg/source"
	"github.com/imalyk/go-video-transcoder/pkg/status"
)

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, jobID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.ids = append(n.ids, jobID)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.ids...)
}

type downStore struct{ *status.MemoryStore }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func (downStore) Get(context.Context, string) (job.Status, bool, error) {
	return 0, false, errors.New("connection refused")
}

func newTestServer(store status.Backend, n notifier) http.Handler {
	return newServer(store, n, logging.New(logging.Config{Level: "error"})).routes()
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) statusResponse {
	t.Helper()
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealthz(t *testing.T) {
	rec := do(t, newTestServer(status.NewMemoryStore(), &recordingNotifier{}), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, newTestServer(downStore{status.NewMemoryStore()}, &recordingNotifier{}), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := newTestServer(status.NewMemoryStore(), &recordingNotifier{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestStatusLookup(t *testing.T) {
	store := status.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, status.SetStatus(ctx, store, "abc123", job.StatusRequested))
	_, _, err := status.Claim(ctx, store, "abc123")
	require.NoError(t, err)
	h := newTestServer(store, &recordingNotifier{})

	rec := do(t, h, http.MethodGet, "/status/abc123")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, statusResponse{JobID: "abc123", Status: "PROCESSING", Code: 1}, decodeStatus(t, rec))

	require.NoError(t, status.SetStatus(ctx, store, "abc123", job.StatusFailed))
	rec = do(t, h, http.MethodGet, "/status/abc123")
	assert.Equal(t, statusResponse{JobID: "abc123", Status: "FAILED", Code: -1}, decodeStatus(t, rec))

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/status/unknown").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/status/a%5Cb").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodDelete, "/status/abc123").Code)
}

func TestStatusStoreUnavailable(t *testing.T) {
	h := newTestServer(downStore{status.NewMemoryStore()}, &recordingNotifier{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/status/abc123").Code)
}

func TestSubmitRecordsAndNotifies(t *testing.T) {
	store := status.NewMemoryStore()
	n := &recordingNotifier{}
	h := newTestServer(store, n)

	rec := do(t, h, http.MethodPost, "/jobs/abc123")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, statusResponse{JobID: "abc123", Status: "REQUESTED", Code: 0}, decodeStatus(t, rec))
	assert.Equal(t, []job.Status{job.StatusRequested}, store.History("abc123"))
	assert.Equal(t, []string{"abc123"}, n.notified())

	// A resubmission while the job is pending re-notifies without touching
	// the record.
	rec = do(t, h, http.MethodPost, "/jobs/abc123")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, store.History("abc123"), 1)
	assert.Len(t, n.notified(), 2)
}

func TestSubmitTerminalJobIsNotRenotified(t *testing.T) {
	store := status.NewMemoryStore()
	ctx := context.Background()
	for _, s := range []job.Status{job.StatusRequested, job.StatusProcessing, job.StatusSucceeded} {
		_, err := store.Transition(ctx, "done", s)
		require.NoError(t, err)
	}
	n := &recordingNotifier{}

	rec := do(t, newTestServer(store, n), http.MethodPost, "/jobs/done")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SUCCEEDED", decodeStatus(t, rec).Status)
	assert.Empty(t, n.notified())
}

func TestSubmitNotifyFailure(t *testing.T) {
	n := &recordingNotifier{err: errors.New("connect: no such file or directory")}
	rec := do(t, newTestServer(status.NewMemoryStore(), n), http.MethodPost, "/jobs/abc123")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSubmitOverSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "be")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "videoprocd.sock")

	src, err := source.ListenSocket(source.SocketConfig{Path: path})
	require.NoError(t, err)
	defer src.Close()

	n, err := newNotifier(config.Config{JobSource: config.SourceSocket, Socket: config.SocketConfig{Path: path}})
	require.NoError(t, err)
	rec := do(t, newTestServer(status.NewMemoryStore(), n), http.MethodPost, "/jobs/abc123")
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ref, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc123", ref.ID)
}

func TestSubmitOverRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	n, err := newNotifier(config.Config{
		JobSource: config.SourceRedis,
		Redis:     config.RedisConfig{Addr: mr.Addr(), QueueKey: "video:jobs:queue"},
	})
	require.NoError(t, err)
	defer n.Close()

	rec := do(t, newTestServer(status.NewMemoryStore(), n), http.MethodPost, "/jobs/abc123")
	require.Equal(t, http.StatusAccepted, rec.Code)

	items, err := mr.List("video:jobs:queue")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"job_id":"abc123"}`}, items)
}

func TestNewNotifierKafkaIsNoop(t *testing.T) {
	n, err := newNotifier(config.Config{JobSource: config.SourceKafka})
	require.NoError(t, err)
	assert.NoError(t, n.Notify(context.Background(), "abc123"))

	_, err = newNotifier(config.Config{JobSource: "sqs"})
	assert.Error(t, err)
}
