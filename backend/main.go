package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-video-transcoder/pkg/config"
	"github.com/imalyk/go-video-transcoder/pkg/job"
	"github.com/imalyk/go-video-transcoder/pkg/logging"
	"github.com/imalyk/go-video-transcoder/pkg/source"
	"github.com/imalyk/go-video-transcoder/pkg/status"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	store, err := status.Open(startCtx, status.OpenOptions{
		Backend: cfg.StatusBackend,
		Redis: &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		PostgresDSN:     cfg.DatabaseURL,
		ApplicationName: "transcoder-backend",
	})
	cancel()
	if err != nil {
		logger.Error("failed to open status store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	n, err := newNotifier(cfg)
	if err != nil {
		logger.Error("failed to create notifier", "error", err)
		os.Exit(1)
	}
	defer n.Close()

	srv := &http.Server{
		Addr:              cfg.BackendAddr,
		Handler:           newServer(store, n, logger).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting backend", "addr", cfg.BackendAddr, "job_source", cfg.JobSource)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("backend stopped with error", "error", err)
		os.Exit(1)
	}
}

// notifier tells the workers that a job is ready.
type notifier interface {
	Notify(ctx context.Context, jobID string) error
	Close() error
}

type socketNotifier struct{ path string }

func (n socketNotifier) Notify(ctx context.Context, jobID string) error {
	return source.Notify(ctx, n.path, jobID)
}

func (socketNotifier) Close() error { return nil }

type queueNotifier struct{ queue *source.RedisSource }

func (n queueNotifier) Notify(ctx context.Context, jobID string) error {
	return n.queue.Enqueue(ctx, jobID)
}

func (n queueNotifier) Close() error { return n.queue.Close() }

// eventNotifier is used with the kafka source, where storage events announce
// new jobs on their own.
type eventNotifier struct{}

func (eventNotifier) Notify(context.Context, string) error { return nil }

func (eventNotifier) Close() error { return nil }

func newNotifier(cfg config.Config) (notifier, error) {
	switch cfg.JobSource {
	case config.SourceSocket:
		return socketNotifier{path: cfg.Socket.Path}, nil
	case config.SourceRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return queueNotifier{queue: source.NewRedis(client, source.RedisConfig{QueueKey: cfg.Redis.QueueKey})}, nil
	case config.SourceKafka:
		return eventNotifier{}, nil
	default:
		return nil, errors.New("unknown job source " + cfg.JobSource)
	}
}

type server struct {
	store    status.Backend
	notifier notifier
	logger   *slog.Logger
}

func newServer(store status.Backend, n notifier, logger *slog.Logger) *server {
	return &server{store: store, notifier: n, logger: logging.WithComponent(logger, "api")}
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID)
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/status/{id}", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.submitHandler).Methods(http.MethodPost)
	return r
}

func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

type statusResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Code   int    `json:"code"`
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		logging.FromContext(r.Context(), s.logger).Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) statusHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := job.ValidateID(jobID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st, ok, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		logging.FromContext(r.Context(), s.logger).Error("status lookup failed", "job_id", jobID, "error", err)
		http.Error(w, "status store unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, "Job Not Found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{JobID: jobID, Status: st.String(), Code: int(st)})
}

// submitHandler records REQUESTED for a freshly uploaded object and wakes a
// worker. Resubmitting a known job only repeats the notification.
func (s *server) submitHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := job.ValidateID(jobID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	logger := logging.FromContext(r.Context(), s.logger).With("job_id", jobID)

	change, err := s.store.Transition(r.Context(), jobID, job.StatusRequested)
	if err != nil {
		logger.Error("failed to record job", "error", err)
		http.Error(w, "status store unavailable", http.StatusServiceUnavailable)
		return
	}
	current := job.StatusRequested
	if !change.Applied {
		current = change.Previous
	}
	if current.Terminal() {
		writeJSON(w, http.StatusOK, statusResponse{JobID: jobID, Status: current.String(), Code: int(current)})
		return
	}

	if err := s.notifier.Notify(r.Context(), jobID); err != nil {
		logger.Error("failed to notify worker", "error", err)
		http.Error(w, "worker notification failed", http.StatusBadGateway)
		return
	}
	logger.Info("job submitted", "status", current.String())
	writeJSON(w, http.StatusAccepted, statusResponse{JobID: jobID, Status: current.String(), Code: int(current)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
