package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imalyk/go-video-transcoder/pkg/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcode_jobs (
	job_id     TEXT PRIMARY KEY,
	status     SMALLINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

var errConcurrentInsert = errors.New("concurrent insert")

// PostgresConfig describes the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	ApplicationName string
}

// PostgresStore keeps job statuses in the transcode_jobs table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the status table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create transcode_jobs: %w", err)
	}
	return nil
}

func (s *PostgresStore) Transition(ctx context.Context, jobID string, to job.Status) (Change, error) {
	// A missing row cannot be locked, so two first writers may race on the
	// insert. The loser retries and then sees the winner's row.
	for attempt := 0; ; attempt++ {
		change, err := s.transition(ctx, jobID, to)
		if errors.Is(err, errConcurrentInsert) && attempt == 0 {
			continue
		}
		return change, err
	}
}

func (s *PostgresStore) transition(ctx context.Context, jobID string, to job.Status) (Change, error) {
	var change Change
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var code int16
		err := tx.QueryRow(ctx, `SELECT status FROM transcode_jobs WHERE job_id = $1 FOR UPDATE`, jobID).Scan(&code)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("select status: %w", err)
		default:
			change.Existed = true
			change.Previous = job.Status(code)
		}
		if !job.CanTransition(change.Previous, change.Existed, to) {
			return nil
		}
		if change.Existed {
			if _, err := tx.Exec(ctx, `UPDATE transcode_jobs SET status = $2, updated_at = now() WHERE job_id = $1`, jobID, int16(to)); err != nil {
				return fmt.Errorf("update status: %w", err)
			}
		} else {
			tag, err := tx.Exec(ctx, `INSERT INTO transcode_jobs (job_id, status) VALUES ($1, $2) ON CONFLICT (job_id) DO NOTHING`, jobID, int16(to))
			if err != nil {
				return fmt.Errorf("insert status: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return errConcurrentInsert
			}
		}
		change.Applied = true
		return nil
	})
	if err != nil {
		return Change{}, err
	}
	return change, nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (job.Status, bool, error) {
	var code int16
	err := s.pool.QueryRow(ctx, `SELECT status FROM transcode_jobs WHERE job_id = $1`, jobID).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("postgres get status: %w", err)
	}
	return job.Status(code), true, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
