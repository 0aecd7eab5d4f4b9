// Package jobqueue backs the optional "serve" mode: a Postgres-backed
// queue of build jobs plus an HTTP API to submit and watch them,
// following the same connection-pool and query shape the original
// service's job store used.
package jobqueue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Config is the subset of internal/config.JobQueueConfig the store needs.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Status values a BuildJob can hold.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// BuildJob is one queued request to build a set of tiles.
type BuildJob struct {
	ID             string
	TileSet        string // e.g. "+47+008,+47+009" or a bucket spec
	Status         string
	CurrentStage   *string
	TilesTotal     int
	TilesCompleted int
	ErrorMessage   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Store wraps the Postgres connection backing the build job queue.
type Store struct {
	conn *sql.DB
}

// Open connects to Postgres, pings it, and configures the pool the same
// way the rest of the pipeline's database access does.
func Open(cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("jobqueue: ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	slog.Info("jobqueue connected to database")
	return &Store{conn: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.conn.Close() }

// CreateJob inserts a new build job row.
func (s *Store) CreateJob(ctx context.Context, job *BuildJob) error {
	query := `
		INSERT INTO build_job (id, tile_set, status, tiles_total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.conn.ExecContext(ctx, query,
		job.ID, job.TileSet, job.Status, job.TilesTotal, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("jobqueue: create job: %w", err)
	}
	return nil
}

// GetPendingJobs retrieves up to limit pending jobs, oldest first.
func (s *Store) GetPendingJobs(ctx context.Context, limit int) ([]*BuildJob, error) {
	query := `
		SELECT id, tile_set, status, current_stage, tiles_total, tiles_completed,
		       error_message, created_at, updated_at, started_at, completed_at
		FROM build_job
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: query pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*BuildJob
	for rows.Next() {
		job := &BuildJob{}
		if err := rows.Scan(
			&job.ID, &job.TileSet, &job.Status, &job.CurrentStage,
			&job.TilesTotal, &job.TilesCompleted, &job.ErrorMessage,
			&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt,
		); err != nil {
			slog.Error("jobqueue: failed to scan job row", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobqueue: iterate pending jobs: %w", err)
	}
	return jobs, nil
}

// GetJobByID retrieves a single job.
func (s *Store) GetJobByID(ctx context.Context, jobID string) (*BuildJob, error) {
	query := `
		SELECT id, tile_set, status, current_stage, tiles_total, tiles_completed,
		       error_message, created_at, updated_at, started_at, completed_at
		FROM build_job
		WHERE id = $1
	`
	job := &BuildJob{}
	err := s.conn.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.TileSet, &job.Status, &job.CurrentStage,
		&job.TilesTotal, &job.TilesCompleted, &job.ErrorMessage,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("jobqueue: job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("jobqueue: query job: %w", err)
	}
	return job, nil
}

// UpdateStatus transitions a job's status, stamping started_at on first
// transition out of pending.
func (s *Store) UpdateStatus(ctx context.Context, jobID, status string) error {
	query := `
		UPDATE build_job
		SET status = $1, updated_at = NOW(),
		    started_at = CASE WHEN started_at IS NULL THEN NOW() ELSE started_at END
		WHERE id = $2
	`
	result, err := s.conn.ExecContext(ctx, query, status, jobID)
	if err != nil {
		return fmt.Errorf("jobqueue: update status: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("jobqueue: job not found: %s", jobID)
	}
	return nil
}

// UpdateProgress records how many tiles have completed so far.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, tilesCompleted int, stage string) error {
	query := `
		UPDATE build_job
		SET tiles_completed = $1, current_stage = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := s.conn.ExecContext(ctx, query, tilesCompleted, stage, jobID)
	if err != nil {
		return fmt.Errorf("jobqueue: update progress: %w", err)
	}
	return nil
}

// Fail marks a job failed with an error message.
func (s *Store) Fail(ctx context.Context, jobID, errMsg string) error {
	query := `
		UPDATE build_job
		SET status = 'failed', error_message = $1, updated_at = NOW()
		WHERE id = $2
	`
	_, err := s.conn.ExecContext(ctx, query, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("jobqueue: mark failed: %w", err)
	}
	return nil
}

// Complete marks a job completed.
func (s *Store) Complete(ctx context.Context, jobID string, tilesCompleted int) error {
	query := `
		UPDATE build_job
		SET status = 'completed', tiles_completed = $1, completed_at = NOW(), updated_at = NOW()
		WHERE id = $2
	`
	result, err := s.conn.ExecContext(ctx, query, tilesCompleted, jobID)
	if err != nil {
		return fmt.Errorf("jobqueue: complete job: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("jobqueue: job not found: %s", jobID)
	}
	return nil
}
