package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/policyrag/policyrag/internal/storage"
)

// JobTypeIndexerRun asks the search service to run a blob indexer.
const JobTypeIndexerRun = "indexer_run"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// IndexerRunner triggers an indexer on the search service.
type IndexerRunner interface {
	RunIndexer(ctx context.Context, name string) error
}

// Worker processes indexer_run jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	runner IndexerRunner
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 2s.
func NewWorker(store JobStore, runner IndexerRunner, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		store:  store,
		runner: runner,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// Start runs the worker in a new goroutine. The returned func blocks until
// Run has returned, so callers can close the store only after an in-flight
// job has been completed or failed.
func (w *Worker) Start(ctx context.Context) (wait func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	return func() { <-done }
}

// Drain processes every job that is ready now and returns how many were
// attempted. Jobs that fail are left to the store's backoff and are not
// retried within the same call.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		done, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !done {
			return n, nil
		}
		n++
	}
}

// RunOnce claims and processes a single indexer_run job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeIndexerRun})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type indexerPayload struct {
	Indexer  string `json:"indexer"`
	UploadID string `json:"upload_id,omitempty"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload indexerPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.Indexer == "" {
		return fmt.Errorf("job %s has no indexer name", job.ID)
	}

	if err := w.runner.RunIndexer(ctx, payload.Indexer); err != nil {
		return fmt.Errorf("running indexer %s: %w", payload.Indexer, err)
	}
	w.logger.Info("indexer run requested", "indexer", payload.Indexer, "upload_id", payload.UploadID)
	return nil
}
