package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/trannm/ingest-be/internal/blob"
	"github.com/trannm/ingest-be/internal/jobs/domain"
	"github.com/trannm/ingest-be/internal/jobs/queue"
	"github.com/trannm/ingest-be/internal/jobs/store"
	"github.com/trannm/ingest-be/internal/pipeline"
)

// ExecutorConfig holds worker pool configuration.
type ExecutorConfig struct {
	WorkerID    string
	Concurrency int
	// BatchSize bounds how many records one DATABASE-stage persist call
	// covers; cancellation and progress are observed at batch boundaries.
	BatchSize int
	// RetryBackoffBase and RetryBackoffMax bound the exponential backoff
	// applied before a retrying task re-enters its lane.
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
}

// Executor runs the worker pool: each worker repeatedly dequeues the
// highest-priority available task and drives it through the pipeline
// stages, checkpointing progress through the manager.
type Executor struct {
	manager *Manager
	store   store.Store
	queue   queue.Queue
	blobs   blob.Store
	collab  pipeline.Collaborators
	logger  *slog.Logger
	cfg     ExecutorConfig

	wg     sync.WaitGroup
	cancel context.CancelFunc
	runCtx context.Context
}

// NewExecutor creates a worker pool over the given collaborators.
func NewExecutor(mgr *Manager, st store.Store, q queue.Queue, blobs blob.Store, collab pipeline.Collaborators, logger *slog.Logger, cfg ExecutorConfig) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = 2 * time.Second
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = 2 * time.Minute
	}
	return &Executor{
		manager: mgr,
		store:   st,
		queue:   q,
		blobs:   blobs,
		collab:  collab,
		logger:  logger,
		cfg:     cfg,
	}
}

// Start spawns the worker goroutines.
func (e *Executor) Start(ctx context.Context) {
	e.runCtx, e.cancel = context.WithCancel(ctx)

	e.logger.Info("Spawning worker pool",
		slog.Int("concurrency", e.cfg.Concurrency),
		slog.String("worker_id", e.cfg.WorkerID),
	)
	for i := 0; i < e.cfg.Concurrency; i++ {
		e.wg.Add(1)
		go e.workerLoop(e.runCtx, i)
	}
}

// Stop cancels the pool and waits for in-flight jobs to reach their next
// suspension point or terminal state.
func (e *Executor) Stop() {
	e.logger.Info("Stopping worker pool...")
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("Worker pool stopped")
}

// workerLoop is the main processing loop for each worker goroutine.
func (e *Executor) workerLoop(ctx context.Context, workerNum int) {
	defer e.wg.Done()

	workerName := fmt.Sprintf("%s-%d", e.cfg.WorkerID, workerNum)
	e.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		task, err := e.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.logger.Info("Worker goroutine stopping - context canceled",
					slog.String("worker_name", workerName),
				)
				return
			}
			e.logger.Error("Failed to pop task",
				slog.String("worker_name", workerName),
				slog.String("error", err.Error()),
			)
			time.Sleep(time.Second)
			continue
		}

		e.logger.Info("Worker received task",
			slog.String("worker_name", workerName),
			slog.String("job_id", task.JobID),
			slog.String("priority", string(task.Priority)),
		)

		// A single job's failure never aborts the worker loop.
		e.execute(ctx, workerName, task)
	}
}

// execute drives one task through the pipeline.
func (e *Executor) execute(ctx context.Context, workerName string, task domain.Task) {
	record, err := e.store.Get(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			e.logger.Debug("Skipping task for absent or expired job",
				slog.String("job_id", task.JobID),
			)
			return
		}
		e.logger.Error("Failed to load job record",
			slog.String("job_id", task.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	// Only a freshly queued or retrying task is runnable; anything else
	// (e.g. cancelled while queued) is dropped.
	if record.State != domain.JobStateQueued && record.State != domain.JobStateRetrying {
		e.logger.Debug("Skipping task in non-runnable state",
			slog.String("job_id", task.JobID),
			slog.String("state", string(record.State)),
		)
		return
	}

	if err := e.manager.UpdateProgress(ctx, task.JobID, ProgressUpdate{
		State:   domain.JobStateStarted,
		Message: "job started",
	}); err != nil {
		e.logger.Warn("Failed to claim job",
			slog.String("job_id", task.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	budget := time.Duration(record.TimeoutSeconds) * time.Second
	jobCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	// Supervising timer: the state transition happens when the budget is
	// exceeded even if the running stage cannot be interrupted. The
	// best-effort interrupt rides jobCtx.
	writeCtx := context.WithoutCancel(ctx)
	supervisor := time.AfterFunc(budget, func() {
		e.manager.ForceTimeout(writeCtx, task.JobID)
	})
	defer supervisor.Stop()

	err = e.runPipeline(jobCtx, record)
	if err == nil {
		e.logger.Info("Job completed successfully",
			slog.String("worker_name", workerName),
			slog.String("job_id", task.JobID),
		)
		return
	}

	if errors.Is(err, domain.ErrJobFinished) {
		// Cancelled or timed out underneath us; the terminal transition
		// is already persisted and published.
		e.logger.Info("Job finished underneath worker, abandoning task",
			slog.String("worker_name", workerName),
			slog.String("job_id", task.JobID),
		)
		return
	}

	retrying, failErr := e.manager.Fail(writeCtx, task.JobID, stageOf(err), err)
	if failErr != nil {
		if !errors.Is(failErr, domain.ErrJobFinished) {
			e.logger.Error("Failed to record job failure",
				slog.String("job_id", task.JobID),
				slog.String("error", failErr.Error()),
			)
		}
		return
	}
	if retrying {
		e.scheduleRetry(task, record.RetryCount+1)
	}
}

// scheduleRetry re-pushes the task onto its lane after an exponential
// backoff with full jitter.
func (e *Executor) scheduleRetry(task domain.Task, attempt int) {
	delay := e.backoff(attempt)
	e.logger.Info("Retry scheduled",
		slog.String("job_id", task.JobID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-time.After(delay):
		case <-e.runCtx.Done():
			// Shutting down: requeue immediately so the task survives.
		}
		if err := e.manager.Requeue(context.WithoutCancel(e.runCtx), task.JobID, task.Priority); err != nil {
			e.logger.Error("Failed to requeue retrying job",
				slog.String("job_id", task.JobID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.RetryBackoffBase
	for i := 1; i < attempt && d < e.cfg.RetryBackoffMax; i++ {
		d *= 2
	}
	if d > e.cfg.RetryBackoffMax {
		d = e.cfg.RetryBackoffMax
	}
	// Full jitter keeps synchronized retries from thundering the store.
	return time.Duration(rand.Int63n(int64(d)))
}

// runPipeline executes the ordered stages, mapping each stage's outcome to
// a progress checkpoint within its reserved percentage sub-range. Every
// checkpoint doubles as the cooperative cancellation check: a terminal
// record surfaces as domain.ErrJobFinished.
func (e *Executor) runPipeline(ctx context.Context, record *domain.JobRecord) error {
	jobID := record.JobID

	checkpoint := func(stage domain.Stage, fraction float64, message string) error {
		return e.manager.UpdateProgress(ctx, jobID, ProgressUpdate{
			State:      domain.JobStateProcessing,
			Percentage: domain.StageProgress(stage, fraction),
			Stage:      stage,
			Message:    message,
		})
	}

	// VALIDATION
	if err := checkpoint(domain.StageValidation, 0, "validating payload"); err != nil {
		return err
	}
	payload, err := e.blobs.Get(ctx, record.PayloadRef)
	if err != nil {
		return domain.NewStageError(domain.StageValidation, domain.FailureTransient, err)
	}
	validation, err := e.collab.Validator.Validate(ctx, payload)
	if err != nil {
		return domain.NewStageError(domain.StageValidation, domain.FailureTransient, err)
	}
	if !validation.Passed {
		return domain.NewStageError(domain.StageValidation, domain.FailureValidation,
			fmt.Errorf("payload rejected: %v", validation.Diagnostics))
	}
	if err := checkpoint(domain.StageValidation, 1, "payload validated"); err != nil {
		return err
	}

	// SCANNING
	scan, err := e.collab.Scanner.Scan(ctx, payload)
	if err != nil {
		return domain.NewStageError(domain.StageScanning, domain.FailureTransient, err)
	}
	if !scan.Clean {
		return domain.NewStageError(domain.StageScanning, domain.FailureSecurity,
			fmt.Errorf("threat detected: %v", scan.Diagnostics))
	}
	if err := checkpoint(domain.StageScanning, 1, "scan clean"); err != nil {
		return err
	}

	// PARSING (sanitize, then parse)
	sanitized, err := e.collab.Sanitizer.Sanitize(ctx, payload)
	if err != nil {
		return domain.NewStageError(domain.StageParsing, domain.FailureTransient, err)
	}
	if !sanitized.Safe {
		return domain.NewStageError(domain.StageParsing, domain.FailureSecurity,
			fmt.Errorf("content failed sanitization"))
	}
	if err := checkpoint(domain.StageParsing, 0.5, "content sanitized"); err != nil {
		return err
	}
	parsed, err := e.collab.Parser.Parse(ctx, sanitized.Content)
	if err != nil {
		return domain.NewStageError(domain.StageParsing, domain.FailureTransient, err)
	}
	if len(parsed.Records) == 0 {
		return domain.NewStageError(domain.StageParsing, domain.FailureValidation,
			fmt.Errorf("no parseable records: %v", parsed.Errors))
	}
	if err := checkpoint(domain.StageParsing, 1,
		fmt.Sprintf("parsed %d records", len(parsed.Records))); err != nil {
		return err
	}

	// DATABASE: batched, yielding at batch boundaries so cancellation and
	// fairness stay responsive on large inputs.
	total := len(parsed.Records)
	persisted := 0
	for start := 0; start < total; start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > total {
			end = total
		}
		result, err := e.collab.Persister.Persist(ctx, parsed.Records[start:end])
		if err != nil {
			return domain.NewStageError(domain.StageDatabase, domain.FailureTransient, err)
		}
		persisted += result.Count
		if err := checkpoint(domain.StageDatabase, float64(end)/float64(total),
			fmt.Sprintf("persisted %d of %d records", end, total)); err != nil {
			return err
		}
	}

	// CATEGORIZATION
	categorized, err := e.collab.Categorizer.Categorize(ctx, parsed.Records)
	if err != nil {
		return domain.NewStageError(domain.StageCategorization, domain.FailureTransient, err)
	}
	if err := checkpoint(domain.StageCategorization, 1, "records categorized"); err != nil {
		return err
	}

	// COMPLETION
	details := map[string]string{
		"records_parsed":    strconv.Itoa(total),
		"records_persisted": strconv.Itoa(persisted),
	}
	for category, count := range categorized.Counts {
		details["category_"+category] = strconv.Itoa(count)
	}
	return e.manager.UpdateProgress(ctx, jobID, ProgressUpdate{
		State:      domain.JobStateCompleted,
		Percentage: 100,
		Stage:      domain.StageCompletion,
		Message:    "processing complete",
		Details:    details,
	})
}

func stageOf(err error) domain.Stage {
	var stageErr *domain.StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}
