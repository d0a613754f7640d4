package pricing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"jewelry-pricing-service/internal/domain"
	"jewelry-pricing-service/internal/store"
)

// Target identifies what a recalculation covers: every product inheriting one
// configuration, or every product priced from one metal type. Exactly one
// field must be set.
type Target struct {
	ConfigurationID *int64  `json:"configuration_id,omitempty"`
	MetalType       *string `json:"metal_type,omitempty"`
}

func (t Target) validate() error {
	if (t.ConfigurationID == nil) == (t.MetalType == nil) {
		return ErrInvalidTarget
	}
	return nil
}

// Options are the engine's tunable knobs.
type Options struct {
	// SyncThreshold is the affected-product count at which a recalculation
	// becomes a tracked background job; only counts strictly below it run
	// inline.
	SyncThreshold int
	// MaxAttempts bounds job-level retries after hard batch failures.
	MaxAttempts int
	// ConflictRetries bounds the automatic per-product retries after an
	// optimistic version conflict.
	ConflictRetries int
	// PreviewSampleSize caps the before/after samples a preview returns.
	PreviewSampleSize int
}

func (o Options) withDefaults() Options {
	if o.SyncThreshold <= 0 {
		o.SyncThreshold = 25
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.ConflictRetries <= 0 {
		o.ConflictRetries = 3
	}
	if o.PreviewSampleSize <= 0 {
		o.PreviewSampleSize = 5
	}
	return o
}

// DispatchResult summarizes an executeRecalculation call. Synchronous mode
// carries the aggregate counters; background mode carries the job id.
type DispatchResult struct {
	Mode    string     `json:"mode"` // "sync" or "background"
	JobID   *uuid.UUID `json:"job_id,omitempty"`
	Updated int        `json:"updated"`
	Failed  int        `json:"failed"`
}

// PreviewSample pairs a product's stored breakdown with what a recalculation
// would produce.
type PreviewSample struct {
	ProductID int64                  `json:"product_id"`
	Before    *domain.PriceBreakdown `json:"before,omitempty"`
	After     *domain.PriceBreakdown `json:"after"`
}

// PreviewResult is the dry-run answer: how many products a recalculation
// would touch and a handful of before/after examples. No writes happen.
type PreviewResult struct {
	AffectedCount int             `json:"affected_count"`
	Samples       []PreviewSample `json:"samples"`
}

// Engine re-runs the breakdown calculator across all products affected by a
// configuration or metal-rate change. Small sets run synchronously; large sets
// become tracked background jobs with progress, partial-failure capture and
// bounded retry.
type Engine struct {
	resolver *Resolver
	configs  store.ConfigurationStorer
	products store.ProductStorer
	jobs     store.JobStorer
	rates    store.MetalRateStorer
	notifier Notifier
	logger   *log.Logger
	opts     Options
	now      func() time.Time
}

// NewEngine creates a recalculation engine. A nil notifier defaults to no-op;
// a nil logger defaults to the standard logger.
func NewEngine(resolver *Resolver, configs store.ConfigurationStorer, products store.ProductStorer, jobs store.JobStorer, rates store.MetalRateStorer, notifier Notifier, logger *log.Logger, opts Options) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		resolver: resolver,
		configs:  configs,
		products: products,
		jobs:     jobs,
		rates:    rates,
		notifier: notifier,
		logger:   logger,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// Preview performs a dry run: the affected-product count plus sample
// before/after breakdowns. Nothing is written.
func (e *Engine) Preview(ctx context.Context, target Target) (*PreviewResult, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}
	ids, err := e.affectedProductIDs(ctx, target)
	if err != nil {
		return nil, err
	}

	result := &PreviewResult{AffectedCount: len(ids)}
	sampleCount := e.opts.PreviewSampleSize
	if sampleCount > len(ids) {
		sampleCount = len(ids)
	}
	for _, id := range ids[:sampleCount] {
		product, err := e.products.GetProductByID(ctx, id)
		if err != nil {
			return nil, err
		}
		after, err := e.computeBreakdown(ctx, product)
		if err != nil {
			// A product that would fail during the real run still shows up
			// in the count; it just contributes no sample.
			continue
		}
		result.Samples = append(result.Samples, PreviewSample{
			ProductID: id,
			Before:    product.Breakdown,
			After:     after,
		})
	}
	return result, nil
}

// Execute dispatches a recalculation. Small affected sets run inline and the
// aggregate result is returned; large sets create a PENDING background job
// whose id is returned immediately. Only one job per target may be in flight.
func (e *Engine) Execute(ctx context.Context, target Target, triggeredBy string) (*DispatchResult, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}
	active, err := e.jobs.HasActiveJob(ctx, target.ConfigurationID, target.MetalType)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrJobAlreadyInProgress
	}

	ids, err := e.affectedProductIDs(ctx, target)
	if err != nil {
		return nil, err
	}

	if len(ids) < e.opts.SyncThreshold {
		job := &domain.RecalculationJob{
			Progress: domain.JobProgress{Total: len(ids)},
		}
		e.processProducts(ctx, ids, job, false)
		return &DispatchResult{
			Mode:    "sync",
			Updated: job.Progress.Succeeded,
			Failed:  job.Progress.Failed,
		}, nil
	}

	job := &domain.RecalculationJob{
		ID:              uuid.New(),
		Status:          domain.JobStatusPending,
		ConfigurationID: target.ConfigurationID,
		MetalType:       target.MetalType,
		TriggeredBy:     triggeredBy,
		Progress:        domain.JobProgress{Total: len(ids)},
		MaxAttempts:     e.opts.MaxAttempts,
		CreatedAt:       e.now().UTC(),
	}
	if err := e.jobs.CreateJob(ctx, job); err != nil {
		// The store enforces one active job per target at insert time, so a
		// dispatch racing past the HasActiveJob check still loses here.
		if errors.Is(err, store.ErrDuplicateActiveJob) {
			return nil, ErrJobAlreadyInProgress
		}
		return nil, err
	}
	// The request context dies with the response; the runner gets its own.
	go e.runJob(context.Background(), job.ID)

	jobID := job.ID
	return &DispatchResult{Mode: "background", JobID: &jobID}, nil
}

// GetJob returns a job's current state, including incrementally updated
// progress counters.
func (e *Engine) GetJob(ctx context.Context, id uuid.UUID) (*domain.RecalculationJob, error) {
	return e.jobs.GetJobByID(ctx, id)
}

// Retry re-dispatches a FAILED or PARTIAL job with its original parameters.
func (e *Engine) Retry(ctx context.Context, id uuid.UUID) (*domain.RecalculationJob, error) {
	job, err := e.jobs.GetJobByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusFailed && job.Status != domain.JobStatusPartial {
		return nil, ErrJobNotRetryable
	}
	if job.Attempts >= job.MaxAttempts {
		return nil, ErrRetryLimitExceeded
	}
	job.Status = domain.JobStatusPending
	job.CancelRequested = false
	if err := e.jobs.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	go e.runJob(context.Background(), job.ID)
	return job, nil
}

// Resume relaunches every job left PENDING or RUNNING by a previous process.
// Job state lives in the store, so a crash mid-run strands jobs in an active
// status where they block new dispatch for their target until re-driven.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	ids, err := e.jobs.ListUnfinishedJobIDs(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		e.logger.Printf("INFO: resuming unfinished recalculation job %s", id)
		go e.runJob(context.Background(), id)
	}
	return len(ids), nil
}

// Cancel requests a running job to stop. The request is observed at
// per-product granularity: the current item finishes, the next never starts.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*domain.RecalculationJob, error) {
	if err := e.jobs.RequestJobCancel(ctx, id); err != nil {
		return nil, err
	}
	return e.jobs.GetJobByID(ctx, id)
}

// runJob drives the attempts loop for one background job: each hard batch
// failure sends the job back to PENDING until the attempts bound is spent,
// after which it is FAILED permanently with the last error preserved.
func (e *Engine) runJob(ctx context.Context, id uuid.UUID) {
	for {
		job, err := e.jobs.GetJobByID(ctx, id)
		if err != nil {
			e.logger.Printf("ERROR: recalculation job %s could not be loaded: %v", id, err)
			return
		}

		runErr := e.runAttempt(ctx, job)
		if runErr == nil {
			return
		}

		errMsg := runErr.Error()
		job.LastError = &errMsg
		if job.Attempts >= job.MaxAttempts {
			now := e.now().UTC()
			job.Status = domain.JobStatusFailed
			job.CompletedAt = &now
			if err := e.jobs.UpdateJob(ctx, job); err != nil {
				e.logger.Printf("ERROR: recalculation job %s could not be marked FAILED: %v", id, err)
			}
			e.logger.Printf("ERROR: recalculation job %s permanently FAILED after %d attempts: %v", id, job.Attempts, runErr)
			e.notifier.JobFinished(JobFinishedEvent{JobID: id, Status: domain.JobStatusFailed})
			return
		}

		job.Status = domain.JobStatusPending
		if err := e.jobs.UpdateJob(ctx, job); err != nil {
			e.logger.Printf("ERROR: recalculation job %s could not be returned to PENDING: %v", id, err)
			return
		}
		e.logger.Printf("WARN: recalculation job %s attempt %d/%d failed, retrying: %v", id, job.Attempts, job.MaxAttempts, runErr)
	}
}

// runAttempt executes one RUNNING pass over the affected products. A non-nil
// return is a hard batch failure; per-product failures are recorded on the job
// and never abort the batch.
func (e *Engine) runAttempt(ctx context.Context, job *domain.RecalculationJob) error {
	now := e.now().UTC()
	job.Status = domain.JobStatusRunning
	job.StartedAt = &now
	job.Attempts++
	// Each attempt recomputes every product; the calculation is a pure
	// function of current state, so re-running processed products is harmless.
	job.Progress = domain.JobProgress{Total: job.Progress.Total}
	job.Failures = nil
	if err := e.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}

	target := Target{ConfigurationID: job.ConfigurationID, MetalType: job.MetalType}
	ids, err := e.affectedProductIDs(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to list affected products: %w", err)
	}
	job.Progress.Total = len(ids)

	e.processProducts(ctx, ids, job, true)

	completed := e.now().UTC()
	job.CompletedAt = &completed
	if job.Progress.Failed == 0 {
		job.Status = domain.JobStatusCompleted
	} else {
		job.Status = domain.JobStatusPartial
	}
	if err := e.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to record job result: %w", err)
	}
	e.logger.Printf("INFO: recalculation job %s finished %s (%d succeeded, %d failed, %d skipped)",
		job.ID, job.Status, job.Progress.Succeeded, job.Progress.Failed, job.Progress.Skipped)
	e.notifier.JobFinished(JobFinishedEvent{JobID: job.ID, Status: job.Status})
	return nil
}

// processProducts runs the shared batch loop. A single product's failure never
// aborts the batch; it is recorded and the loop moves on. When persist is set
// the job's progress is written back after every product so a concurrent
// status read never lags by more than one in-flight update.
func (e *Engine) processProducts(ctx context.Context, ids []int64, job *domain.RecalculationJob, persist bool) {
	for i, id := range ids {
		if persist {
			cancelled, err := e.jobs.IsJobCancelRequested(ctx, job.ID)
			if err == nil && cancelled {
				job.Progress.Skipped += len(ids) - i
				job.CancelRequested = true
				e.logger.Printf("INFO: recalculation job %s cancelled, skipping %d remaining products", job.ID, len(ids)-i)
				break
			}
		} else if ctx.Err() != nil {
			job.Progress.Skipped += len(ids) - i
			break
		}

		job.Progress.Processed++
		if err := e.recalculateProduct(ctx, id); err != nil {
			job.RecordFailure(id, truncateError(err))
			e.logger.Printf("WARN: recalculation of product %d failed: %v", id, err)
		} else {
			job.Progress.Succeeded++
		}

		if persist {
			if err := e.jobs.UpdateJobProgress(ctx, job.ID, job.Progress); err != nil {
				e.logger.Printf("WARN: failed to persist progress for job %s: %v", job.ID, err)
			}
		}
	}
}

// recalculateProduct recomputes and persists one product's breakdown,
// automatically retrying optimistic version conflicts a bounded number of
// times before giving up on the product.
func (e *Engine) recalculateProduct(ctx context.Context, productID int64) error {
	var err error
	for attempt := 0; attempt <= e.opts.ConflictRetries; attempt++ {
		err = e.recalculateOnce(ctx, productID)
		if err == nil || !errors.Is(err, ErrConfigurationChanged) {
			return err
		}
	}
	return err
}

func (e *Engine) recalculateOnce(ctx context.Context, productID int64) error {
	product, err := e.products.GetProductByID(ctx, productID)
	if err != nil {
		return err
	}
	cfg, _, err := e.resolver.Resolve(ctx, product.NodeID)
	if err != nil {
		return err
	}
	rate, err := e.rates.GetMetalRate(ctx, product.MetalType)
	if err != nil {
		return err
	}
	breakdown, err := Calculate(cfg, Context{
		NetWeight:    product.NetWeight,
		MetalRate:    rate.Rate,
		GemstoneCost: product.GemstoneCost,
	})
	if err != nil {
		return err
	}
	// Freeze/unfreeze edits bump the configuration version; a mid-run change
	// invalidates this computation rather than blocking the editor.
	version, err := e.configs.GetConfigurationVersion(ctx, cfg.ID)
	if err != nil {
		return err
	}
	if version != cfg.Version {
		return ErrConfigurationChanged
	}
	return e.products.UpdateProductBreakdown(ctx, productID, breakdown)
}

// computeBreakdown evaluates a product without writing anything (preview path).
func (e *Engine) computeBreakdown(ctx context.Context, product *domain.Product) (*domain.PriceBreakdown, error) {
	cfg, _, err := e.resolver.Resolve(ctx, product.NodeID)
	if err != nil {
		return nil, err
	}
	rate, err := e.rates.GetMetalRate(ctx, product.MetalType)
	if err != nil {
		return nil, err
	}
	return Calculate(cfg, Context{
		NetWeight:    product.NetWeight,
		MetalRate:    rate.Rate,
		GemstoneCost: product.GemstoneCost,
	})
}

func (e *Engine) affectedProductIDs(ctx context.Context, target Target) ([]int64, error) {
	if target.ConfigurationID != nil {
		return e.products.ListProductIDsByConfiguration(ctx, *target.ConfigurationID)
	}
	return e.products.ListProductIDsByMetalType(ctx, *target.MetalType)
}

// truncateError keeps stored per-item failure messages bounded.
func truncateError(err error) string {
	const maxLen = 500
	msg := err.Error()
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
