package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jewelry-pricing-service/internal/domain"
	"jewelry-pricing-service/internal/store"
)

// engineFixture seeds node 1 owning configuration 10 plus n gold products on
// that node, and wires an engine around the fake store.
func engineFixture(t *testing.T, n int, opts Options) (*fakeStore, *Engine, *recordingNotifier) {
	t.Helper()
	fs := newFakeStore()
	fs.nodes[1] = &domain.Node{ID: 1, Name: "Shop", HasOwnConfiguration: true}
	cfg := standardConfig()
	cfg.ID = 10
	cfg.NodeID = 1
	fs.configs[10] = cfg
	fs.rates["GOLD_22K"] = &domain.MetalRate{MetalType: "GOLD_22K", Rate: dec("6000")}
	for i := 1; i <= n; i++ {
		fs.products[int64(i)] = &domain.Product{
			ID:           int64(i),
			Name:         "Ring",
			NodeID:       1,
			MetalType:    "GOLD_22K",
			GrossWeight:  dec("10"),
			NetWeight:    dec("10"),
			GemstoneCost: dec("0"),
			IsActive:     true,
		}
	}
	notifier := &recordingNotifier{}
	resolver := NewResolver(fs, fs)
	engine := NewEngine(resolver, fs, fs, fs, fs, notifier, nil, opts)
	return fs, engine, notifier
}

func waitForJob(t *testing.T, e *Engine, id uuid.UUID) *domain.RecalculationJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.GetJob(context.Background(), id)
		require.NoError(t, err)
		if !job.IsActive() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for recalculation job to finish")
	return nil
}

func configTarget(id int64) Target { return Target{ConfigurationID: ptrTo(id)} }

func TestExecute_SmallSetRunsSynchronously(t *testing.T) {
	fs, engine, _ := engineFixture(t, 3, Options{})

	result, err := engine.Execute(context.Background(), configTarget(10), "test")

	require.NoError(t, err)
	assert.Equal(t, "sync", result.Mode)
	assert.Nil(t, result.JobID)
	assert.Equal(t, 3, result.Updated)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 3, fs.breakdownWrites)

	product, err := fs.GetProductByID(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, product.Breakdown)
	assert.Equal(t, "63200.00", product.Breakdown.Subtotal.StringFixed(2))
	assert.Equal(t, "63200.00", product.TotalPrice.StringFixed(2))
}

func TestExecute_SyncFailuresAreContained(t *testing.T) {
	fs, engine, _ := engineFixture(t, 3, Options{})
	// Product 2's metal has no published rate; its failure must not stop the
	// other two.
	fs.products[2].MetalType = "PLATINUM"

	result, err := engine.Execute(context.Background(), configTarget(10), "test")

	require.NoError(t, err)
	assert.Equal(t, "sync", result.Mode)
	assert.Equal(t, 2, result.Updated)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, fs.breakdownWrites)
}

func TestExecute_LargeSetBecomesBackgroundJob(t *testing.T) {
	fs, engine, notifier := engineFixture(t, 3, Options{SyncThreshold: 1})

	result, err := engine.Execute(context.Background(), configTarget(10), "rate-update")

	require.NoError(t, err)
	assert.Equal(t, "background", result.Mode)
	require.NotNil(t, result.JobID)

	job := waitForJob(t, engine, *result.JobID)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.Progress.Total)
	assert.Equal(t, 3, job.Progress.Processed)
	assert.Equal(t, 3, job.Progress.Succeeded)
	assert.Equal(t, 0, job.Progress.Failed)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "rate-update", job.TriggeredBy)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, 3, fs.breakdownWrites)

	// The finished event is published just after the final status write.
	assert.Eventually(t, func() bool {
		finished := notifier.finished()
		return len(finished) == 1 && finished[0].Status == domain.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestExecute_BackgroundPartialFailure(t *testing.T) {
	fs, engine, _ := engineFixture(t, 3, Options{SyncThreshold: 1})
	fs.products[2].MetalType = "PLATINUM"

	result, err := engine.Execute(context.Background(), configTarget(10), "test")
	require.NoError(t, err)
	require.NotNil(t, result.JobID)

	job := waitForJob(t, engine, *result.JobID)
	assert.Equal(t, domain.JobStatusPartial, job.Status)
	assert.Equal(t, 2, job.Progress.Succeeded)
	assert.Equal(t, 1, job.Progress.Failed)
	require.Len(t, job.Failures, 1)
	assert.Equal(t, int64(2), job.Failures[0].ProductID)
	assert.NotEmpty(t, job.Failures[0].Error)
}

func TestExecute_AffectedCountAtThresholdBecomesBackgroundJob(t *testing.T) {
	_, engine, _ := engineFixture(t, 2, Options{SyncThreshold: 2})

	result, err := engine.Execute(context.Background(), configTarget(10), "test")

	require.NoError(t, err)
	assert.Equal(t, "background", result.Mode, "only counts strictly below the threshold run inline")
	require.NotNil(t, result.JobID)

	job := waitForJob(t, engine, *result.JobID)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Progress.Succeeded)
}

func TestExecute_RejectsConcurrentJobForSameTarget(t *testing.T) {
	fs, engine, _ := engineFixture(t, 3, Options{})
	inFlight := uuid.New()
	fs.jobs[inFlight] = &domain.RecalculationJob{
		ID:              inFlight,
		Status:          domain.JobStatusRunning,
		ConfigurationID: ptrTo(int64(10)),
	}

	_, err := engine.Execute(context.Background(), configTarget(10), "test")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobAlreadyInProgress))
}

func TestExecute_RacingDispatchStoppedAtInsert(t *testing.T) {
	fs, engine, _ := engineFixture(t, 3, Options{SyncThreshold: 1})
	inFlight := uuid.New()
	fs.jobs[inFlight] = &domain.RecalculationJob{
		ID:              inFlight,
		Status:          domain.JobStatusPending,
		ConfigurationID: ptrTo(int64(10)),
	}
	// Simulate the window where a second dispatch passes the existence check
	// before the first dispatch's job row becomes visible to it.
	fs.hideActiveJobs = true

	_, err := engine.Execute(context.Background(), configTarget(10), "test")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobAlreadyInProgress))
}

func TestExecute_TargetMustBeExactlyOne(t *testing.T) {
	_, engine, _ := engineFixture(t, 1, Options{})

	_, err := engine.Execute(context.Background(), Target{}, "test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTarget))

	_, err = engine.Execute(context.Background(), Target{ConfigurationID: ptrTo(int64(10)), MetalType: ptrTo("GOLD_22K")}, "test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTarget))
}

func TestExecute_MetalTypeTarget(t *testing.T) {
	fs, engine, _ := engineFixture(t, 2, Options{})
	// A silver product must not be touched by a gold recalculation.
	fs.products[3] = &domain.Product{
		ID: 3, NodeID: 1, MetalType: "SILVER",
		NetWeight: dec("20"), IsActive: true,
	}
	fs.rates["SILVER"] = &domain.MetalRate{MetalType: "SILVER", Rate: dec("80")}

	result, err := engine.Execute(context.Background(), Target{MetalType: ptrTo("GOLD_22K")}, "test")

	require.NoError(t, err)
	assert.Equal(t, 2, result.Updated)

	silver, err := fs.GetProductByID(context.Background(), 3)
	require.NoError(t, err)
	assert.Nil(t, silver.Breakdown)
}

func TestExecute_VersionConflictRetriedPerProduct(t *testing.T) {
	fs, engine, _ := engineFixture(t, 1, Options{ConflictRetries: 3})
	// The first two version checks observe a concurrent bump; the third pass
	// goes through.
	fs.pendingConflicts = 2

	result, err := engine.Execute(context.Background(), configTarget(10), "test")

	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 1, fs.breakdownWrites)
}

func TestExecute_VersionConflictExhaustsRetries(t *testing.T) {
	fs, engine, _ := engineFixture(t, 1, Options{ConflictRetries: 2})
	fs.pendingConflicts = 100

	result, err := engine.Execute(context.Background(), configTarget(10), "test")

	require.NoError(t, err)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, fs.breakdownWrites)
}

func TestRunJob_HardFailureRetriesUntilAttemptsSpent(t *testing.T) {
	fs, engine, notifier := engineFixture(t, 1, Options{MaxAttempts: 2})
	job := &domain.RecalculationJob{
		ID:              uuid.New(),
		Status:          domain.JobStatusPending,
		ConfigurationID: ptrTo(int64(99)), // configuration does not exist
		MaxAttempts:     2,
	}
	require.NoError(t, fs.CreateJob(context.Background(), job))

	engine.runJob(context.Background(), job.ID)

	final, err := engine.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Equal(t, 2, final.Attempts, "the job must retry until exactly MaxAttempts is reached")
	require.NotNil(t, final.LastError)
	assert.Contains(t, *final.LastError, "failed to list affected products")
	require.NotNil(t, final.CompletedAt)

	finished := notifier.finished()
	require.Len(t, finished, 1)
	assert.Equal(t, domain.JobStatusFailed, finished[0].Status)
}

func TestResume_FinishesJobLeftRunningByPreviousProcess(t *testing.T) {
	fs, engine, _ := engineFixture(t, 3, Options{})
	// A job stranded in RUNNING after a crash: its row is persisted but no
	// goroutine is driving it.
	orphan := uuid.New()
	fs.jobs[orphan] = &domain.RecalculationJob{
		ID:              orphan,
		Status:          domain.JobStatusRunning,
		ConfigurationID: ptrTo(int64(10)),
		TriggeredBy:     "rate-update",
		Progress:        domain.JobProgress{Total: 3},
		MaxAttempts:     3,
	}

	// Without intervention the stranded job blocks any new dispatch for its
	// target.
	_, err := engine.Execute(context.Background(), configTarget(10), "test")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrJobAlreadyInProgress))

	resumed, err := engine.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	job := waitForJob(t, engine, orphan)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.Progress.Succeeded)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 3, fs.breakdownWrites)

	// The target is dispatchable again once the resumed job finishes.
	result, err := engine.Execute(context.Background(), configTarget(10), "test")
	require.NoError(t, err)
	assert.Equal(t, "sync", result.Mode)
}

func TestResume_NothingToDo(t *testing.T) {
	_, engine, _ := engineFixture(t, 1, Options{})

	resumed, err := engine.Resume(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, resumed)
}

func TestRetry_RelaunchesFailedJob(t *testing.T) {
	fs, engine, _ := engineFixture(t, 3, Options{SyncThreshold: 1, MaxAttempts: 3})
	job := &domain.RecalculationJob{
		ID:              uuid.New(),
		Status:          domain.JobStatusFailed,
		ConfigurationID: ptrTo(int64(10)),
		Progress:        domain.JobProgress{Total: 3},
		Attempts:        1,
		MaxAttempts:     3,
	}
	require.NoError(t, fs.CreateJob(context.Background(), job))

	relaunched, err := engine.Retry(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, relaunched.Status)

	final := waitForJob(t, engine, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.Equal(t, 3, final.Progress.Succeeded)
	assert.Equal(t, 2, final.Attempts)
}

func TestRetry_CompletedJobIsNotRetryable(t *testing.T) {
	fs, engine, _ := engineFixture(t, 1, Options{})
	job := &domain.RecalculationJob{
		ID:              uuid.New(),
		Status:          domain.JobStatusCompleted,
		ConfigurationID: ptrTo(int64(10)),
		MaxAttempts:     3,
	}
	require.NoError(t, fs.CreateJob(context.Background(), job))

	_, err := engine.Retry(context.Background(), job.ID)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobNotRetryable))
}

func TestRetry_AttemptsBoundEnforced(t *testing.T) {
	fs, engine, _ := engineFixture(t, 1, Options{})
	job := &domain.RecalculationJob{
		ID:              uuid.New(),
		Status:          domain.JobStatusFailed,
		ConfigurationID: ptrTo(int64(10)),
		Attempts:        3,
		MaxAttempts:     3,
	}
	require.NoError(t, fs.CreateJob(context.Background(), job))

	_, err := engine.Retry(context.Background(), job.ID)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetryLimitExceeded))
}

func TestCancel_SkipsRemainingProducts(t *testing.T) {
	fs, engine, _ := engineFixture(t, 3, Options{SyncThreshold: 1})
	// Every cancellation poll answers yes, so the very first product is never
	// processed.
	fs.cancelEverything = true

	result, err := engine.Execute(context.Background(), configTarget(10), "test")
	require.NoError(t, err)
	require.NotNil(t, result.JobID)

	job := waitForJob(t, engine, *result.JobID)
	assert.Equal(t, 0, job.Progress.Processed)
	assert.Equal(t, 3, job.Progress.Skipped)
	assert.Equal(t, 0, fs.breakdownWrites)
}

func TestCancel_SetsFlagOnJob(t *testing.T) {
	fs, engine, _ := engineFixture(t, 1, Options{})
	job := &domain.RecalculationJob{
		ID:              uuid.New(),
		Status:          domain.JobStatusRunning,
		ConfigurationID: ptrTo(int64(10)),
	}
	require.NoError(t, fs.CreateJob(context.Background(), job))

	cancelled, err := engine.Cancel(context.Background(), job.ID)

	require.NoError(t, err)
	assert.True(t, cancelled.CancelRequested)
}

func TestCancel_UnknownJob(t *testing.T) {
	_, engine, _ := engineFixture(t, 1, Options{})

	_, err := engine.Cancel(context.Background(), uuid.New())

	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrJobNotFound))
}

func TestPreview_CountsAndSamplesWithoutWriting(t *testing.T) {
	fs, engine, _ := engineFixture(t, 3, Options{PreviewSampleSize: 2})

	result, err := engine.Preview(context.Background(), configTarget(10))

	require.NoError(t, err)
	assert.Equal(t, 3, result.AffectedCount)
	require.Len(t, result.Samples, 2)
	assert.Nil(t, result.Samples[0].Before, "products had no stored breakdown yet")
	require.NotNil(t, result.Samples[0].After)
	assert.Equal(t, "63200.00", result.Samples[0].After.Subtotal.StringFixed(2))
	assert.Equal(t, 0, fs.breakdownWrites, "a preview must not write")
}

func TestPreview_FailingSampleStillCounted(t *testing.T) {
	fs, engine, _ := engineFixture(t, 2, Options{})
	fs.products[1].MetalType = "PLATINUM"

	result, err := engine.Preview(context.Background(), configTarget(10))

	require.NoError(t, err)
	assert.Equal(t, 2, result.AffectedCount)
	require.Len(t, result.Samples, 1, "the unpriceable product contributes no sample")
	assert.Equal(t, int64(2), result.Samples[0].ProductID)
}
