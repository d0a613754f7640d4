package pricing

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"jewelry-pricing-service/internal/domain"
	"jewelry-pricing-service/internal/store"
)

// fakeStore is an in-memory implementation of every storer interface the
// pricing package consumes. Background jobs run on goroutines, so all access
// goes through the mutex.
type fakeStore struct {
	mu sync.Mutex

	nodes    map[int64]*domain.Node
	configs  map[int64]*domain.PricingConfiguration
	products map[int64]*domain.Product
	jobs     map[uuid.UUID]*domain.RecalculationJob
	rates    map[string]*domain.MetalRate

	nodeGets            int // GetNodeByID invocations, for cache assertions
	breakdownWrites     int // UpdateProductBreakdown invocations
	pendingConflicts    int // GetConfigurationVersion reports a bumped version this many times
	updateConfigErr     error
	cancelEverything    bool // IsJobCancelRequested always reports true
	failRateLookups     bool
	affectedCountSetErr error
	hideActiveJobs      bool // HasActiveJob reports false regardless of stored jobs
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:    make(map[int64]*domain.Node),
		configs:  make(map[int64]*domain.PricingConfiguration),
		products: make(map[int64]*domain.Product),
		jobs:     make(map[uuid.UUID]*domain.RecalculationJob),
		rates:    make(map[string]*domain.MetalRate),
	}
}

func copyConfig(c *domain.PricingConfiguration) *domain.PricingConfiguration {
	clone := *c
	clone.Components = append([]domain.ComponentInstance(nil), c.Components...)
	clone.FreezeHistory = append([]domain.FreezeEvent(nil), c.FreezeHistory...)
	return &clone
}

func copyJob(j *domain.RecalculationJob) *domain.RecalculationJob {
	clone := *j
	clone.Failures = append([]domain.JobFailure(nil), j.Failures...)
	return &clone
}

// --- NodeStorer ---

func (f *fakeStore) CreateNode(_ context.Context, node *domain.Node) (*domain.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[node.ID] = node
	return node, nil
}

func (f *fakeStore) GetNodeByID(_ context.Context, id int64) (*domain.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodeGets++
	node, ok := f.nodes[id]
	if !ok {
		return nil, store.ErrNodeNotFound
	}
	clone := *node
	return &clone, nil
}

// --- ConfigurationStorer ---

func (f *fakeStore) CreateConfiguration(_ context.Context, cfg *domain.PricingConfiguration) (*domain.PricingConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	f.configs[cfg.ID] = copyConfig(cfg)
	if node, ok := f.nodes[cfg.NodeID]; ok {
		node.HasOwnConfiguration = true
	}
	return copyConfig(cfg), nil
}

func (f *fakeStore) GetConfigurationByID(_ context.Context, id int64) (*domain.PricingConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[id]
	if !ok {
		return nil, store.ErrConfigurationNotFound
	}
	return copyConfig(cfg), nil
}

func (f *fakeStore) GetConfigurationByNodeID(_ context.Context, nodeID int64) (*domain.PricingConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cfg := range f.configs {
		if cfg.NodeID == nodeID {
			return copyConfig(cfg), nil
		}
	}
	return nil, store.ErrConfigurationNotFound
}

func (f *fakeStore) GetConfigurationVersion(_ context.Context, id int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[id]
	if !ok {
		return 0, store.ErrConfigurationNotFound
	}
	if f.pendingConflicts > 0 {
		f.pendingConflicts--
		return cfg.Version + 1, nil
	}
	return cfg.Version, nil
}

func (f *fakeStore) UpdateConfiguration(_ context.Context, cfg *domain.PricingConfiguration) (*domain.PricingConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateConfigErr != nil {
		return nil, f.updateConfigErr
	}
	current, ok := f.configs[cfg.ID]
	if !ok {
		return nil, store.ErrConfigurationNotFound
	}
	if current.Version != cfg.Version {
		return nil, store.ErrVersionConflict
	}
	updated := copyConfig(cfg)
	updated.Version++
	f.configs[cfg.ID] = updated
	return copyConfig(updated), nil
}

func (f *fakeStore) DetachConfiguration(_ context.Context, nodeID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, cfg := range f.configs {
		if cfg.NodeID == nodeID {
			delete(f.configs, id)
			if node, ok := f.nodes[nodeID]; ok {
				node.HasOwnConfiguration = false
			}
			return nil
		}
	}
	return store.ErrConfigurationNotFound
}

func (f *fakeStore) SetAffectedProductCount(_ context.Context, id int64, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.affectedCountSetErr != nil {
		return f.affectedCountSetErr
	}
	cfg, ok := f.configs[id]
	if !ok {
		return store.ErrConfigurationNotFound
	}
	cfg.AffectedProductCount = count
	return nil
}

// --- ProductStorer ---

func (f *fakeStore) GetProductByID(_ context.Context, id int64) (*domain.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, store.ErrProductNotFound
	}
	clone := *p
	return &clone, nil
}

func (f *fakeStore) ListProductIDsByConfiguration(_ context.Context, configurationID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[configurationID]
	if !ok {
		return nil, store.ErrConfigurationNotFound
	}
	ids := []int64{}
	for id, p := range f.products {
		if p.NodeID == cfg.NodeID && p.IsActive {
			ids = append(ids, id)
		}
	}
	sortInt64s(ids)
	return ids, nil
}

func (f *fakeStore) ListProductIDsByMetalType(_ context.Context, metalType string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := []int64{}
	for id, p := range f.products {
		if p.MetalType == metalType && p.IsActive {
			ids = append(ids, id)
		}
	}
	sortInt64s(ids)
	return ids, nil
}

func (f *fakeStore) CountProductsByConfiguration(ctx context.Context, configurationID int64) (int, error) {
	ids, err := f.ListProductIDsByConfiguration(ctx, configurationID)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (f *fakeStore) CountProductsByMetalType(ctx context.Context, metalType string) (int, error) {
	ids, err := f.ListProductIDsByMetalType(ctx, metalType)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (f *fakeStore) UpdateProductBreakdown(_ context.Context, productID int64, breakdown *domain.PriceBreakdown) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[productID]
	if !ok {
		return store.ErrProductNotFound
	}
	f.breakdownWrites++
	p.Breakdown = breakdown
	p.TotalPrice = breakdown.TotalPrice
	return nil
}

// --- JobStorer ---

func (f *fakeStore) CreateJob(_ context.Context, job *domain.RecalculationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.jobs {
		if !existing.IsActive() {
			continue
		}
		if job.ConfigurationID != nil && existing.ConfigurationID != nil && *existing.ConfigurationID == *job.ConfigurationID {
			return store.ErrDuplicateActiveJob
		}
		if job.MetalType != nil && existing.MetalType != nil && *existing.MetalType == *job.MetalType {
			return store.ErrDuplicateActiveJob
		}
	}
	f.jobs[job.ID] = copyJob(job)
	return nil
}

func (f *fakeStore) ListUnfinishedJobIDs(_ context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for id, job := range f.jobs {
		if job.IsActive() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) GetJobByID(_ context.Context, id uuid.UUID) (*domain.RecalculationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return copyJob(job), nil
}

func (f *fakeStore) UpdateJob(_ context.Context, job *domain.RecalculationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.jobs[job.ID]
	if !ok {
		return store.ErrJobNotFound
	}
	// Preserve an externally set cancel flag; the engine never clears it
	// mid-run.
	cancel := stored.CancelRequested || job.CancelRequested
	f.jobs[job.ID] = copyJob(job)
	f.jobs[job.ID].CancelRequested = cancel
	return nil
}

func (f *fakeStore) UpdateJobProgress(_ context.Context, id uuid.UUID, progress domain.JobProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	job.Progress = progress
	return nil
}

func (f *fakeStore) HasActiveJob(_ context.Context, configurationID *int64, metalType *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hideActiveJobs {
		return false, nil
	}
	for _, job := range f.jobs {
		if !job.IsActive() {
			continue
		}
		if configurationID != nil && job.ConfigurationID != nil && *job.ConfigurationID == *configurationID {
			return true, nil
		}
		if metalType != nil && job.MetalType != nil && *job.MetalType == *metalType {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) RequestJobCancel(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	job.CancelRequested = true
	return nil
}

func (f *fakeStore) IsJobCancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelEverything {
		return true, nil
	}
	job, ok := f.jobs[id]
	if !ok {
		return false, store.ErrJobNotFound
	}
	return job.CancelRequested, nil
}

// --- MetalRateStorer ---

func (f *fakeStore) GetMetalRate(_ context.Context, metalType string) (*domain.MetalRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRateLookups {
		return nil, store.ErrMetalRateNotFound
	}
	rate, ok := f.rates[metalType]
	if !ok {
		return nil, store.ErrMetalRateNotFound
	}
	clone := *rate
	return &clone, nil
}

func (f *fakeStore) UpsertMetalRate(_ context.Context, metalType string, rate decimal.Decimal) (*domain.MetalRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &domain.MetalRate{MetalType: metalType, Rate: rate}
	f.rates[metalType] = r
	clone := *r
	return &clone, nil
}

func sortInt64s(ids []int64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// recordingNotifier captures published events for assertions.
type recordingNotifier struct {
	mu             sync.Mutex
	configChanges  []ConfigurationChangedEvent
	jobCompletions []JobFinishedEvent
}

func (n *recordingNotifier) ConfigurationChanged(e ConfigurationChangedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.configChanges = append(n.configChanges, e)
}

func (n *recordingNotifier) JobFinished(e JobFinishedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobCompletions = append(n.jobCompletions, e)
}

func (n *recordingNotifier) changes() []ConfigurationChangedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ConfigurationChangedEvent(nil), n.configChanges...)
}

func (n *recordingNotifier) finished() []JobFinishedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]JobFinishedEvent(nil), n.jobCompletions...)
}
