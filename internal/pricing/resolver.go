package pricing

import (
	"context"
	"fmt"
	"sync"

	"jewelry-pricing-service/internal/domain"
	"jewelry-pricing-service/internal/store"
)

// Resolver implements configuration inheritance: a node without its own
// configuration resolves to the nearest owning ancestor's. Resolutions are
// cached per node id; the cache is dropped whenever a configuration or
// ownership flag changes (the Resolver doubles as a Notifier for that).
type Resolver struct {
	nodes   store.NodeStorer
	configs store.ConfigurationStorer

	mu    sync.RWMutex
	cache map[int64]int64 // node id -> owning source node id
}

// NewResolver creates a Resolver backed by the given storers.
func NewResolver(nodes store.NodeStorer, configs store.ConfigurationStorer) *Resolver {
	return &Resolver{
		nodes:   nodes,
		configs: configs,
		cache:   make(map[int64]int64),
	}
}

// Resolve returns the effective configuration for a node together with the id
// of the node that owns it. Pure read; no side effects beyond the cache.
func (r *Resolver) Resolve(ctx context.Context, nodeID int64) (*domain.PricingConfiguration, int64, error) {
	r.mu.RLock()
	source, cached := r.cache[nodeID]
	r.mu.RUnlock()

	if cached {
		cfg, err := r.configs.GetConfigurationByNodeID(ctx, source)
		if err == nil {
			return cfg, source, nil
		}
		// Stale entry (configuration detached since it was cached): fall
		// through to a fresh walk.
		r.mu.Lock()
		delete(r.cache, nodeID)
		r.mu.Unlock()
	}

	source, err := r.walkToOwner(ctx, nodeID)
	if err != nil {
		return nil, 0, err
	}
	cfg, err := r.configs.GetConfigurationByNodeID(ctx, source)
	if err != nil {
		return nil, 0, fmt.Errorf("pricing: node %d owns a configuration that could not be loaded: %w", source, err)
	}

	r.mu.Lock()
	r.cache[nodeID] = source
	r.mu.Unlock()
	return cfg, source, nil
}

// walkToOwner walks the parent chain upward until a node with its own
// configuration is found. The hierarchy is acyclic by construction, but a
// visited set defends against a corrupted cycle anyway.
func (r *Resolver) walkToOwner(ctx context.Context, nodeID int64) (int64, error) {
	visited := make(map[int64]struct{})
	current := nodeID
	for {
		if _, seen := visited[current]; seen {
			return 0, fmt.Errorf("%w (revisited node %d starting from %d)", ErrCorruptHierarchy, current, nodeID)
		}
		visited[current] = struct{}{}

		node, err := r.nodes.GetNodeByID(ctx, current)
		if err != nil {
			return 0, fmt.Errorf("pricing: failed to load node %d while resolving %d: %w", current, nodeID, err)
		}
		if node.HasOwnConfiguration {
			return node.ID, nil
		}
		if node.ParentID == nil {
			return 0, fmt.Errorf("%w (node %d)", ErrNoConfiguration, nodeID)
		}
		current = *node.ParentID
	}
}

// Invalidate drops every cached resolution.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[int64]int64)
	r.mu.Unlock()
}

// ConfigurationChanged implements Notifier: any configuration mutation may
// change which ancestor a node resolves to, so the whole cache is dropped.
func (r *Resolver) ConfigurationChanged(ConfigurationChangedEvent) { r.Invalidate() }

// JobFinished implements Notifier.
func (r *Resolver) JobFinished(JobFinishedEvent) {}
