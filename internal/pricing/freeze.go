package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"jewelry-pricing-service/internal/domain"
	"jewelry-pricing-service/internal/store"
)

// SampleContext holds the canonical reference weight a configuration-level
// freeze is computed against. A freeze is not product-specific, so a fixed
// representative piece stands in for any real product. Only the net weight
// enters the calculation.
type SampleContext struct {
	NetWeight decimal.Decimal
}

// DefaultSampleContext returns the standard 9.5g-net reference piece.
func DefaultSampleContext() SampleContext {
	return SampleContext{
		NetWeight: decimal.RequireFromString("9.5"),
	}
}

// FreezeManager captures or releases a component's live-computed value as a
// fixed figure, recording who/when/why and the market conditions at the time.
// It mutates the configuration and appends to its freeze history; it never
// touches products. The caller is responsible for any downstream
// recalculation.
type FreezeManager struct {
	configs  store.ConfigurationStorer
	rates    store.MetalRateStorer
	notifier Notifier
	sample   SampleContext
	now      func() time.Time
}

// NewFreezeManager creates a FreezeManager. A nil notifier defaults to the
// no-op notifier; a zero sample context defaults to the canonical 9.5g net.
func NewFreezeManager(configs store.ConfigurationStorer, rates store.MetalRateStorer, notifier Notifier, sample SampleContext) *FreezeManager {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if sample.NetWeight.IsZero() {
		sample = DefaultSampleContext()
	}
	return &FreezeManager{
		configs:  configs,
		rates:    rates,
		notifier: notifier,
		sample:   sample,
		now:      time.Now,
	}
}

// Freeze pins the component's current value, computed against the canonical
// sample context and the current metal rate, and returns the frozen figure.
func (m *FreezeManager) Freeze(ctx context.Context, configID int64, componentKey, reason, actor string) (decimal.Decimal, error) {
	if strings.TrimSpace(reason) == "" {
		return decimal.Zero, ErrFreezeReasonRequired
	}

	cfg, err := m.configs.GetConfigurationByID(ctx, configID)
	if err != nil {
		return decimal.Zero, err
	}
	comp := cfg.Component(componentKey)
	if comp == nil {
		return decimal.Zero, fmt.Errorf("%w (%q)", ErrComponentNotFound, componentKey)
	}
	if comp.IsFrozen() {
		return decimal.Zero, fmt.Errorf("%w (%q)", ErrComponentFrozen, componentKey)
	}

	rate, err := m.rates.GetMetalRate(ctx, cfg.MetalType)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pricing: failed to load %s rate for freeze: %w", cfg.MetalType, err)
	}

	calcCtx := Context{NetWeight: m.sample.NetWeight, MetalRate: rate.Rate}
	value, err := liveComponentValue(cfg, componentKey, calcCtx)
	if err != nil {
		return decimal.Zero, err
	}

	now := m.now().UTC()
	comp.Freeze = &domain.FreezeState{
		Value:       value,
		AtMetalRate: rate.Rate,
		Reason:      reason,
		Actor:       actor,
		FrozenAt:    now,
	}
	cfg.FreezeHistory = append(cfg.FreezeHistory, domain.FreezeEvent{
		Action:       domain.FreezeActionFreeze,
		ComponentKey: componentKey,
		ValueBefore:  value,
		ValueAfter:   value,
		MetalRate:    rate.Rate,
		Actor:        actor,
		Reason:       reason,
		At:           now,
	})

	if err := m.persist(ctx, cfg); err != nil {
		return decimal.Zero, err
	}
	return value, nil
}

// Unfreeze releases a frozen component, returning its freshly recomputed value
// under the current live metal rate.
func (m *FreezeManager) Unfreeze(ctx context.Context, configID int64, componentKey, actor string) (decimal.Decimal, error) {
	cfg, err := m.configs.GetConfigurationByID(ctx, configID)
	if err != nil {
		return decimal.Zero, err
	}
	comp := cfg.Component(componentKey)
	if comp == nil {
		return decimal.Zero, fmt.Errorf("%w (%q)", ErrComponentNotFound, componentKey)
	}
	if !comp.IsFrozen() {
		return decimal.Zero, fmt.Errorf("%w (%q)", ErrComponentNotFrozen, componentKey)
	}

	rate, err := m.rates.GetMetalRate(ctx, cfg.MetalType)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pricing: failed to load %s rate for unfreeze: %w", cfg.MetalType, err)
	}

	before := comp.Freeze.Value
	comp.Freeze = nil

	calcCtx := Context{NetWeight: m.sample.NetWeight, MetalRate: rate.Rate}
	newValue, err := liveComponentValue(cfg, componentKey, calcCtx)
	if err != nil {
		return decimal.Zero, err
	}

	now := m.now().UTC()
	cfg.FreezeHistory = append(cfg.FreezeHistory, domain.FreezeEvent{
		Action:       domain.FreezeActionUnfreeze,
		ComponentKey: componentKey,
		ValueBefore:  before,
		ValueAfter:   newValue,
		MetalRate:    rate.Rate,
		Actor:        actor,
		At:           now,
	})

	if err := m.persist(ctx, cfg); err != nil {
		return decimal.Zero, err
	}
	return newValue, nil
}

// persist writes the mutated configuration with an optimistic version check
// and publishes the post-commit notification.
func (m *FreezeManager) persist(ctx context.Context, cfg *domain.PricingConfiguration) error {
	updated, err := m.configs.UpdateConfiguration(ctx, cfg)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return ErrConfigurationChanged
		}
		return err
	}
	m.notifier.ConfigurationChanged(ConfigurationChangedEvent{
		ConfigurationID: updated.ID,
		NodeID:          updated.NodeID,
	})
	return nil
}
