package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"jewelry-pricing-service/internal/domain"
)

// FoldedMetalCostLabel replaces the metal-cost line's display name when hidden
// component values have been folded into it.
const FoldedMetalCostLabel = "Unit Cost"

var oneHundred = decimal.NewFromInt(100)

// Context is the numeric input of a breakdown calculation. The metal rate is
// passed explicitly so the calculator stays a pure function; looking the rate
// up belongs to the caller, not here.
type Context struct {
	NetWeight    decimal.Decimal
	MetalRate    decimal.Decimal
	GemstoneCost decimal.Decimal
}

func (c Context) validate() error {
	if c.NetWeight.IsNegative() || c.MetalRate.IsNegative() || c.GemstoneCost.IsNegative() {
		return ErrInvalidContext
	}
	return nil
}

// Calculate evaluates the configuration's active components in ascending sort
// order and returns the resulting price breakdown. Components are evaluated
// strictly in order because PERCENTAGE components may reference the running
// subtotal; every value is rounded to 2 decimal places (half-up) before it
// accumulates, so the displayed lines sum exactly to the subtotal. Hidden
// components are folded into the metal-cost line after the pass.
func Calculate(cfg *domain.PricingConfiguration, ctx Context) (*domain.PriceBreakdown, error) {
	lines, subtotal, metalCost, metalIdx, err := calculateLines(cfg, ctx)
	if err != nil {
		return nil, err
	}
	foldHiddenLines(lines, metalIdx)
	return &domain.PriceBreakdown{
		Lines:          lines,
		Subtotal:       subtotal,
		MetalRate:      ctx.MetalRate,
		MetalCost:      metalCost,
		GemstoneCost:   ctx.GemstoneCost,
		TotalPrice:     subtotal.Add(ctx.GemstoneCost),
		LastCalculated: time.Now().UTC(),
	}, nil
}

// calculateLines runs the ordered evaluation pass and returns the raw
// (pre-folding) lines, the running subtotal, the metal-cost anchor and the
// index of the metal-cost line (-1 when the configuration has none).
func calculateLines(cfg *domain.PricingConfiguration, ctx Context) ([]domain.BreakdownLine, decimal.Decimal, decimal.Decimal, int, error) {
	if err := ctx.validate(); err != nil {
		return nil, decimal.Zero, decimal.Zero, 0, err
	}
	active := cfg.ActiveComponents()
	if len(active) == 0 {
		return nil, decimal.Zero, decimal.Zero, 0, ErrEmptyConfiguration
	}

	lines := make([]domain.BreakdownLine, 0, len(active))
	subtotal := decimal.Zero
	metalCost := decimal.Zero
	metalIdx := -1

	for i, ci := range active {
		value := componentValue(ci, ctx, subtotal, metalCost)
		// A METAL_COST line, frozen or not, anchors percentage-of-metalCost
		// components evaluated after it.
		if ci.Params.Kind() == domain.KindMetalCost {
			metalCost = value
			metalIdx = i
		}
		subtotal = subtotal.Add(value)
		lines = append(lines, domain.BreakdownLine{
			ComponentKey:  ci.Key,
			ComponentName: ci.Name,
			Value:         value,
			IsFrozen:      ci.IsFrozen(),
			IsVisible:     ci.IsVisible,
		})
	}
	return lines, subtotal, metalCost, metalIdx, nil
}

// componentValue evaluates a single component against the running totals.
// Frozen components use their frozen value verbatim, with no recomputation.
func componentValue(ci domain.ComponentInstance, ctx Context, subtotal, metalCost decimal.Decimal) decimal.Decimal {
	if ci.Freeze != nil {
		return ci.Freeze.Value.Round(2)
	}
	switch p := ci.Params.(type) {
	case domain.MetalCostParams:
		rate := ctx.MetalRate
		if p.Mode == domain.MetalPriceManual && p.ManualRate != nil {
			rate = *p.ManualRate
		}
		return rate.Mul(ctx.NetWeight).Round(2)
	case domain.PerGramParams:
		return ctx.NetWeight.Mul(p.RatePerGram).Round(2)
	case domain.PercentageParams:
		base := subtotal
		if p.Of == domain.PercentageOfMetalCost {
			base = metalCost
		}
		return base.Mul(p.Percent).Div(oneHundred).Round(2)
	case domain.FixedParams:
		return p.Amount.Round(2)
	}
	return decimal.Zero
}

// foldHiddenLines moves the value of every hidden line (except the metal-cost
// line itself) into the metal-cost line's displayed value and zeroes the hidden
// sources, so the displayed total is unchanged while internal components (e.g.
// a margin) are not itemized. The metal line is relabelled when any folding
// occurred. Without a metal-cost line there is nothing to fold into and the
// lines are left untouched.
func foldHiddenLines(lines []domain.BreakdownLine, metalIdx int) {
	if metalIdx < 0 {
		return
	}
	hidden := decimal.Zero
	folded := false
	for i := range lines {
		if i == metalIdx || lines[i].IsVisible {
			continue
		}
		hidden = hidden.Add(lines[i].Value)
		lines[i].Value = decimal.Zero
		folded = true
	}
	if folded {
		lines[metalIdx].Value = lines[metalIdx].Value.Add(hidden)
		lines[metalIdx].ComponentName = FoldedMetalCostLabel
	}
}

// liveComponentValue computes the current unfrozen value of one component by
// re-running the evaluation pass with that component active and its freeze
// state ignored. Other components keep their state, so percentage bases match
// what a real calculation would see.
func liveComponentValue(cfg *domain.PricingConfiguration, key string, ctx Context) (decimal.Decimal, error) {
	clone := *cfg
	clone.Components = make([]domain.ComponentInstance, len(cfg.Components))
	copy(clone.Components, cfg.Components)
	found := false
	for i := range clone.Components {
		if clone.Components[i].Key == key {
			clone.Components[i].Freeze = nil
			clone.Components[i].IsActive = true
			found = true
		}
	}
	if !found {
		return decimal.Zero, ErrComponentNotFound
	}
	lines, _, _, _, err := calculateLines(&clone, ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, ln := range lines {
		if ln.ComponentKey == key {
			return ln.Value, nil
		}
	}
	return decimal.Zero, ErrComponentNotFound
}
