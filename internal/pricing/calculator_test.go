package pricing

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jewelry-pricing-service/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// standardConfig builds the usual three-line gold configuration: automatic
// metal cost, 5% wastage on metal cost, and a fixed 200 making charge.
func standardConfig() *domain.PricingConfiguration {
	return &domain.PricingConfiguration{
		ID:        1,
		NodeID:    1,
		MetalType: "GOLD_22K",
		Version:   1,
		Components: []domain.ComponentInstance{
			{Key: "metal_cost", Name: "Metal Cost", Params: domain.MetalCostParams{Mode: domain.MetalPriceAuto}, SortOrder: 1, IsActive: true, IsVisible: true},
			{Key: "wastage", Name: "Wastage", Params: domain.PercentageParams{Percent: dec("5"), Of: domain.PercentageOfMetalCost}, SortOrder: 2, IsActive: true, IsVisible: true},
			{Key: "making_charges", Name: "Making Charges", Params: domain.FixedParams{Amount: dec("200")}, SortOrder: 3, IsActive: true, IsVisible: true},
		},
	}
}

func TestCalculate_StandardConfiguration(t *testing.T) {
	cfg := standardConfig()
	ctx := Context{NetWeight: dec("10"), MetalRate: dec("6000")}

	breakdown, err := Calculate(cfg, ctx)

	require.NoError(t, err)
	require.Len(t, breakdown.Lines, 3)
	assert.Equal(t, "60000.00", breakdown.Lines[0].Value.StringFixed(2), "metal cost should be rate * net weight")
	assert.Equal(t, "3000.00", breakdown.Lines[1].Value.StringFixed(2), "wastage should be 5% of metal cost")
	assert.Equal(t, "200.00", breakdown.Lines[2].Value.StringFixed(2))
	assert.Equal(t, "63200.00", breakdown.Subtotal.StringFixed(2))
	assert.Equal(t, "63200.00", breakdown.TotalPrice.StringFixed(2))
	assert.Equal(t, "60000.00", breakdown.MetalCost.StringFixed(2))
	assert.WithinDuration(t, time.Now().UTC(), breakdown.LastCalculated, time.Second)
}

func TestCalculate_GemstoneCostAddedAfterSubtotal(t *testing.T) {
	cfg := standardConfig()
	ctx := Context{NetWeight: dec("10"), MetalRate: dec("6000"), GemstoneCost: dec("1500")}

	breakdown, err := Calculate(cfg, ctx)

	require.NoError(t, err)
	assert.Equal(t, "63200.00", breakdown.Subtotal.StringFixed(2), "gemstones are not a component")
	assert.Equal(t, "64700.00", breakdown.TotalPrice.StringFixed(2))
	assert.Equal(t, "1500.00", breakdown.GemstoneCost.StringFixed(2))
}

func TestCalculate_LinesSumToSubtotal(t *testing.T) {
	cfg := standardConfig()
	cfg.Components = append(cfg.Components,
		domain.ComponentInstance{Key: "gst", Name: "GST", Params: domain.PercentageParams{Percent: dec("3"), Of: domain.PercentageOfSubtotal}, SortOrder: 4, IsActive: true, IsVisible: true},
	)
	ctx := Context{NetWeight: dec("7.37"), MetalRate: dec("6123.45")}

	breakdown, err := Calculate(cfg, ctx)

	require.NoError(t, err)
	sum := decimal.Zero
	for _, ln := range breakdown.Lines {
		sum = sum.Add(ln.Value)
	}
	assert.True(t, sum.Equal(breakdown.Subtotal), "line values must sum exactly to the subtotal, got %s vs %s", sum, breakdown.Subtotal)
}

func TestCalculate_FrozenComponentUsesFrozenValue(t *testing.T) {
	cfg := standardConfig()
	cfg.Components[1].Freeze = &domain.FreezeState{
		Value:       dec("2500"),
		AtMetalRate: dec("6000"),
		Reason:      "festival offer",
		Actor:       "manager@store",
		FrozenAt:    time.Now().UTC(),
	}
	// Rate moved since the freeze; the frozen line must not move with it.
	ctx := Context{NetWeight: dec("10"), MetalRate: dec("6500")}

	breakdown, err := Calculate(cfg, ctx)

	require.NoError(t, err)
	assert.Equal(t, "65000.00", breakdown.Lines[0].Value.StringFixed(2))
	assert.Equal(t, "2500.00", breakdown.Lines[1].Value.StringFixed(2), "frozen wastage must ignore the live rate")
	assert.True(t, breakdown.Lines[1].IsFrozen)
	assert.Equal(t, "67700.00", breakdown.Subtotal.StringFixed(2))
}

func TestCalculate_FrozenMetalCostStillAnchorsPercentages(t *testing.T) {
	cfg := standardConfig()
	cfg.Components[0].Freeze = &domain.FreezeState{Value: dec("58000"), AtMetalRate: dec("5800")}
	ctx := Context{NetWeight: dec("10"), MetalRate: dec("6500")}

	breakdown, err := Calculate(cfg, ctx)

	require.NoError(t, err)
	assert.Equal(t, "58000.00", breakdown.Lines[0].Value.StringFixed(2))
	assert.Equal(t, "2900.00", breakdown.Lines[1].Value.StringFixed(2), "wastage should be 5% of the frozen metal cost")
}

func TestCalculate_ManualMetalRateOverridesLiveRate(t *testing.T) {
	cfg := standardConfig()
	manual := dec("5500")
	cfg.Components[0].Params = domain.MetalCostParams{Mode: domain.MetalPriceManual, ManualRate: &manual}
	ctx := Context{NetWeight: dec("10"), MetalRate: dec("6500")}

	breakdown, err := Calculate(cfg, ctx)

	require.NoError(t, err)
	assert.Equal(t, "55000.00", breakdown.Lines[0].Value.StringFixed(2))
}

func TestCalculate_PerGramComponent(t *testing.T) {
	cfg := standardConfig()
	cfg.Components[2] = domain.ComponentInstance{
		Key: "making_charges", Name: "Making Charges",
		Params:    domain.PerGramParams{RatePerGram: dec("350")},
		SortOrder: 3, IsActive: true, IsVisible: true,
	}
	ctx := Context{NetWeight: dec("9.5"), MetalRate: dec("6000")}

	breakdown, err := Calculate(cfg, ctx)

	require.NoError(t, err)
	assert.Equal(t, "3325.00", breakdown.Lines[2].Value.StringFixed(2))
}

func TestCalculate_InactiveComponentsAreSkipped(t *testing.T) {
	cfg := standardConfig()
	cfg.Components[1].IsActive = false
	ctx := Context{NetWeight: dec("10"), MetalRate: dec("6000")}

	breakdown, err := Calculate(cfg, ctx)

	require.NoError(t, err)
	require.Len(t, breakdown.Lines, 2)
	assert.Equal(t, "60200.00", breakdown.Subtotal.StringFixed(2))
}

func TestCalculate_HiddenComponentFoldedIntoMetalLine(t *testing.T) {
	cfg := standardConfig()
	cfg.Components = append(cfg.Components,
		domain.ComponentInstance{Key: "margin", Name: "Margin", Params: domain.PercentageParams{Percent: dec("10"), Of: domain.PercentageOfMetalCost}, SortOrder: 4, IsActive: true, IsVisible: false},
	)
	ctx := Context{NetWeight: dec("10"), MetalRate: dec("6000")}

	breakdown, err := Calculate(cfg, ctx)

	require.NoError(t, err)
	require.Len(t, breakdown.Lines, 4)
	// Margin (6000) disappears into the metal line, which is relabelled.
	assert.Equal(t, "66000.00", breakdown.Lines[0].Value.StringFixed(2))
	assert.Equal(t, FoldedMetalCostLabel, breakdown.Lines[0].ComponentName)
	assert.Equal(t, "0.00", breakdown.Lines[3].Value.StringFixed(2))
	assert.Equal(t, "69200.00", breakdown.Subtotal.StringFixed(2), "folding must not change the subtotal")
}

func TestCalculate_NoMetalLineLeavesHiddenComponentsAlone(t *testing.T) {
	cfg := &domain.PricingConfiguration{
		MetalType: "SILVER",
		Components: []domain.ComponentInstance{
			{Key: "making_charges", Name: "Making Charges", Params: domain.FixedParams{Amount: dec("500")}, SortOrder: 1, IsActive: true, IsVisible: true},
			{Key: "margin", Name: "Margin", Params: domain.FixedParams{Amount: dec("100")}, SortOrder: 2, IsActive: true, IsVisible: false},
		},
	}

	breakdown, err := Calculate(cfg, Context{NetWeight: dec("10"), MetalRate: dec("75")})

	require.NoError(t, err)
	assert.Equal(t, "100.00", breakdown.Lines[1].Value.StringFixed(2), "nothing to fold into without a metal line")
	assert.Equal(t, "600.00", breakdown.Subtotal.StringFixed(2))
}

func TestCalculate_Deterministic(t *testing.T) {
	cfg := standardConfig()
	ctx := Context{NetWeight: dec("11.31"), MetalRate: dec("6177.77"), GemstoneCost: dec("999.99")}

	first, err := Calculate(cfg, ctx)
	require.NoError(t, err)
	second, err := Calculate(cfg, ctx)
	require.NoError(t, err)

	assert.True(t, first.Subtotal.Equal(second.Subtotal))
	assert.True(t, first.TotalPrice.Equal(second.TotalPrice))
	for i := range first.Lines {
		assert.True(t, first.Lines[i].Value.Equal(second.Lines[i].Value))
	}
}

func TestCalculate_EmptyConfiguration(t *testing.T) {
	cfg := &domain.PricingConfiguration{MetalType: "GOLD_22K"}

	_, err := Calculate(cfg, Context{NetWeight: dec("10"), MetalRate: dec("6000")})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyConfiguration))
}

func TestCalculate_AllInactiveIsEmpty(t *testing.T) {
	cfg := standardConfig()
	for i := range cfg.Components {
		cfg.Components[i].IsActive = false
	}

	_, err := Calculate(cfg, Context{NetWeight: dec("10"), MetalRate: dec("6000")})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyConfiguration))
}

func TestCalculate_NegativeInputsRejected(t *testing.T) {
	cfg := standardConfig()

	_, err := Calculate(cfg, Context{NetWeight: dec("-1"), MetalRate: dec("6000")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidContext))

	_, err = Calculate(cfg, Context{NetWeight: dec("10"), MetalRate: dec("-6000")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidContext))

	_, err = Calculate(cfg, Context{NetWeight: dec("10"), MetalRate: dec("6000"), GemstoneCost: dec("-5")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidContext))
}

func TestCalculate_ZeroWeightIsValid(t *testing.T) {
	cfg := standardConfig()

	breakdown, err := Calculate(cfg, Context{NetWeight: decimal.Zero, MetalRate: dec("6000")})

	require.NoError(t, err)
	assert.Equal(t, "200.00", breakdown.Subtotal.StringFixed(2), "only the fixed component survives a zero weight")
}

func TestCalculate_ComponentsEvaluatedInSortOrder(t *testing.T) {
	// Declared out of order on purpose: the percentage-of-subtotal line must
	// still see the metal cost accumulated before it.
	cfg := &domain.PricingConfiguration{
		MetalType: "GOLD_22K",
		Components: []domain.ComponentInstance{
			{Key: "gst", Name: "GST", Params: domain.PercentageParams{Percent: dec("10"), Of: domain.PercentageOfSubtotal}, SortOrder: 2, IsActive: true, IsVisible: true},
			{Key: "metal_cost", Name: "Metal Cost", Params: domain.MetalCostParams{Mode: domain.MetalPriceAuto}, SortOrder: 1, IsActive: true, IsVisible: true},
		},
	}

	breakdown, err := Calculate(cfg, Context{NetWeight: dec("10"), MetalRate: dec("6000")})

	require.NoError(t, err)
	assert.Equal(t, "metal_cost", breakdown.Lines[0].ComponentKey)
	assert.Equal(t, "6000.00", breakdown.Lines[1].Value.StringFixed(2), "10% of the 60000 running subtotal")
}
