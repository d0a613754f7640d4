package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CalculationKind identifies how a pricing component derives its value.
type CalculationKind string

const (
	KindFixed      CalculationKind = "FIXED"
	KindPerGram    CalculationKind = "PER_GRAM"
	KindPercentage CalculationKind = "PERCENTAGE"
	KindMetalCost  CalculationKind = "METAL_COST"
)

// PercentageBase selects what a PERCENTAGE component is a percentage of.
type PercentageBase string

const (
	PercentageOfSubtotal  PercentageBase = "subtotal"
	PercentageOfMetalCost PercentageBase = "metalCost"
)

// MetalPriceMode selects the rate source for a METAL_COST component.
type MetalPriceMode string

const (
	MetalPriceAuto   MetalPriceMode = "AUTO"
	MetalPriceManual MetalPriceMode = "MANUAL"
)

// ComponentDefinition is an entry in the global dictionary of reusable pricing
// line items (e.g. "Metal Cost", "Wastage", "Making Charges"). Only the display
// name and default value may change once a definition is referenced by a live
// configuration; system definitions can never be deleted.
type ComponentDefinition struct {
	Key          string          `json:"key"`
	Name         string          `json:"name"`
	Kind         CalculationKind `json:"kind"`
	DefaultValue decimal.Decimal `json:"default_value"`
	IsSystem     bool            `json:"is_system"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ComponentParams is the kind-dependent parameter set of a component instance.
// Exactly one concrete type exists per calculation kind, so each kind's required
// parameters are enforced by the type system instead of a bag of optional fields.
type ComponentParams interface {
	Kind() CalculationKind
}

// FixedParams parameterizes a FIXED component: the value is the amount itself.
type FixedParams struct {
	Amount decimal.Decimal
}

func (FixedParams) Kind() CalculationKind { return KindFixed }

// PerGramParams parameterizes a PER_GRAM component: value = netWeight x rate.
type PerGramParams struct {
	RatePerGram decimal.Decimal
}

func (PerGramParams) Kind() CalculationKind { return KindPerGram }

// PercentageParams parameterizes a PERCENTAGE component: value = base x percent / 100,
// where the base is the running subtotal or the running metal cost.
type PercentageParams struct {
	Percent decimal.Decimal
	Of      PercentageBase
}

func (PercentageParams) Kind() CalculationKind { return KindPercentage }

// MetalCostParams parameterizes a METAL_COST component. In AUTO mode the live
// metal rate from the calculation context is used; in MANUAL mode ManualRate
// replaces it.
type MetalCostParams struct {
	Mode       MetalPriceMode
	ManualRate *decimal.Decimal // required when Mode == MetalPriceManual
}

func (MetalCostParams) Kind() CalculationKind { return KindMetalCost }

// FreezeState pins a component instance to a fixed value, decoupling it from
// live metal-rate recomputation. A nil FreezeState means "not frozen".
type FreezeState struct {
	Value       decimal.Decimal `json:"value"`
	AtMetalRate decimal.Decimal `json:"at_metal_rate"`
	Reason      string          `json:"reason"`
	Actor       string          `json:"actor"`
	FrozenAt    time.Time       `json:"frozen_at"`
}

// ComponentInstance is one ordered element of a pricing configuration. It
// references a ComponentDefinition by key and carries its own parameters,
// visibility, active flag and optional frozen state.
type ComponentInstance struct {
	Key       string
	Name      string
	Params    ComponentParams
	SortOrder int
	IsActive  bool
	IsVisible bool
	Freeze    *FreezeState
}

// IsFrozen reports whether the instance is pinned to a frozen value.
func (ci *ComponentInstance) IsFrozen() bool { return ci.Freeze != nil }

// componentInstanceWire is the flat JSON shape used for storage and the API.
// The kind tag selects which of the optional parameter fields are meaningful.
type componentInstanceWire struct {
	Key              string           `json:"key"`
	Name             string           `json:"name"`
	Kind             CalculationKind  `json:"kind"`
	Value            *decimal.Decimal `json:"value,omitempty"`
	PercentageOf     PercentageBase   `json:"percentage_of,omitempty"`
	MetalPriceMode   MetalPriceMode   `json:"metal_price_mode,omitempty"`
	ManualMetalPrice *decimal.Decimal `json:"manual_metal_price,omitempty"`
	SortOrder        int              `json:"sort_order"`
	IsActive         bool             `json:"is_active"`
	IsVisible        bool             `json:"is_visible"`
	Freeze           *FreezeState     `json:"freeze,omitempty"`
}

// MarshalJSON flattens the tagged params union into the wire shape.
func (ci ComponentInstance) MarshalJSON() ([]byte, error) {
	w := componentInstanceWire{
		Key:       ci.Key,
		Name:      ci.Name,
		SortOrder: ci.SortOrder,
		IsActive:  ci.IsActive,
		IsVisible: ci.IsVisible,
		Freeze:    ci.Freeze,
	}
	switch p := ci.Params.(type) {
	case FixedParams:
		w.Kind = KindFixed
		w.Value = &p.Amount
	case PerGramParams:
		w.Kind = KindPerGram
		w.Value = &p.RatePerGram
	case PercentageParams:
		w.Kind = KindPercentage
		w.Value = &p.Percent
		w.PercentageOf = p.Of
	case MetalCostParams:
		w.Kind = KindMetalCost
		w.MetalPriceMode = p.Mode
		w.ManualMetalPrice = p.ManualRate
	default:
		return nil, fmt.Errorf("domain: component %q has unsupported params type %T", ci.Key, ci.Params)
	}
	return json.Marshal(w)
}

// UnmarshalJSON rebuilds the tagged params union from the wire shape, validating
// that the kind's required parameters are present.
func (ci *ComponentInstance) UnmarshalJSON(data []byte) error {
	var w componentInstanceWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	params, err := paramsFromWire(&w)
	if err != nil {
		return err
	}
	ci.Key = w.Key
	ci.Name = w.Name
	ci.Params = params
	ci.SortOrder = w.SortOrder
	ci.IsActive = w.IsActive
	ci.IsVisible = w.IsVisible
	ci.Freeze = w.Freeze
	return nil
}

func paramsFromWire(w *componentInstanceWire) (ComponentParams, error) {
	switch w.Kind {
	case KindFixed:
		if w.Value == nil {
			return nil, fmt.Errorf("domain: FIXED component %q requires a value", w.Key)
		}
		return FixedParams{Amount: *w.Value}, nil
	case KindPerGram:
		if w.Value == nil {
			return nil, fmt.Errorf("domain: PER_GRAM component %q requires a value", w.Key)
		}
		return PerGramParams{RatePerGram: *w.Value}, nil
	case KindPercentage:
		if w.Value == nil {
			return nil, fmt.Errorf("domain: PERCENTAGE component %q requires a value", w.Key)
		}
		of := w.PercentageOf
		if of == "" {
			of = PercentageOfSubtotal
		}
		if of != PercentageOfSubtotal && of != PercentageOfMetalCost {
			return nil, fmt.Errorf("domain: PERCENTAGE component %q has invalid percentage_of %q", w.Key, of)
		}
		return PercentageParams{Percent: *w.Value, Of: of}, nil
	case KindMetalCost:
		mode := w.MetalPriceMode
		if mode == "" {
			mode = MetalPriceAuto
		}
		if mode == MetalPriceManual && w.ManualMetalPrice == nil {
			return nil, fmt.Errorf("domain: METAL_COST component %q in MANUAL mode requires manual_metal_price", w.Key)
		}
		if mode != MetalPriceAuto && mode != MetalPriceManual {
			return nil, fmt.Errorf("domain: METAL_COST component %q has invalid metal_price_mode %q", w.Key, mode)
		}
		return MetalCostParams{Mode: mode, ManualRate: w.ManualMetalPrice}, nil
	default:
		return nil, fmt.Errorf("domain: component %q has unknown calculation kind %q", w.Key, w.Kind)
	}
}

// FreezeAction distinguishes the two kinds of freeze-history entries.
type FreezeAction string

const (
	FreezeActionFreeze   FreezeAction = "freeze"
	FreezeActionUnfreeze FreezeAction = "unfreeze"
)

// FreezeEvent is one append-only entry in a configuration's freeze history.
// Records are immutable; they are never deleted or rewritten.
type FreezeEvent struct {
	Action       FreezeAction    `json:"action"`
	ComponentKey string          `json:"component_key"`
	ValueBefore  decimal.Decimal `json:"value_before"`
	ValueAfter   decimal.Decimal `json:"value_after"`
	MetalRate    decimal.Decimal `json:"metal_rate"`
	Actor        string          `json:"actor"`
	Reason       string          `json:"reason,omitempty"`
	At           time.Time       `json:"at"`
}

// PricingConfiguration is the ordered set of component instances owned by one
// hierarchy node, plus its freeze history. Version is bumped on every mutation
// and backs the optimistic concurrency check between freeze/unfreeze edits and
// in-flight recalculations.
type PricingConfiguration struct {
	ID                   int64               `json:"id"`
	NodeID               int64               `json:"node_id"`
	MetalType            string              `json:"metal_type"`
	Components           []ComponentInstance `json:"components"`
	FreezeHistory        []FreezeEvent       `json:"freeze_history"`
	AffectedProductCount int                 `json:"affected_product_count"`
	Version              int64               `json:"version"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// Component returns the instance with the given key, or nil if absent.
func (c *PricingConfiguration) Component(key string) *ComponentInstance {
	for i := range c.Components {
		if c.Components[i].Key == key {
			return &c.Components[i]
		}
	}
	return nil
}

// ActiveComponents returns a copy of the active instances in ascending
// sort order, the order the calculator must evaluate them in.
func (c *PricingConfiguration) ActiveComponents() []ComponentInstance {
	active := make([]ComponentInstance, 0, len(c.Components))
	for _, ci := range c.Components {
		if ci.IsActive {
			active = append(active, ci)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].SortOrder < active[j].SortOrder
	})
	return active
}

// Validate enforces the configuration-authoring invariants: non-empty keys,
// unique sort orders and at most one METAL_COST component.
func (c *PricingConfiguration) Validate() error {
	seenOrders := make(map[int]string, len(c.Components))
	seenKeys := make(map[string]struct{}, len(c.Components))
	metalCount := 0
	for _, ci := range c.Components {
		if ci.Key == "" {
			return fmt.Errorf("domain: configuration has a component with an empty key")
		}
		if _, dup := seenKeys[ci.Key]; dup {
			return fmt.Errorf("domain: duplicate component key %q", ci.Key)
		}
		seenKeys[ci.Key] = struct{}{}
		if other, dup := seenOrders[ci.SortOrder]; dup {
			return fmt.Errorf("domain: components %q and %q share sort order %d", other, ci.Key, ci.SortOrder)
		}
		seenOrders[ci.SortOrder] = ci.Key
		if ci.Params == nil {
			return fmt.Errorf("domain: component %q has no parameters", ci.Key)
		}
		if ci.Params.Kind() == KindMetalCost {
			metalCount++
		}
	}
	if metalCount > 1 {
		return fmt.Errorf("domain: configuration has %d METAL_COST components, at most one is allowed", metalCount)
	}
	return nil
}

// Default component keys used by the "create default configuration" shortcut
// and the seed definitions.
const (
	ComponentKeyMetalCost     = "metal_cost"
	ComponentKeyWastage       = "wastage"
	ComponentKeyMakingCharges = "making_charges"
)

// DefaultComponents returns the standard starter component set: an automatic
// metal-cost line, a wastage percentage on metal cost, and a fixed making charge.
func DefaultComponents() []ComponentInstance {
	return []ComponentInstance{
		{
			Key:       ComponentKeyMetalCost,
			Name:      "Metal Cost",
			Params:    MetalCostParams{Mode: MetalPriceAuto},
			SortOrder: 1,
			IsActive:  true,
			IsVisible: true,
		},
		{
			Key:       ComponentKeyWastage,
			Name:      "Wastage",
			Params:    PercentageParams{Percent: decimal.NewFromInt(5), Of: PercentageOfMetalCost},
			SortOrder: 2,
			IsActive:  true,
			IsVisible: true,
		},
		{
			Key:       ComponentKeyMakingCharges,
			Name:      "Making Charges",
			Params:    FixedParams{Amount: decimal.NewFromInt(200)},
			SortOrder: 3,
			IsActive:  true,
			IsVisible: true,
		},
	}
}

// Node is one subcategory in the hierarchy tree. A node without its own
// configuration inherits the nearest ancestor's. The tree is acyclic by
// construction: parents are validated at creation time.
type Node struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	ParentID            *int64    `json:"parent_id,omitempty"`
	HasOwnConfiguration bool      `json:"has_own_configuration"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// BreakdownLine is one itemized row of a computed price breakdown.
type BreakdownLine struct {
	ComponentKey  string          `json:"component_key"`
	ComponentName string          `json:"component_name"`
	Value         decimal.Decimal `json:"value"`
	IsFrozen      bool            `json:"is_frozen"`
	IsVisible     bool            `json:"is_visible"`
}

// PriceBreakdown is the ordered, itemized result of evaluating a configuration
// against a numeric context. It is wholly derived and replaceable; it is never
// hand-edited. The displayed line values sum exactly to Subtotal.
type PriceBreakdown struct {
	Lines          []BreakdownLine `json:"lines"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	MetalRate      decimal.Decimal `json:"metal_rate"`
	MetalCost      decimal.Decimal `json:"metal_cost"`
	GemstoneCost   decimal.Decimal `json:"gemstone_cost"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	LastCalculated time.Time       `json:"last_calculated"`
}
