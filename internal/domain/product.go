package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the slice of the product record the pricing engine reads and
// writes: weight fields and gemstone cost feed the calculation context, and the
// computed breakdown is persisted back onto the product. Full product CRUD
// lives with the catalog collaborators, not here.
type Product struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	SKU          string          `json:"sku"`
	NodeID       int64           `json:"node_id"`
	MetalType    string          `json:"metal_type"`
	GrossWeight  decimal.Decimal `json:"gross_weight"`
	NetWeight    decimal.Decimal `json:"net_weight"`
	GemstoneCost decimal.Decimal `json:"gemstone_cost"`
	Breakdown    *PriceBreakdown `json:"price_breakdown,omitempty"`
	TotalPrice   decimal.Decimal `json:"total_price"`
	IsActive     bool            `json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MetalRate is the current spot price for one metal type, consumed from the
// metal-price service.
type MetalRate struct {
	MetalType string          `json:"metal_type"`
	Rate      decimal.Decimal `json:"rate"`
	UpdatedAt time.Time       `json:"updated_at"`
}
