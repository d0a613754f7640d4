package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"jewelry-pricing-service/internal/domain"
)

// DefinitionUpdateParams holds the only mutable fields of a component
// definition once it is referenced by a live configuration.
type DefinitionUpdateParams struct {
	Name         string
	DefaultValue decimal.Decimal
}

// ComponentDefinitionStorer defines the database operations for the global
// price-component dictionary.
type ComponentDefinitionStorer interface {
	CreateDefinition(ctx context.Context, def *domain.ComponentDefinition) (*domain.ComponentDefinition, error)
	GetDefinitionByKey(ctx context.Context, key string) (*domain.ComponentDefinition, error)
	ListDefinitions(ctx context.Context) ([]domain.ComponentDefinition, error)
	UpdateDefinition(ctx context.Context, key string, params DefinitionUpdateParams) (*domain.ComponentDefinition, error)
	DeleteDefinition(ctx context.Context, key string) error
}

// NodeStorer defines the database operations for hierarchy nodes.
// CreateNode validates the parent path so the tree stays acyclic by
// construction.
type NodeStorer interface {
	CreateNode(ctx context.Context, node *domain.Node) (*domain.Node, error)
	GetNodeByID(ctx context.Context, id int64) (*domain.Node, error)
}

// ConfigurationStorer defines the database operations for pricing
// configurations. UpdateConfiguration is optimistic: it matches the caller's
// Version and returns ErrVersionConflict when another writer got there first.
type ConfigurationStorer interface {
	CreateConfiguration(ctx context.Context, cfg *domain.PricingConfiguration) (*domain.PricingConfiguration, error)
	GetConfigurationByID(ctx context.Context, id int64) (*domain.PricingConfiguration, error)
	GetConfigurationByNodeID(ctx context.Context, nodeID int64) (*domain.PricingConfiguration, error)
	GetConfigurationVersion(ctx context.Context, id int64) (int64, error)
	UpdateConfiguration(ctx context.Context, cfg *domain.PricingConfiguration) (*domain.PricingConfiguration, error)
	DetachConfiguration(ctx context.Context, nodeID int64) error
	SetAffectedProductCount(ctx context.Context, id int64, count int) error
}

// ProductStorer defines the product reads and the single write the pricing
// engine owns: persisting a freshly computed breakdown.
type ProductStorer interface {
	GetProductByID(ctx context.Context, id int64) (*domain.Product, error)
	ListProductIDsByConfiguration(ctx context.Context, configurationID int64) ([]int64, error)
	ListProductIDsByMetalType(ctx context.Context, metalType string) ([]int64, error)
	CountProductsByConfiguration(ctx context.Context, configurationID int64) (int, error)
	CountProductsByMetalType(ctx context.Context, metalType string) (int, error)
	UpdateProductBreakdown(ctx context.Context, productID int64, breakdown *domain.PriceBreakdown) error
}

// JobStorer defines the database operations for recalculation jobs.
// CreateJob refuses to insert while an active job covers the same target and
// returns ErrDuplicateActiveJob; ListUnfinishedJobIDs feeds the startup sweep
// that re-drives jobs a previous process left behind.
type JobStorer interface {
	CreateJob(ctx context.Context, job *domain.RecalculationJob) error
	GetJobByID(ctx context.Context, id uuid.UUID) (*domain.RecalculationJob, error)
	ListUnfinishedJobIDs(ctx context.Context) ([]uuid.UUID, error)
	UpdateJob(ctx context.Context, job *domain.RecalculationJob) error
	UpdateJobProgress(ctx context.Context, id uuid.UUID, progress domain.JobProgress) error
	HasActiveJob(ctx context.Context, configurationID *int64, metalType *string) (bool, error)
	RequestJobCancel(ctx context.Context, id uuid.UUID) error
	IsJobCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
}

// MetalRateStorer defines access to the current spot price per metal type.
type MetalRateStorer interface {
	GetMetalRate(ctx context.Context, metalType string) (*domain.MetalRate, error)
	UpsertMetalRate(ctx context.Context, metalType string, rate decimal.Decimal) (*domain.MetalRate, error)
}
