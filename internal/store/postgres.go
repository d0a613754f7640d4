package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"jewelry-pricing-service/internal/domain"
)

// Predefined errors for store operations
var (
	ErrDefinitionNotFound    = errors.New("store: component definition not found")
	ErrDefinitionKeyExists   = errors.New("store: component definition key already exists")
	ErrDefinitionInUse       = errors.New("store: component definition is referenced by a configuration")
	ErrSystemDefinition      = errors.New("store: system component definitions cannot be deleted")
	ErrNodeNotFound          = errors.New("store: node not found")
	ErrParentNodeNotFound    = errors.New("store: parent node not found")
	ErrHierarchyCycle        = errors.New("store: parent path contains a cycle")
	ErrConfigurationNotFound = errors.New("store: pricing configuration not found")
	ErrConfigurationExists   = errors.New("store: node already has a pricing configuration")
	ErrVersionConflict       = errors.New("store: configuration version conflict")
	ErrProductNotFound       = errors.New("store: product not found")
	ErrJobNotFound           = errors.New("store: recalculation job not found")
	ErrDuplicateActiveJob    = errors.New("store: an active job already covers this target")
	ErrMetalRateNotFound     = errors.New("store: metal rate not found")
)

// PostgresStore implements every storer interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore instance.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// --- ComponentDefinitionStorer Implementation ---

func (s *PostgresStore) CreateDefinition(ctx context.Context, def *domain.ComponentDefinition) (*domain.ComponentDefinition, error) {
	query := `
		INSERT INTO pricing.component_definitions (key, name, kind, default_value, is_system)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING key, name, kind, default_value, is_system, created_at, updated_at;
	`
	row := s.db.QueryRowContext(ctx, query, def.Key, def.Name, string(def.Kind), def.DefaultValue, def.IsSystem)

	var created domain.ComponentDefinition
	err := row.Scan(&created.Key, &created.Name, &created.Kind, &created.DefaultValue, &created.IsSystem, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDefinitionKeyExists
		}
		return nil, fmt.Errorf("store: CreateDefinition failed to scan row: %w", err)
	}
	return &created, nil
}

func (s *PostgresStore) GetDefinitionByKey(ctx context.Context, key string) (*domain.ComponentDefinition, error) {
	query := `
		SELECT key, name, kind, default_value, is_system, created_at, updated_at
		FROM pricing.component_definitions
		WHERE key = $1;
	`
	var def domain.ComponentDefinition
	err := s.db.QueryRowContext(ctx, query, key).Scan(&def.Key, &def.Name, &def.Kind, &def.DefaultValue, &def.IsSystem, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("store: GetDefinitionByKey failed to scan row: %w", err)
	}
	return &def, nil
}

func (s *PostgresStore) ListDefinitions(ctx context.Context) ([]domain.ComponentDefinition, error) {
	query := `
		SELECT key, name, kind, default_value, is_system, created_at, updated_at
		FROM pricing.component_definitions
		ORDER BY key ASC;
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: ListDefinitions failed to query definitions: %w", err)
	}
	defer rows.Close()

	defs := []domain.ComponentDefinition{}
	for rows.Next() {
		var d domain.ComponentDefinition
		if err := rows.Scan(&d.Key, &d.Name, &d.Kind, &d.DefaultValue, &d.IsSystem, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: ListDefinitions failed to scan row: %w", err)
		}
		defs = append(defs, d)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("store: ListDefinitions iteration error: %w", err)
	}
	return defs, nil
}

// UpdateDefinition changes the only fields that stay mutable once a definition
// is referenced by a live configuration: display name and default value.
func (s *PostgresStore) UpdateDefinition(ctx context.Context, key string, params DefinitionUpdateParams) (*domain.ComponentDefinition, error) {
	query := `
		UPDATE pricing.component_definitions
		SET name = $1, default_value = $2, updated_at = CURRENT_TIMESTAMP
		WHERE key = $3
		RETURNING key, name, kind, default_value, is_system, created_at, updated_at;
	`
	var def domain.ComponentDefinition
	err := s.db.QueryRowContext(ctx, query, params.Name, params.DefaultValue, key).
		Scan(&def.Key, &def.Name, &def.Kind, &def.DefaultValue, &def.IsSystem, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("store: UpdateDefinition failed to scan row: %w", err)
	}
	return &def, nil
}

func (s *PostgresStore) DeleteDefinition(ctx context.Context, key string) error {
	def, err := s.GetDefinitionByKey(ctx, key)
	if err != nil {
		return err
	}
	if def.IsSystem {
		return ErrSystemDefinition
	}

	var inUse bool
	usageQuery := `
		SELECT EXISTS (
			SELECT 1 FROM pricing.configurations c, jsonb_array_elements(c.components) e
			WHERE e->>'key' = $1
		);
	`
	if err := s.db.QueryRowContext(ctx, usageQuery, key).Scan(&inUse); err != nil {
		return fmt.Errorf("store: DeleteDefinition failed to check usage: %w", err)
	}
	if inUse {
		return ErrDefinitionInUse
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM pricing.component_definitions WHERE key = $1;`, key)
	if err != nil {
		return fmt.Errorf("store: DeleteDefinition failed to execute delete: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: DeleteDefinition failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDefinitionNotFound
	}
	return nil
}

// --- NodeStorer Implementation ---

// CreateNode inserts a hierarchy node after validating the parent path: the
// parent must exist and the chain to the root must terminate without repeats,
// keeping the tree acyclic by construction.
func (s *PostgresStore) CreateNode(ctx context.Context, node *domain.Node) (*domain.Node, error) {
	if node.ParentID != nil {
		if err := s.validateParentPath(ctx, *node.ParentID); err != nil {
			return nil, err
		}
	}

	query := `
		INSERT INTO pricing.nodes (name, parent_id, has_own_configuration)
		VALUES ($1, $2, FALSE)
		RETURNING id, name, parent_id, has_own_configuration, created_at, updated_at;
	`
	var created domain.Node
	err := s.db.QueryRowContext(ctx, query, node.Name, node.ParentID).
		Scan(&created.ID, &created.Name, &created.ParentID, &created.HasOwnConfiguration, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: CreateNode failed to scan row: %w", err)
	}
	return &created, nil
}

func (s *PostgresStore) validateParentPath(ctx context.Context, parentID int64) error {
	visited := make(map[int64]struct{})
	current := parentID
	for {
		if _, seen := visited[current]; seen {
			return ErrHierarchyCycle
		}
		visited[current] = struct{}{}

		node, err := s.GetNodeByID(ctx, current)
		if err != nil {
			if errors.Is(err, ErrNodeNotFound) {
				return ErrParentNodeNotFound
			}
			return err
		}
		if node.ParentID == nil {
			return nil
		}
		current = *node.ParentID
	}
}

func (s *PostgresStore) GetNodeByID(ctx context.Context, id int64) (*domain.Node, error) {
	query := `
		SELECT id, name, parent_id, has_own_configuration, created_at, updated_at
		FROM pricing.nodes
		WHERE id = $1;
	`
	var node domain.Node
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&node.ID, &node.Name, &node.ParentID, &node.HasOwnConfiguration, &node.CreatedAt, &node.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("store: GetNodeByID failed to scan row: %w", err)
	}
	return &node, nil
}

// --- ConfigurationStorer Implementation ---

const configurationColumns = `id, node_id, metal_type, components, freeze_history, affected_product_count, version, created_at, updated_at`

// CreateConfiguration inserts a configuration and flips the owning node's
// has_own_configuration flag in the same transaction; at most one
// configuration may exist per node.
func (s *PostgresStore) CreateConfiguration(ctx context.Context, cfg *domain.PricingConfiguration) (*domain.PricingConfiguration, error) {
	componentsJSON, historyJSON, err := marshalConfigurationJSON(cfg)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: CreateConfiguration failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO pricing.configurations (node_id, metal_type, components, freeze_history, affected_product_count, version)
		VALUES ($1, $2, $3, $4, 0, 1)
		RETURNING ` + configurationColumns + `;
	`
	row := tx.QueryRowContext(ctx, query, cfg.NodeID, cfg.MetalType, componentsJSON, historyJSON)
	created, err := scanConfiguration(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrConfigurationExists
		}
		return nil, fmt.Errorf("store: CreateConfiguration failed to scan row: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE pricing.nodes SET has_own_configuration = TRUE, updated_at = CURRENT_TIMESTAMP WHERE id = $1;`, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("store: CreateConfiguration failed to flag node: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNodeNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: CreateConfiguration failed to commit: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetConfigurationByID(ctx context.Context, id int64) (*domain.PricingConfiguration, error) {
	query := `SELECT ` + configurationColumns + ` FROM pricing.configurations WHERE id = $1;`
	cfg, err := scanConfiguration(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConfigurationNotFound
		}
		return nil, fmt.Errorf("store: GetConfigurationByID failed to scan row: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) GetConfigurationByNodeID(ctx context.Context, nodeID int64) (*domain.PricingConfiguration, error) {
	query := `SELECT ` + configurationColumns + ` FROM pricing.configurations WHERE node_id = $1;`
	cfg, err := scanConfiguration(s.db.QueryRowContext(ctx, query, nodeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConfigurationNotFound
		}
		return nil, fmt.Errorf("store: GetConfigurationByNodeID failed to scan row: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) GetConfigurationVersion(ctx context.Context, id int64) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM pricing.configurations WHERE id = $1;`, id).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrConfigurationNotFound
		}
		return 0, fmt.Errorf("store: GetConfigurationVersion failed to scan row: %w", err)
	}
	return version, nil
}

// UpdateConfiguration writes components, history and metal type guarded by an
// optimistic version match; every successful update bumps the version.
func (s *PostgresStore) UpdateConfiguration(ctx context.Context, cfg *domain.PricingConfiguration) (*domain.PricingConfiguration, error) {
	componentsJSON, historyJSON, err := marshalConfigurationJSON(cfg)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE pricing.configurations
		SET metal_type = $1, components = $2, freeze_history = $3, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4 AND version = $5
		RETURNING ` + configurationColumns + `;
	`
	updated, err := scanConfiguration(s.db.QueryRowContext(ctx, query, cfg.MetalType, componentsJSON, historyJSON, cfg.ID, cfg.Version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Distinguish a missing configuration from a concurrent writer.
			if _, verErr := s.GetConfigurationVersion(ctx, cfg.ID); verErr != nil {
				return nil, verErr
			}
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("store: UpdateConfiguration failed to scan row: %w", err)
	}
	return updated, nil
}

// DetachConfiguration deletes the node's configuration and clears its
// ownership flag, reverting the node to inherited pricing.
func (s *PostgresStore) DetachConfiguration(ctx context.Context, nodeID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: DetachConfiguration failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM pricing.configurations WHERE node_id = $1;`, nodeID)
	if err != nil {
		return fmt.Errorf("store: DetachConfiguration failed to execute delete: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: DetachConfiguration failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrConfigurationNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE pricing.nodes SET has_own_configuration = FALSE, updated_at = CURRENT_TIMESTAMP WHERE id = $1;`, nodeID); err != nil {
		return fmt.Errorf("store: DetachConfiguration failed to unflag node: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: DetachConfiguration failed to commit: %w", err)
	}
	return nil
}

// SetAffectedProductCount refreshes the denormalized counter without touching
// the optimistic version; the counter is advisory, not configuration content.
func (s *PostgresStore) SetAffectedProductCount(ctx context.Context, id int64, count int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pricing.configurations SET affected_product_count = $1 WHERE id = $2;`, count, id)
	if err != nil {
		return fmt.Errorf("store: SetAffectedProductCount failed to execute update: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: SetAffectedProductCount failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrConfigurationNotFound
	}
	return nil
}

func marshalConfigurationJSON(cfg *domain.PricingConfiguration) ([]byte, []byte, error) {
	components := cfg.Components
	if components == nil {
		components = []domain.ComponentInstance{}
	}
	componentsJSON, err := json.Marshal(components)
	if err != nil {
		return nil, nil, fmt.Errorf("store: failed to marshal components: %w", err)
	}
	history := cfg.FreezeHistory
	if history == nil {
		history = []domain.FreezeEvent{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, nil, fmt.Errorf("store: failed to marshal freeze history: %w", err)
	}
	return componentsJSON, historyJSON, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConfiguration(row rowScanner) (*domain.PricingConfiguration, error) {
	var cfg domain.PricingConfiguration
	var componentsRaw, historyRaw []byte
	err := row.Scan(&cfg.ID, &cfg.NodeID, &cfg.MetalType, &componentsRaw, &historyRaw,
		&cfg.AffectedProductCount, &cfg.Version, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(componentsRaw) > 0 {
		if err := json.Unmarshal(componentsRaw, &cfg.Components); err != nil {
			return nil, fmt.Errorf("store: failed to unmarshal components: %w", err)
		}
	}
	if len(historyRaw) > 0 {
		if err := json.Unmarshal(historyRaw, &cfg.FreezeHistory); err != nil {
			return nil, fmt.Errorf("store: failed to unmarshal freeze history: %w", err)
		}
	}
	return &cfg, nil
}

// --- ProductStorer Implementation ---

const productColumns = `id, name, sku, node_id, metal_type, gross_weight, net_weight, gemstone_cost, price_breakdown, total_price, is_active, created_at, updated_at`

func (s *PostgresStore) GetProductByID(ctx context.Context, id int64) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM pricing.products WHERE id = $1;`

	var p domain.Product
	var breakdownRaw []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.SKU, &p.NodeID, &p.MetalType,
		&p.GrossWeight, &p.NetWeight, &p.GemstoneCost,
		&breakdownRaw, &p.TotalPrice, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("store: GetProductByID failed to scan row: %w", err)
	}
	if len(breakdownRaw) > 0 && string(breakdownRaw) != "null" {
		var b domain.PriceBreakdown
		if err := json.Unmarshal(breakdownRaw, &b); err != nil {
			return nil, fmt.Errorf("store: failed to unmarshal price breakdown: %w", err)
		}
		p.Breakdown = &b
	}
	return &p, nil
}

// subtreeCTE selects the node subtree that inherits the given configuration:
// descent stops at any child that owns its own configuration.
const subtreeCTE = `
	WITH RECURSIVE subtree AS (
		SELECT n.id FROM pricing.nodes n
		JOIN pricing.configurations c ON c.node_id = n.id
		WHERE c.id = $1
		UNION ALL
		SELECT child.id FROM pricing.nodes child
		JOIN subtree s ON child.parent_id = s.id
		WHERE child.has_own_configuration = FALSE
	)
`

func (s *PostgresStore) ListProductIDsByConfiguration(ctx context.Context, configurationID int64) ([]int64, error) {
	query := subtreeCTE + `
	SELECT p.id FROM pricing.products p
	JOIN subtree s ON p.node_id = s.id
	WHERE p.is_active = TRUE
	ORDER BY p.id ASC;
	`
	return s.queryProductIDs(ctx, query, configurationID)
}

func (s *PostgresStore) ListProductIDsByMetalType(ctx context.Context, metalType string) ([]int64, error) {
	query := `
		SELECT id FROM pricing.products
		WHERE metal_type = $1 AND is_active = TRUE
		ORDER BY id ASC;
	`
	return s.queryProductIDs(ctx, query, metalType)
}

func (s *PostgresStore) queryProductIDs(ctx context.Context, query string, arg interface{}) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query product ids: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: failed to scan product id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("store: product id iteration error: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) CountProductsByConfiguration(ctx context.Context, configurationID int64) (int, error) {
	query := subtreeCTE + `
	SELECT COUNT(*) FROM pricing.products p
	JOIN subtree s ON p.node_id = s.id
	WHERE p.is_active = TRUE;
	`
	var count int
	if err := s.db.QueryRowContext(ctx, query, configurationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: CountProductsByConfiguration failed: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountProductsByMetalType(ctx context.Context, metalType string) (int, error) {
	query := `SELECT COUNT(*) FROM pricing.products WHERE metal_type = $1 AND is_active = TRUE;`
	var count int
	if err := s.db.QueryRowContext(ctx, query, metalType).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: CountProductsByMetalType failed: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpdateProductBreakdown(ctx context.Context, productID int64, breakdown *domain.PriceBreakdown) error {
	breakdownJSON, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("store: failed to marshal price breakdown: %w", err)
	}
	query := `
		UPDATE pricing.products
		SET price_breakdown = $1, total_price = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3;
	`
	result, err := s.db.ExecContext(ctx, query, breakdownJSON, breakdown.TotalPrice, productID)
	if err != nil {
		return fmt.Errorf("store: UpdateProductBreakdown failed to execute update: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: UpdateProductBreakdown failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrProductNotFound
	}
	return nil
}

// --- JobStorer Implementation ---

const jobColumns = `id, status, configuration_id, metal_type, triggered_by,
		progress_total, progress_processed, progress_succeeded, progress_failed, progress_skipped,
		failures, attempts, max_attempts, last_error, cancel_requested, created_at, started_at, completed_at`

// CreateJob inserts a job unless a PENDING or RUNNING one already covers the
// same configuration or metal type. The guard lives in the insert itself so
// two concurrent dispatches cannot both pass a prior existence check.
func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.RecalculationJob) error {
	failuresJSON, err := marshalJobFailures(job)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO pricing.jobs
			(id, status, configuration_id, metal_type, triggered_by,
			 progress_total, progress_processed, progress_succeeded, progress_failed, progress_skipped,
			 failures, attempts, max_attempts, last_error, cancel_requested, created_at, started_at, completed_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		WHERE NOT EXISTS (
			SELECT 1 FROM pricing.jobs
			WHERE status IN ('PENDING', 'RUNNING')
			  AND (($3::BIGINT IS NOT NULL AND configuration_id = $3) OR ($4::TEXT IS NOT NULL AND metal_type = $4))
		);
	`
	result, err := s.db.ExecContext(ctx, query,
		job.ID, string(job.Status), job.ConfigurationID, job.MetalType, job.TriggeredBy,
		job.Progress.Total, job.Progress.Processed, job.Progress.Succeeded, job.Progress.Failed, job.Progress.Skipped,
		failuresJSON, job.Attempts, job.MaxAttempts, job.LastError, job.CancelRequested,
		job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("store: CreateJob failed to execute insert: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: CreateJob failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDuplicateActiveJob
	}
	return nil
}

func (s *PostgresStore) GetJobByID(ctx context.Context, id uuid.UUID) (*domain.RecalculationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM pricing.jobs WHERE id = $1;`

	var job domain.RecalculationJob
	var failuresRaw []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.Status, &job.ConfigurationID, &job.MetalType, &job.TriggeredBy,
		&job.Progress.Total, &job.Progress.Processed, &job.Progress.Succeeded, &job.Progress.Failed, &job.Progress.Skipped,
		&failuresRaw, &job.Attempts, &job.MaxAttempts, &job.LastError, &job.CancelRequested,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("store: GetJobByID failed to scan row: %w", err)
	}
	if len(failuresRaw) > 0 && string(failuresRaw) != "null" {
		if err := json.Unmarshal(failuresRaw, &job.Failures); err != nil {
			return nil, fmt.Errorf("store: failed to unmarshal job failures: %w", err)
		}
	}
	return &job, nil
}

// ListUnfinishedJobIDs returns every PENDING or RUNNING job, oldest first.
// After a process restart these are the jobs whose runner goroutine no longer
// exists.
func (s *PostgresStore) ListUnfinishedJobIDs(ctx context.Context) ([]uuid.UUID, error) {
	query := `SELECT id FROM pricing.jobs WHERE status IN ('PENDING', 'RUNNING') ORDER BY created_at ASC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: ListUnfinishedJobIDs failed to execute query: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: ListUnfinishedJobIDs failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: ListUnfinishedJobIDs failed during iteration: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *domain.RecalculationJob) error {
	failuresJSON, err := marshalJobFailures(job)
	if err != nil {
		return err
	}
	query := `
		UPDATE pricing.jobs
		SET status = $1,
			progress_total = $2, progress_processed = $3, progress_succeeded = $4, progress_failed = $5, progress_skipped = $6,
			failures = $7, attempts = $8, last_error = $9, cancel_requested = $10, started_at = $11, completed_at = $12
		WHERE id = $13;
	`
	result, err := s.db.ExecContext(ctx, query,
		string(job.Status),
		job.Progress.Total, job.Progress.Processed, job.Progress.Succeeded, job.Progress.Failed, job.Progress.Skipped,
		failuresJSON, job.Attempts, job.LastError, job.CancelRequested, job.StartedAt, job.CompletedAt,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("store: UpdateJob failed to execute update: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: UpdateJob failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress domain.JobProgress) error {
	query := `
		UPDATE pricing.jobs
		SET progress_total = $1, progress_processed = $2, progress_succeeded = $3, progress_failed = $4, progress_skipped = $5
		WHERE id = $6;
	`
	result, err := s.db.ExecContext(ctx, query,
		progress.Total, progress.Processed, progress.Succeeded, progress.Failed, progress.Skipped, id)
	if err != nil {
		return fmt.Errorf("store: UpdateJobProgress failed to execute update: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: UpdateJobProgress failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// HasActiveJob reports whether a PENDING or RUNNING job exists for the given
// configuration id and/or metal type.
func (s *PostgresStore) HasActiveJob(ctx context.Context, configurationID *int64, metalType *string) (bool, error) {
	var queryArgs []interface{}
	var targetClauses []string
	argID := 1

	if configurationID != nil {
		targetClauses = append(targetClauses, fmt.Sprintf("configuration_id = $%d", argID))
		queryArgs = append(queryArgs, *configurationID)
		argID++
	}
	if metalType != nil {
		targetClauses = append(targetClauses, fmt.Sprintf("metal_type = $%d", argID))
		queryArgs = append(queryArgs, *metalType)
		argID++
	}
	if len(targetClauses) == 0 {
		return false, fmt.Errorf("store: HasActiveJob requires a configuration id or metal type")
	}

	query := fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM pricing.jobs WHERE status IN ('PENDING', 'RUNNING') AND (%s));`,
		strings.Join(targetClauses, " OR "))

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, queryArgs...).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: HasActiveJob failed to scan row: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) RequestJobCancel(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pricing.jobs SET cancel_requested = TRUE WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("store: RequestJobCancel failed to execute update: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: RequestJobCancel failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) IsJobCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var cancelled bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM pricing.jobs WHERE id = $1;`, id).Scan(&cancelled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrJobNotFound
		}
		return false, fmt.Errorf("store: IsJobCancelRequested failed to scan row: %w", err)
	}
	return cancelled, nil
}

func marshalJobFailures(job *domain.RecalculationJob) ([]byte, error) {
	failures := job.Failures
	if failures == nil {
		failures = []domain.JobFailure{}
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return nil, fmt.Errorf("store: failed to marshal job failures: %w", err)
	}
	return failuresJSON, nil
}

// --- MetalRateStorer Implementation ---

func (s *PostgresStore) GetMetalRate(ctx context.Context, metalType string) (*domain.MetalRate, error) {
	query := `SELECT metal_type, rate, updated_at FROM pricing.metal_rates WHERE metal_type = $1;`
	var rate domain.MetalRate
	err := s.db.QueryRowContext(ctx, query, metalType).Scan(&rate.MetalType, &rate.Rate, &rate.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMetalRateNotFound
		}
		return nil, fmt.Errorf("store: GetMetalRate failed to scan row: %w", err)
	}
	return &rate, nil
}

func (s *PostgresStore) UpsertMetalRate(ctx context.Context, metalType string, rate decimal.Decimal) (*domain.MetalRate, error) {
	query := `
		INSERT INTO pricing.metal_rates (metal_type, rate, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (metal_type) DO UPDATE SET rate = EXCLUDED.rate, updated_at = CURRENT_TIMESTAMP
		RETURNING metal_type, rate, updated_at;
	`
	var updated domain.MetalRate
	err := s.db.QueryRowContext(ctx, query, metalType, rate).Scan(&updated.MetalType, &updated.Rate, &updated.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: UpsertMetalRate failed to scan row: %w", err)
	}
	return &updated, nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		log.Println("INFO: Closing database connection pool...")
		if err := s.db.Close(); err != nil {
			log.Printf("ERROR: Failed to close database connection pool: %v", err)
			return err
		}
		log.Println("INFO: Database connection pool closed successfully.")
	}
	return nil
}
