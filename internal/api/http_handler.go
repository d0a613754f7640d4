package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"jewelry-pricing-service/internal/domain"
	"jewelry-pricing-service/internal/pricing"
	"jewelry-pricing-service/internal/store"
)

// HTTPHandler holds dependencies for HTTP handlers.
type HTTPHandler struct {
	definitions store.ComponentDefinitionStorer
	nodes       store.NodeStorer
	configs     store.ConfigurationStorer
	products    store.ProductStorer
	rates       store.MetalRateStorer
	resolver    *pricing.Resolver
	freezer     *pricing.FreezeManager
	engine      *pricing.Engine
	notifier    pricing.Notifier
	validate    *validator.Validate
}

// NewHTTPHandler creates a new HTTPHandler with dependencies. A nil notifier
// defaults to no-op.
func NewHTTPHandler(
	definitions store.ComponentDefinitionStorer,
	nodes store.NodeStorer,
	configs store.ConfigurationStorer,
	products store.ProductStorer,
	rates store.MetalRateStorer,
	resolver *pricing.Resolver,
	freezer *pricing.FreezeManager,
	engine *pricing.Engine,
	notifier pricing.Notifier,
) *HTTPHandler {
	if notifier == nil {
		notifier = pricing.NopNotifier{}
	}
	return &HTTPHandler{
		definitions: definitions,
		nodes:       nodes,
		configs:     configs,
		products:    products,
		rates:       rates,
		resolver:    resolver,
		freezer:     freezer,
		engine:      engine,
		notifier:    notifier,
		validate:    validator.New(),
	}
}

// --- Helpers ---

// ErrorResponse defines the structure for JSON error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil { // Avoid writing empty body for 204 No Content
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("ERROR: Failed to encode JSON response: %v", err)
			http.Error(w, `{"error": "Internal server error during JSON encoding"}`, http.StatusInternalServerError)
		}
	}
}

func parsePathID(r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func parseJobID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// --- Component Definition Handlers ---

// DefinitionCreateInput defines the expected input for creating a component
// definition.
type DefinitionCreateInput struct {
	Key          string          `json:"key" validate:"required,max=100,lowercase"`
	Name         string          `json:"name" validate:"required,max=255"`
	Kind         string          `json:"kind" validate:"required,oneof=FIXED PER_GRAM PERCENTAGE METAL_COST"`
	DefaultValue decimal.Decimal `json:"default_value"`
}

func (h *HTTPHandler) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	var input DefinitionCreateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := h.validate.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}
	if input.DefaultValue.IsNegative() {
		respondWithError(w, http.StatusBadRequest, "default_value cannot be negative")
		return
	}

	def := &domain.ComponentDefinition{
		Key:          input.Key,
		Name:         input.Name,
		Kind:         domain.CalculationKind(input.Kind),
		DefaultValue: input.DefaultValue,
	}

	created, err := h.definitions.CreateDefinition(r.Context(), def)
	if err != nil {
		log.Printf("ERROR: CreateDefinition store operation failed: %v", err)
		if errors.Is(err, store.ErrDefinitionKeyExists) {
			respondWithError(w, http.StatusConflict, store.ErrDefinitionKeyExists.Error())
		} else {
			respondWithError(w, http.StatusInternalServerError, "Failed to create component definition")
		}
		return
	}

	respondWithJSON(w, http.StatusCreated, created)
}

func (h *HTTPHandler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.definitions.ListDefinitions(r.Context())
	if err != nil {
		log.Printf("ERROR: ListDefinitions store operation failed: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to retrieve component definitions")
		return
	}
	if defs == nil {
		defs = []domain.ComponentDefinition{}
	}
	respondWithJSON(w, http.StatusOK, defs)
}

func (h *HTTPHandler) GetDefinitionByKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "definitionKey")

	def, err := h.definitions.GetDefinitionByKey(r.Context(), key)
	if err != nil {
		log.Printf("ERROR: GetDefinitionByKey store operation for key %q failed: %v", key, err)
		if errors.Is(err, store.ErrDefinitionNotFound) {
			respondWithError(w, http.StatusNotFound, store.ErrDefinitionNotFound.Error())
		} else {
			respondWithError(w, http.StatusInternalServerError, "Failed to retrieve component definition")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, def)
}

// DefinitionUpdateInput defines the expected input for updating a component
// definition. Kind is immutable once created.
type DefinitionUpdateInput struct {
	Name         string          `json:"name" validate:"required,max=255"`
	DefaultValue decimal.Decimal `json:"default_value"`
}

func (h *HTTPHandler) UpdateDefinition(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "definitionKey")

	var input DefinitionUpdateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := h.validate.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}
	if input.DefaultValue.IsNegative() {
		respondWithError(w, http.StatusBadRequest, "default_value cannot be negative")
		return
	}

	updated, err := h.definitions.UpdateDefinition(r.Context(), key, store.DefinitionUpdateParams{
		Name:         input.Name,
		DefaultValue: input.DefaultValue,
	})
	if err != nil {
		log.Printf("ERROR: UpdateDefinition store operation for key %q failed: %v", key, err)
		if errors.Is(err, store.ErrDefinitionNotFound) {
			respondWithError(w, http.StatusNotFound, store.ErrDefinitionNotFound.Error())
		} else {
			respondWithError(w, http.StatusInternalServerError, "Failed to update component definition")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

func (h *HTTPHandler) DeleteDefinition(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "definitionKey")

	err := h.definitions.DeleteDefinition(r.Context(), key)
	if err != nil {
		log.Printf("ERROR: DeleteDefinition store operation for key %q failed: %v", key, err)
		switch {
		case errors.Is(err, store.ErrDefinitionNotFound):
			respondWithError(w, http.StatusNotFound, store.ErrDefinitionNotFound.Error())
		case errors.Is(err, store.ErrDefinitionInUse):
			respondWithError(w, http.StatusConflict, store.ErrDefinitionInUse.Error())
		case errors.Is(err, store.ErrSystemDefinition):
			respondWithError(w, http.StatusForbidden, store.ErrSystemDefinition.Error())
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to delete component definition")
		}
		return
	}

	respondWithJSON(w, http.StatusNoContent, nil)
}

// --- Node Handlers ---

// NodeCreateInput defines the expected input for registering a hierarchy node.
type NodeCreateInput struct {
	Name     string `json:"name" validate:"required,max=255"`
	ParentID *int64 `json:"parent_id" validate:"omitempty,gt=0"`
}

func (h *HTTPHandler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var input NodeCreateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := h.validate.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	node := &domain.Node{
		Name:     input.Name,
		ParentID: input.ParentID,
	}

	created, err := h.nodes.CreateNode(r.Context(), node)
	if err != nil {
		log.Printf("ERROR: CreateNode store operation failed: %v", err)
		switch {
		case errors.Is(err, store.ErrParentNodeNotFound):
			respondWithError(w, http.StatusBadRequest, store.ErrParentNodeNotFound.Error())
		case errors.Is(err, store.ErrHierarchyCycle):
			respondWithError(w, http.StatusConflict, store.ErrHierarchyCycle.Error())
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to create node")
		}
		return
	}

	respondWithJSON(w, http.StatusCreated, created)
}

func (h *HTTPHandler) GetNodeByID(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := parsePathID(r, "nodeId")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid node ID format")
		return
	}

	node, err := h.nodes.GetNodeByID(r.Context(), nodeID)
	if err != nil {
		log.Printf("ERROR: GetNodeByID store operation for ID %d failed: %v", nodeID, err)
		if errors.Is(err, store.ErrNodeNotFound) {
			respondWithError(w, http.StatusNotFound, store.ErrNodeNotFound.Error())
		} else {
			respondWithError(w, http.StatusInternalServerError, "Failed to retrieve node")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, node)
}

// --- Configuration Handlers ---

// ConfigurationCreateInput defines the expected input for attaching a pricing
// configuration to a node. When UseDefaultComponents is set the standard
// starter set is attached and Components must be empty.
type ConfigurationCreateInput struct {
	NodeID               int64                      `json:"node_id" validate:"required,gt=0"`
	MetalType            string                     `json:"metal_type" validate:"required,max=50"`
	UseDefaultComponents bool                       `json:"use_default_components"`
	Components           []domain.ComponentInstance `json:"components" validate:"omitempty"`
}

func (h *HTTPHandler) CreateConfiguration(w http.ResponseWriter, r *http.Request) {
	var input ConfigurationCreateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := h.validate.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	components := input.Components
	if input.UseDefaultComponents {
		if len(components) > 0 {
			respondWithError(w, http.StatusBadRequest, "components must be empty when use_default_components is set")
			return
		}
		components = domain.DefaultComponents()
	}

	cfg := &domain.PricingConfiguration{
		NodeID:     input.NodeID,
		MetalType:  strings.ToUpper(input.MetalType),
		Components: components,
	}
	if err := cfg.Validate(); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.configs.CreateConfiguration(r.Context(), cfg)
	if err != nil {
		log.Printf("ERROR: CreateConfiguration store operation failed: %v", err)
		switch {
		case errors.Is(err, store.ErrNodeNotFound):
			respondWithError(w, http.StatusBadRequest, store.ErrNodeNotFound.Error())
		case errors.Is(err, store.ErrConfigurationExists):
			respondWithError(w, http.StatusConflict, store.ErrConfigurationExists.Error())
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to create pricing configuration")
		}
		return
	}

	h.refreshAffectedCount(r, created)
	h.notifier.ConfigurationChanged(pricing.ConfigurationChangedEvent{
		ConfigurationID: created.ID,
		NodeID:          created.NodeID,
	})

	respondWithJSON(w, http.StatusCreated, created)
}

func (h *HTTPHandler) GetConfigurationByID(w http.ResponseWriter, r *http.Request) {
	configID, ok := parsePathID(r, "configId")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid configuration ID format")
		return
	}

	cfg, err := h.configs.GetConfigurationByID(r.Context(), configID)
	if err != nil {
		log.Printf("ERROR: GetConfigurationByID store operation for ID %d failed: %v", configID, err)
		if errors.Is(err, store.ErrConfigurationNotFound) {
			respondWithError(w, http.StatusNotFound, store.ErrConfigurationNotFound.Error())
		} else {
			respondWithError(w, http.StatusInternalServerError, "Failed to retrieve pricing configuration")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, cfg)
}

// ConfigurationReplaceInput defines the expected input for replacing the
// component set of an existing configuration. Version must match the stored
// configuration or the update is rejected.
type ConfigurationReplaceInput struct {
	MetalType  string                     `json:"metal_type" validate:"required,max=50"`
	Components []domain.ComponentInstance `json:"components" validate:"required,min=1"`
	Version    int64                      `json:"version" validate:"required,gt=0"`
}

func (h *HTTPHandler) ReplaceConfiguration(w http.ResponseWriter, r *http.Request) {
	configID, ok := parsePathID(r, "configId")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid configuration ID format")
		return
	}

	var input ConfigurationReplaceInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := h.validate.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	existing, err := h.configs.GetConfigurationByID(r.Context(), configID)
	if err != nil {
		log.Printf("ERROR: Configuration for replace (ID %d) not found: %v", configID, err)
		if errors.Is(err, store.ErrConfigurationNotFound) {
			respondWithError(w, http.StatusNotFound, store.ErrConfigurationNotFound.Error())
		} else {
			respondWithError(w, http.StatusInternalServerError, "Error checking configuration existence")
		}
		return
	}

	// Frozen values survive a replace: carry the stored freeze state for any
	// component key that is still present.
	for i := range input.Components {
		if prev := existing.Component(input.Components[i].Key); prev != nil && prev.IsFrozen() {
			input.Components[i].Freeze = prev.Freeze
		}
	}

	cfg := &domain.PricingConfiguration{
		ID:            configID,
		NodeID:        existing.NodeID,
		MetalType:     strings.ToUpper(input.MetalType),
		Components:    input.Components,
		FreezeHistory: existing.FreezeHistory,
		Version:       input.Version,
	}
	if err := cfg.Validate(); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.configs.UpdateConfiguration(r.Context(), cfg)
	if err != nil {
		log.Printf("ERROR: ReplaceConfiguration store operation for ID %d failed: %v", configID, err)
		switch {
		case errors.Is(err, store.ErrConfigurationNotFound):
			respondWithError(w, http.StatusNotFound, store.ErrConfigurationNotFound.Error())
		case errors.Is(err, store.ErrVersionConflict):
			respondWithError(w, http.StatusConflict, store.ErrVersionConflict.Error())
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to replace pricing configuration")
		}
		return
	}

	h.refreshAffectedCount(r, updated)
	h.notifier.ConfigurationChanged(pricing.ConfigurationChangedEvent{
		ConfigurationID: updated.ID,
		NodeID:          updated.NodeID,
	})

	respondWithJSON(w, http.StatusOK, updated)
}

func (h *HTTPHandler) DetachConfiguration(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := parsePathID(r, "nodeId")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid node ID format")
		return
	}

	cfg, err := h.configs.GetConfigurationByNodeID(r.Context(), nodeID)
	if err != nil {
		log.Printf("ERROR: Configuration for detach (node %d) not found: %v", nodeID, err)
		if errors.Is(err, store.ErrConfigurationNotFound) {
			respondWithError(w, http.StatusNotFound, store.ErrConfigurationNotFound.Error())
		} else {
			respondWithError(w, http.StatusInternalServerError, "Error checking configuration existence")
		}
		return
	}

	if err := h.configs.DetachConfiguration(r.Context(), nodeID); err != nil {
		log.Printf("ERROR: DetachConfiguration store operation for node %d failed: %v", nodeID, err)
		if errors.Is(err, store.ErrConfigurationNotFound) {
			respondWithError(w, http.StatusNotFound, store.ErrConfigurationNotFound.Error())
		} else {
			respondWithError(w, http.StatusInternalServerError, "Failed to detach pricing configuration")
		}
		return
	}

	h.notifier.ConfigurationChanged(pricing.ConfigurationChangedEvent{
		ConfigurationID: cfg.ID,
		NodeID:          nodeID,
	})

	respondWithJSON(w, http.StatusNoContent, nil)
}

// refreshAffectedCount recomputes the denormalized affected-product counter
// after a configuration edit. Failures are logged, not surfaced: the counter is
// advisory.
func (h *HTTPHandler) refreshAffectedCount(r *http.Request, cfg *domain.PricingConfiguration) {
	count, err := h.products.CountProductsByConfiguration(r.Context(), cfg.ID)
	if err != nil {
		log.Printf("WARN: Failed to count affected products for configuration %d: %v", cfg.ID, err)
		return
	}
	if err := h.configs.SetAffectedProductCount(r.Context(), cfg.ID, count); err != nil {
		log.Printf("WARN: Failed to store affected product count for configuration %d: %v", cfg.ID, err)
		return
	}
	cfg.AffectedProductCount = count
}

// --- Resolution and Calculation Handlers ---

// ResolvedConfigurationResponse pairs a configuration with the hierarchy node
// it was inherited from.
type ResolvedConfigurationResponse struct {
	Configuration *domain.PricingConfiguration `json:"configuration"`
	SourceNodeID  int64                        `json:"source_node_id"`
}

func (h *HTTPHandler) ResolveConfiguration(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := parsePathID(r, "nodeId")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid node ID format")
		return
	}

	cfg, sourceNodeID, err := h.resolver.Resolve(r.Context(), nodeID)
	if err != nil {
		log.Printf("ERROR: ResolveConfiguration for node %d failed: %v", nodeID, err)
		switch {
		case errors.Is(err, store.ErrNodeNotFound):
			respondWithError(w, http.StatusNotFound, store.ErrNodeNotFound.Error())
		case errors.Is(err, pricing.ErrNoConfiguration):
			respondWithError(w, http.StatusNotFound, pricing.ErrNoConfiguration.Error())
		case errors.Is(err, pricing.ErrCorruptHierarchy):
			respondWithError(w, http.StatusConflict, pricing.ErrCorruptHierarchy.Error())
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to resolve pricing configuration")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, ResolvedConfigurationResponse{
		Configuration: cfg,
		SourceNodeID:  sourceNodeID,
	})
}

// CalculateInput defines the expected input for an ad-hoc price calculation
// against a node's resolved configuration. MetalRate overrides the stored spot
// price when provided.
type CalculateInput struct {
	NetWeight    decimal.Decimal  `json:"net_weight"`
	GemstoneCost decimal.Decimal  `json:"gemstone_cost"`
	MetalRate    *decimal.Decimal `json:"metal_rate,omitempty"`
}

func (h *HTTPHandler) CalculatePrice(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := parsePathID(r, "nodeId")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid node ID format")
		return
	}

	var input CalculateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	cfg, _, err := h.resolver.Resolve(r.Context(), nodeID)
	if err != nil {
		log.Printf("ERROR: CalculatePrice resolve for node %d failed: %v", nodeID, err)
		switch {
		case errors.Is(err, store.ErrNodeNotFound):
			respondWithError(w, http.StatusNotFound, store.ErrNodeNotFound.Error())
		case errors.Is(err, pricing.ErrNoConfiguration):
			respondWithError(w, http.StatusNotFound, pricing.ErrNoConfiguration.Error())
		case errors.Is(err, pricing.ErrCorruptHierarchy):
			respondWithError(w, http.StatusConflict, pricing.ErrCorruptHierarchy.Error())
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to resolve pricing configuration")
		}
		return
	}

	var metalRate decimal.Decimal
	if input.MetalRate != nil {
		metalRate = *input.MetalRate
	} else {
		rate, err := h.rates.GetMetalRate(r.Context(), cfg.MetalType)
		if err != nil {
			log.Printf("ERROR: CalculatePrice metal rate lookup for %q failed: %v", cfg.MetalType, err)
			if errors.Is(err, store.ErrMetalRateNotFound) {
				respondWithError(w, http.StatusUnprocessableEntity, store.ErrMetalRateNotFound.Error())
			} else {
				respondWithError(w, http.StatusInternalServerError, "Failed to retrieve metal rate")
			}
			return
		}
		metalRate = rate.Rate
	}

	breakdown, err := pricing.Calculate(cfg, pricing.Context{
		NetWeight:    input.NetWeight,
		MetalRate:    metalRate,
		GemstoneCost: input.GemstoneCost,
	})
	if err != nil {
		log.Printf("ERROR: CalculatePrice for node %d failed: %v", nodeID, err)
		switch {
		case errors.Is(err, pricing.ErrInvalidContext):
			respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, pricing.ErrEmptyConfiguration):
			respondWithError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to calculate price")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, breakdown)
}

// --- Freeze Handlers ---

// FreezeInput defines the expected input for freezing a component. Reason is
// mandatory for the audit trail.
type FreezeInput struct {
	Reason string `json:"reason" validate:"required,max=1000"`
	Actor  string `json:"actor" validate:"required,max=255"`
}

// FreezeResponse reports the value a freeze or unfreeze settled on.
type FreezeResponse struct {
	ComponentKey string          `json:"component_key"`
	Value        decimal.Decimal `json:"value"`
	Frozen       bool            `json:"frozen"`
}

func (h *HTTPHandler) FreezeComponent(w http.ResponseWriter, r *http.Request) {
	configID, ok := parsePathID(r, "configId")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid configuration ID format")
		return
	}
	componentKey := chi.URLParam(r, "componentKey")

	var input FreezeInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := h.validate.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	value, err := h.freezer.Freeze(r.Context(), configID, componentKey, input.Reason, input.Actor)
	if err != nil {
		log.Printf("ERROR: FreezeComponent %q on configuration %d failed: %v", componentKey, configID, err)
		switch {
		case errors.Is(err, store.ErrConfigurationNotFound):
			respondWithError(w, http.StatusNotFound, store.ErrConfigurationNotFound.Error())
		case errors.Is(err, pricing.ErrComponentNotFound):
			respondWithError(w, http.StatusNotFound, pricing.ErrComponentNotFound.Error())
		case errors.Is(err, pricing.ErrFreezeReasonRequired):
			respondWithError(w, http.StatusBadRequest, pricing.ErrFreezeReasonRequired.Error())
		case errors.Is(err, pricing.ErrComponentFrozen):
			respondWithError(w, http.StatusConflict, pricing.ErrComponentFrozen.Error())
		case errors.Is(err, pricing.ErrConfigurationChanged):
			respondWithError(w, http.StatusConflict, pricing.ErrConfigurationChanged.Error())
		case errors.Is(err, store.ErrMetalRateNotFound):
			respondWithError(w, http.StatusUnprocessableEntity, store.ErrMetalRateNotFound.Error())
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to freeze component")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, FreezeResponse{
		ComponentKey: componentKey,
		Value:        value,
		Frozen:       true,
	})
}

// UnfreezeInput defines the expected input for releasing a frozen component.
type UnfreezeInput struct {
	Actor string `json:"actor" validate:"required,max=255"`
}

func (h *HTTPHandler) UnfreezeComponent(w http.ResponseWriter, r *http.Request) {
	configID, ok := parsePathID(r, "configId")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid configuration ID format")
		return
	}
	componentKey := chi.URLParam(r, "componentKey")

	var input UnfreezeInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := h.validate.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	value, err := h.freezer.Unfreeze(r.Context(), configID, componentKey, input.Actor)
	if err != nil {
		log.Printf("ERROR: UnfreezeComponent %q on configuration %d failed: %v", componentKey, configID, err)
		switch {
		case errors.Is(err, store.ErrConfigurationNotFound):
			respondWithError(w, http.StatusNotFound, store.ErrConfigurationNotFound.Error())
		case errors.Is(err, pricing.ErrComponentNotFound):
			respondWithError(w, http.StatusNotFound, pricing.ErrComponentNotFound.Error())
		case errors.Is(err, pricing.ErrComponentNotFrozen):
			respondWithError(w, http.StatusConflict, pricing.ErrComponentNotFrozen.Error())
		case errors.Is(err, pricing.ErrConfigurationChanged):
			respondWithError(w, http.StatusConflict, pricing.ErrConfigurationChanged.Error())
		case errors.Is(err, store.ErrMetalRateNotFound):
			respondWithError(w, http.StatusUnprocessableEntity, store.ErrMetalRateNotFound.Error())
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to unfreeze component")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, FreezeResponse{
		ComponentKey: componentKey,
		Value:        value,
		Frozen:       false,
	})
}

// --- Recalculation Handlers ---

// RecalculationInput defines the expected input for previewing or executing a
// recalculation. Exactly one of configuration_id and metal_type must be set.
type RecalculationInput struct {
	ConfigurationID *int64  `json:"configuration_id" validate:"omitempty,gt=0"`
	MetalType       *string `json:"metal_type" validate:"omitempty,max=50"`
	TriggeredBy     string  `json:"triggered_by" validate:"omitempty,max=255"`
}

func (i RecalculationInput) target() pricing.Target {
	t := pricing.Target{ConfigurationID: i.ConfigurationID}
	if i.MetalType != nil {
		upper := strings.ToUpper(*i.MetalType)
		t.MetalType = &upper
	}
	return t
}

func (h *HTTPHandler) PreviewRecalculation(w http.ResponseWriter, r *http.Request) {
	var input RecalculationInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := h.validate.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	result, err := h.engine.Preview(r.Context(), input.target())
	if err != nil {
		log.Printf("ERROR: PreviewRecalculation failed: %v", err)
		switch {
		case errors.Is(err, pricing.ErrInvalidTarget):
			respondWithError(w, http.StatusBadRequest, pricing.ErrInvalidTarget.Error())
		case errors.Is(err, store.ErrConfigurationNotFound):
			respondWithError(w, http.StatusNotFound, store.ErrConfigurationNotFound.Error())
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to preview recalculation")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) ExecuteRecalculation(w http.ResponseWriter, r *http.Request) {
	var input RecalculationInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := h.validate.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	triggeredBy := input.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	result, err := h.engine.Execute(r.Context(), input.target(), triggeredBy)
	if err != nil {
		log.Printf("ERROR: ExecuteRecalculation failed: %v", err)
		switch {
		case errors.Is(err, pricing.ErrInvalidTarget):
			respondWithError(w, http.StatusBadRequest, pricing.ErrInvalidTarget.Error())
		case errors.Is(err, pricing.ErrJobAlreadyInProgress):
			respondWithError(w, http.StatusConflict, pricing.ErrJobAlreadyInProgress.Error())
		case errors.Is(err, store.ErrConfigurationNotFound):
			respondWithError(w, http.StatusNotFound, store.ErrConfigurationNotFound.Error())
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to execute recalculation")
		}
		return
	}

	code := http.StatusOK
	if result.Mode == "background" {
		code = http.StatusAccepted
	}
	respondWithJSON(w, code, result)
}

func (h *HTTPHandler) GetRecalculationJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid job ID format")
		return
	}

	job, err := h.engine.GetJob(r.Context(), jobID)
	if err != nil {
		log.Printf("ERROR: GetRecalculationJob for ID %s failed: %v", jobID, err)
		if errors.Is(err, store.ErrJobNotFound) {
			respondWithError(w, http.StatusNotFound, store.ErrJobNotFound.Error())
		} else {
			respondWithError(w, http.StatusInternalServerError, "Failed to retrieve recalculation job")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, job)
}

func (h *HTTPHandler) RetryRecalculationJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid job ID format")
		return
	}

	job, err := h.engine.Retry(r.Context(), jobID)
	if err != nil {
		log.Printf("ERROR: RetryRecalculationJob for ID %s failed: %v", jobID, err)
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			respondWithError(w, http.StatusNotFound, store.ErrJobNotFound.Error())
		case errors.Is(err, pricing.ErrJobNotRetryable):
			respondWithError(w, http.StatusConflict, pricing.ErrJobNotRetryable.Error())
		case errors.Is(err, pricing.ErrRetryLimitExceeded):
			respondWithError(w, http.StatusConflict, pricing.ErrRetryLimitExceeded.Error())
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to retry recalculation job")
		}
		return
	}
	respondWithJSON(w, http.StatusAccepted, job)
}

func (h *HTTPHandler) CancelRecalculationJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid job ID format")
		return
	}

	job, err := h.engine.Cancel(r.Context(), jobID)
	if err != nil {
		log.Printf("ERROR: CancelRecalculationJob for ID %s failed: %v", jobID, err)
		if errors.Is(err, store.ErrJobNotFound) {
			respondWithError(w, http.StatusNotFound, store.ErrJobNotFound.Error())
		} else {
			respondWithError(w, http.StatusInternalServerError, "Failed to cancel recalculation job")
		}
		return
	}
	respondWithJSON(w, http.StatusAccepted, job)
}

// --- Product Handlers ---

func (h *HTTPHandler) GetProductByID(w http.ResponseWriter, r *http.Request) {
	productID, ok := parsePathID(r, "productId")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid product ID format")
		return
	}

	product, err := h.products.GetProductByID(r.Context(), productID)
	if err != nil {
		log.Printf("ERROR: GetProductByID store operation for ID %d failed: %v", productID, err)
		if errors.Is(err, store.ErrProductNotFound) {
			respondWithError(w, http.StatusNotFound, store.ErrProductNotFound.Error())
		} else {
			respondWithError(w, http.StatusInternalServerError, "Failed to retrieve product")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, product)
}

// --- Metal Rate Handlers ---

// MetalRateInput defines the expected input for publishing a new spot rate.
type MetalRateInput struct {
	Rate decimal.Decimal `json:"rate"`
}

// MetalRateResponse pairs the stored rate with the recalculation it
// dispatched.
type MetalRateResponse struct {
	Rate            *domain.MetalRate       `json:"rate"`
	Recalculation   *pricing.DispatchResult `json:"recalculation,omitempty"`
	RecalculationOK bool                    `json:"recalculation_dispatched"`
}

func (h *HTTPHandler) GetMetalRate(w http.ResponseWriter, r *http.Request) {
	metalType := strings.ToUpper(chi.URLParam(r, "metalType"))

	rate, err := h.rates.GetMetalRate(r.Context(), metalType)
	if err != nil {
		log.Printf("ERROR: GetMetalRate store operation for %q failed: %v", metalType, err)
		if errors.Is(err, store.ErrMetalRateNotFound) {
			respondWithError(w, http.StatusNotFound, store.ErrMetalRateNotFound.Error())
		} else {
			respondWithError(w, http.StatusInternalServerError, "Failed to retrieve metal rate")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, rate)
}

// UpsertMetalRate stores the new spot rate and dispatches a recalculation for
// every product of that metal type. A recalculation already in flight blocks
// the dispatch but not the rate update.
func (h *HTTPHandler) UpsertMetalRate(w http.ResponseWriter, r *http.Request) {
	metalType := strings.ToUpper(chi.URLParam(r, "metalType"))
	if metalType == "" {
		respondWithError(w, http.StatusBadRequest, "Invalid metal type")
		return
	}

	var input MetalRateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if !input.Rate.IsPositive() {
		respondWithError(w, http.StatusBadRequest, "rate must be positive")
		return
	}

	rate, err := h.rates.UpsertMetalRate(r.Context(), metalType, input.Rate)
	if err != nil {
		log.Printf("ERROR: UpsertMetalRate store operation for %q failed: %v", metalType, err)
		respondWithError(w, http.StatusInternalServerError, "Failed to store metal rate")
		return
	}

	response := MetalRateResponse{Rate: rate}
	dispatch, err := h.engine.Execute(r.Context(), pricing.Target{MetalType: &metalType}, "metal-rate-update")
	if err != nil {
		log.Printf("WARN: Recalculation dispatch after rate update for %q failed: %v", metalType, err)
	} else {
		response.Recalculation = dispatch
		response.RecalculationOK = true
	}

	respondWithJSON(w, http.StatusOK, response)
}

// --- Route Registration ---

// RegisterRoutes sets up the HTTP routes for the service.
func (h *HTTPHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/component-definitions", func(r chi.Router) {
		r.Post("/", h.CreateDefinition)
		r.Get("/", h.ListDefinitions)
		r.Route("/{definitionKey}", func(r chi.Router) {
			r.Get("/", h.GetDefinitionByKey)
			r.Put("/", h.UpdateDefinition)
			r.Delete("/", h.DeleteDefinition)
		})
	})

	r.Route("/api/v1/nodes", func(r chi.Router) {
		r.Post("/", h.CreateNode)
		r.Route("/{nodeId}", func(r chi.Router) {
			r.Get("/", h.GetNodeByID)
			r.Get("/pricing-configuration", h.ResolveConfiguration)
			r.Delete("/pricing-configuration", h.DetachConfiguration)
			r.Post("/calculate-price", h.CalculatePrice)
		})
	})

	r.Route("/api/v1/configurations", func(r chi.Router) {
		r.Post("/", h.CreateConfiguration)
		r.Route("/{configId}", func(r chi.Router) {
			r.Get("/", h.GetConfigurationByID)
			r.Put("/", h.ReplaceConfiguration)
			r.Post("/components/{componentKey}/freeze", h.FreezeComponent)
			r.Post("/components/{componentKey}/unfreeze", h.UnfreezeComponent)
		})
	})

	r.Route("/api/v1/recalculations", func(r chi.Router) {
		r.Post("/", h.ExecuteRecalculation)
		r.Post("/preview", h.PreviewRecalculation)
		r.Route("/{jobId}", func(r chi.Router) {
			r.Get("/", h.GetRecalculationJob)
			r.Post("/retry", h.RetryRecalculationJob)
			r.Post("/cancel", h.CancelRecalculationJob)
		})
	})

	r.Get("/api/v1/products/{productId}", h.GetProductByID)

	r.Route("/api/v1/metal-rates/{metalType}", func(r chi.Router) {
		r.Get("/", h.GetMetalRate)
		r.Put("/", h.UpsertMetalRate)
	})
}
