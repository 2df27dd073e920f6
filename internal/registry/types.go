// Package registry implements the Unified Model Registry: a dual-fetch
// pipeline that normalizes heterogeneous provider catalog + endpoint
// metadata into a single queryable UnifiedModel view with provenance.
package registry

import "encoding/json"

// RawBaseModel mirrors one row of the catalog endpoint, verbatim.
type RawBaseModel struct {
	ID                   string          `json:"id"`
	HumanName            string          `json:"human_name"`
	Description          string          `json:"description"`
	Modality             string          `json:"modality"` // e.g. "text", "text+image->text"
	DefaultContextTokens int             `json:"default_context_tokens"`
	RawPayload           json.RawMessage `json:"raw_payload"`
}

// RawEndpoint mirrors one row of the per-model endpoints catalog, verbatim.
// Zero or many per base model.
type RawEndpoint struct {
	BaseModelID         string          `json:"base_model_id"`
	ProviderShortName   string          `json:"provider_short_name"`
	PricingInUSD        float64         `json:"pricing_in"`  // per-token USD, as reported upstream
	PricingOutUSD       float64         `json:"pricing_out"` // per-token USD, as reported upstream
	PricingImageUSD     *float64        `json:"pricing_image,omitempty"`
	ContextTokens        int             `json:"context_tokens"`
	MaxOutputTokens      int             `json:"max_output_tokens"`
	Quantization         string          `json:"quantization,omitempty"`
	SupportedParameters  []string        `json:"supported_parameters,omitempty"`
	RawPayload           json.RawMessage `json:"raw_payload"`
}

// Capabilities is the boolean capability set a task's required_skills are
// matched against by the Model Router.
type Capabilities struct {
	Tools     bool `json:"tools"`
	Vision    bool `json:"vision"`
	Reasoning bool `json:"reasoning"`
	Thinking  bool `json:"thinking"`
	JSONMode  bool `json:"json_mode"`
}

// Cost is normalized to USD per 1M tokens regardless of the upstream unit.
type Cost struct {
	Cost1MTInputUSD  float64 `json:"cost_1mT_input_usd"`
	Cost1MTOutputUSD float64 `json:"cost_1mT_output_usd"`
	IsFree           bool    `json:"is_free"`
}

// Technical holds context/output-length and quantization facts.
type Technical struct {
	ContextTokens   int    `json:"context_tokens"`
	MaxOutputTokens int    `json:"max_output_tokens"`
	Quantization    string `json:"quantization,omitempty"`
}

// UnifiedModel is one (base model, hosting endpoint) pair, merged
// endpoint-first. unified_id = base_model_id + ":" + normalized_provider_name.
type UnifiedModel struct {
	UnifiedID string `json:"unified_id"`

	DeveloperID      string `json:"developer_id"`
	BaseModelID      string `json:"base_model_id"`
	BaseModelName    string `json:"base_model_name"`
	VariantName      string `json:"variant_name"`
	PrintNamePart1   string `json:"print_name_part1"`
	PrintNamePart2   string `json:"print_name_part2,omitempty"`
	AccessProviderID string `json:"access_provider_id"`
	HostingProviderID string `json:"hosting_provider_id"`

	Capabilities Capabilities `json:"capabilities"`
	Cost         Cost         `json:"cost"`
	Technical    Technical    `json:"technical"`

	// LatencyMS is an EWMA over completed council runs; nil until the first
	// sample. LatencyLiveMS/LatencyLiveAt come from on-demand health probes
	// (internal/health) and are overwritten wholesale on each probe.
	LatencyMS     *float64 `json:"latency_ms,omitempty"`
	LatencyLiveMS *float64 `json:"latency_live_ms,omitempty"`
	LatencyLiveAt *int64   `json:"latency_live_at,omitempty"` // unix millis

	RawBaseModelSnapshot RawBaseModel `json:"raw_base_model_snapshot"`
	RawEndpointSnapshot  RawEndpoint  `json:"raw_endpoint_snapshot"`

	CreatedAt int64 `json:"created_at"` // unix millis
	UpdatedAt int64 `json:"updated_at"` // unix millis
}

// Key returns the uniqueness tuple of spec §3:
// (developer_id, access_provider_id, hosting_provider_id, base_model_id, variant_name).
func (u UnifiedModel) Key() [5]string {
	return [5]string{u.DeveloperID, u.AccessProviderID, u.HostingProviderID, u.BaseModelID, u.VariantName}
}

// ListFilter narrows ListBaseModels by a case-insensitive substring match
// against human_name/description, plus an optional result cap.
type ListFilter struct {
	Query string
	Limit int
}
