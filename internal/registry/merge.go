package registry

import (
	"encoding/json"
	"strings"
)

// reasoningHeuristicWords is the text heuristic fallback for
// capabilities.reasoning/thinking when no endpoint declares it explicitly.
var reasoningHeuristicWords = []string{"reasoning", "thinking", "chain-of-thought", "o1", "r1"}

var toolsParameterNames = map[string]bool{
	"tools":           true,
	"function_calling": true,
	"functions":       true,
}

var reasoningParameterNames = map[string]bool{
	"reasoning":         true,
	"include_reasoning": true,
}

// normalizeProviderName casefolds and strips punctuation, per spec §4.2's
// hosting_provider_id rule.
func normalizeProviderName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func hasParameter(params []string, table map[string]bool) bool {
	for _, p := range params {
		if table[strings.ToLower(p)] {
			return true
		}
	}
	return false
}

func textHeuristic(description string, words []string) bool {
	lower := strings.ToLower(description)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// isFree applies spec §6's free-tier detection: pricing.prompt == 0, or the
// base model id carries a ":free" suffix.
func isFree(baseModelID string, costInUSD, costOutUSD float64) bool {
	if strings.HasSuffix(baseModelID, ":free") {
		return true
	}
	return costInUSD == 0
}

// Merge produces one UnifiedModel for a (base, endpoint) pair, endpoint-first,
// exactly per spec.md §4.2's field table. nowMillis stamps created_at/updated_at.
func Merge(base RawBaseModel, ep RawEndpoint, nowMillis int64) UnifiedModel {
	hostingProvider := normalizeProviderName(ep.ProviderShortName)

	caps := Capabilities{
		Tools:  hasParameter(ep.SupportedParameters, toolsParameterNames),
		Vision: strings.Contains(strings.ToLower(base.Modality), "image") || ep.PricingImageUSD != nil,
		Reasoning: hasParameter(ep.SupportedParameters, reasoningParameterNames) ||
			textHeuristic(base.Description, reasoningHeuristicWords),
	}
	caps.Thinking = caps.Reasoning
	caps.JSONMode = hasParameter(ep.SupportedParameters, map[string]bool{"response_format": true, "json_mode": true})

	contextTokens := ep.ContextTokens
	if contextTokens == 0 {
		contextTokens = base.DefaultContextTokens
	}

	costIn, costOut := ep.PricingInUSD, ep.PricingOutUSD
	if costIn == 0 && costOut == 0 {
		// Endpoint pricing absent: fall back to the base catalog entry's
		// pricing, carried in its raw payload (rare per spec §4.2).
		var bp struct {
			Pricing struct {
				Prompt     string `json:"prompt"`
				Completion string `json:"completion"`
			} `json:"pricing"`
		}
		if json.Unmarshal(base.RawPayload, &bp) == nil {
			costIn, _ = parsePriceString(bp.Pricing.Prompt)
			costOut, _ = parsePriceString(bp.Pricing.Completion)
		}
	}

	cost := Cost{
		Cost1MTInputUSD:  costIn * 1_000_000,
		Cost1MTOutputUSD: costOut * 1_000_000,
		IsFree:           isFree(base.ID, costIn, costOut),
	}

	developerID, baseModelName := splitBaseModelID(base.ID)

	um := UnifiedModel{
		UnifiedID:         base.ID + ":" + hostingProvider,
		DeveloperID:       developerID,
		BaseModelID:       base.ID,
		BaseModelName:     baseModelName,
		VariantName:       ep.Quantization,
		PrintNamePart1:    base.HumanName,
		PrintNamePart2:    ep.ProviderShortName,
		AccessProviderID:  hostingProvider,
		HostingProviderID: hostingProvider,
		Capabilities:      caps,
		Cost:              cost,
		Technical: Technical{
			ContextTokens:   contextTokens,
			MaxOutputTokens: ep.MaxOutputTokens,
			Quantization:    ep.Quantization,
		},
		RawBaseModelSnapshot: base,
		RawEndpointSnapshot:  ep,
		CreatedAt:            nowMillis,
		UpdatedAt:            nowMillis,
	}
	return um
}

// splitBaseModelID pulls a developer id out of an "org/model" style id, the
// shape every known catalog uses. Falls back to the whole id when there's no
// separator.
func splitBaseModelID(id string) (developerID, modelName string) {
	if i := strings.Index(id, "/"); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, id
}
