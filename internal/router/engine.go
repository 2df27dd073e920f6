package router

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	"council/internal/registry"
	"council/internal/store"
)

// ModelLookup is the capability/cost/latency data Resolve needs from the
// Unified Model Registry. Satisfied directly by *registry.Registry.
type ModelLookup interface {
	Get(unifiedID string) (registry.UnifiedModel, bool)
}

// failedSet builds a lookup of model ids excluded by the active fail-list.
// A nil fail-list (none active) excludes nothing.
func failedSet(fl *store.FailList) map[string]bool {
	if fl == nil {
		return nil
	}
	out := make(map[string]bool, len(fl.FailedModelIDs))
	for _, id := range fl.FailedModelIDs {
		out[id] = true
	}
	return out
}

// candidatePool returns the member pool a task resolves against: the board's
// council members, or the chairman alone for synthesis (task.Type ==
// "synthesize", the marker the Council Engine sets when it calls Resolve to
// pick the Stage 3 synthesizer).
func candidatePool(task store.Task, board store.Board) []string {
	if task.Type == "synthesize" {
		if board.Chairman == "" {
			return nil
		}
		return []string{board.Chairman}
	}
	return board.CouncilMembers
}

// hasCapability reports whether caps satisfies one required_skills entry.
func hasCapability(caps registry.Capabilities, skill string) bool {
	switch skill {
	case "reasoning":
		return caps.Reasoning
	case "vision":
		return caps.Vision
	case "tools":
		return caps.Tools
	case "json_mode":
		return caps.JSONMode
	case "thinking":
		return caps.Thinking
	default:
		return false
	}
}

// isCapable reports whether modelID's UnifiedModel capabilities are a
// superset of required, and it is absent from failed.
func isCapable(modelID string, required []string, failed map[string]bool, models ModelLookup) bool {
	if failed[modelID] {
		return false
	}
	um, ok := models.Get(modelID)
	if !ok {
		return false
	}
	for _, skill := range required {
		if !hasCapability(um.Capabilities, skill) {
			return false
		}
	}
	return true
}

// withinBudget reports whether modelID's latency/cost fall within hint's
// ceilings. A nil hint, or a zero-value ceiling, imposes no limit.
func withinBudget(modelID string, hint *BudgetHint, models ModelLookup) bool {
	if hint == nil {
		return true
	}
	um, ok := models.Get(modelID)
	if !ok {
		return false
	}
	if hint.MaxCostUSD > 0 && um.Cost.Cost1MTInputUSD > hint.MaxCostUSD {
		return false
	}
	if hint.MaxLatencyMs > 0 {
		lat := effectiveLatency(um)
		if !math.IsInf(lat, 1) && lat > float64(hint.MaxLatencyMs) {
			return false
		}
	}
	return true
}

func effectiveLatency(um registry.UnifiedModel) float64 {
	if um.LatencyMS != nil {
		return *um.LatencyMS
	}
	if um.LatencyLiveMS != nil {
		return *um.LatencyLiveMS
	}
	return math.Inf(1)
}

// Resolve implements spec.md §4.3's four-step algorithm for a single blueprint
// task: candidate set minus fail-list, filtered by required capability,
// substitute-then-drop fallback when no direct member qualifies, tie-broken
// by lowest latency_ms then lowest cost_1mT_input_usd. hint may be nil.
func Resolve(ctx context.Context, task store.Task, board store.Board, failList *store.FailList, hint *BudgetHint, models ModelLookup) (string, error) {
	_ = ctx
	failed := failedSet(failList)
	pool := candidatePool(task, board)

	var direct []string
	for _, id := range pool {
		if isCapable(id, task.RequiredSkills, failed, models) && withinBudget(id, hint, models) {
			direct = append(direct, id)
		}
	}

	candidates := direct
	if len(candidates) == 0 {
		var substituted []string
		for _, id := range pool {
			sub, ok := board.Substitutes[id]
			if !ok || sub == "" {
				continue
			}
			if isCapable(sub, task.RequiredSkills, failed, models) && withinBudget(sub, hint, models) {
				substituted = append(substituted, sub)
			}
		}
		candidates = substituted
	}

	if len(candidates) == 0 {
		return "", ErrNoCapableModel
	}

	return bestByLatencyThenCost(candidates, models), nil
}

// ResolveBoard resolves every council member independently (substitute, then
// drop, on fail-list exclusion or incapability), preserving board order. The
// result is the anonymized Stage 2 label order — member i maps to label i.
// A member that cannot be resolved is simply omitted; the Council Engine
// checks quorum against len(result) itself.
func ResolveBoard(ctx context.Context, board store.Board, failList *store.FailList, models ModelLookup) ([]string, error) {
	_ = ctx
	failed := failedSet(failList)

	out := make([]string, 0, len(board.CouncilMembers))
	for _, id := range board.CouncilMembers {
		switch {
		case isCapable(id, nil, failed, models):
			out = append(out, id)
		default:
			if sub, ok := board.Substitutes[id]; ok && sub != "" && isCapable(sub, nil, failed, models) {
				out = append(out, sub)
			}
			// else: dropped.
		}
	}
	if len(out) == 0 {
		return nil, ErrNoCapableModel
	}
	return out, nil
}

// bestByLatencyThenCost picks the tie-break winner of spec.md §4.3 step 4.
// Ties after both comparisons keep the first candidate in input order.
func bestByLatencyThenCost(candidates []string, models ModelLookup) string {
	type scored struct {
		id      string
		latency float64
		cost    float64
		order   int
	}
	ranked := make([]scored, len(candidates))
	for i, id := range candidates {
		um, _ := models.Get(id)
		ranked[i] = scored{id: id, latency: effectiveLatency(um), cost: um.Cost.Cost1MTInputUSD, order: i}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].latency != ranked[j].latency {
			return ranked[i].latency < ranked[j].latency
		}
		if ranked[i].cost != ranked[j].cost {
			return ranked[i].cost < ranked[j].cost
		}
		return ranked[i].order < ranked[j].order
	})
	return ranked[0].id
}

// MessagesContent concatenates all user message content into a single string,
// used to build judge/critique prompts that reference the original query.
func MessagesContent(msgs []Message) string {
	var s string
	for _, m := range msgs {
		if m.Role == "user" {
			if s != "" {
				s += "\n"
			}
			s += m.Content
		}
	}
	return s
}

// ExtractContent pulls the text content from a provider response JSON. It
// supports OpenAI and Anthropic response formats, falling back to the raw
// body when neither shape matches.
func ExtractContent(resp ProviderResponse) string {
	var oai struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if json.Unmarshal(resp, &oai) == nil && len(oai.Choices) > 0 {
		return oai.Choices[0].Message.Content
	}
	var ant struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if json.Unmarshal(resp, &ant) == nil && len(ant.Content) > 0 {
		return ant.Content[0].Text
	}
	return string(resp)
}

// EstimateCostUSD converts token counts into a USD cost using a
// UnifiedModel's per-1M-token pricing.
func EstimateCostUSD(inTokens, outTokens int, inPer1M, outPer1M float64) float64 {
	return (float64(inTokens)/1_000_000.0)*inPer1M + (float64(outTokens)/1_000_000.0)*outPer1M
}

// ExtractUsage pulls prompt/completion token counts from a provider
// response's `usage` object: OpenAI's prompt_tokens/completion_tokens,
// falling back to Anthropic's input_tokens/output_tokens where those are
// zero; a response carrying neither returns zeros.
func ExtractUsage(resp ProviderResponse) (inputTokens, outputTokens int) {
	var usage struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(resp, &usage) != nil {
		return 0, 0
	}
	in := usage.Usage.PromptTokens
	if in == 0 {
		in = usage.Usage.InputTokens
	}
	out := usage.Usage.CompletionTokens
	if out == 0 {
		out = usage.Usage.OutputTokens
	}
	return in, out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
