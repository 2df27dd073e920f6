package router

import "encoding/json"

// Message is a provider-agnostic chat message (OpenAI-ish envelope).
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BudgetHint carries the optional in-band directive overrides parsed by
// ParseDirectives: a mode label plus hard ceilings on cost and latency used
// to narrow Resolve's tie-break candidates (spec.md §4.3 "budget hints").
type BudgetHint struct {
	Mode         string
	MaxCostUSD   float64
	MaxLatencyMs int
}

// ProviderResponse is the raw JSON body of a provider chat-completion
// response, in whichever of the supported wire shapes it arrived.
type ProviderResponse = json.RawMessage

// OutputFormat specifies how a provider response should be reshaped before
// it is recorded as a stage output.
type OutputFormat struct {
	Type       string `json:"type,omitempty"`       // json, markdown, text
	MaxTokens  int    `json:"max_tokens,omitempty"`  // truncate beyond this
	StripThink bool   `json:"strip_think,omitempty"` // remove <think>...</think> blocks
}

// ErrNoCapableModel is returned by Resolve when no member or substitute has
// the required capability set.
var ErrNoCapableModel = capabilityError{}

type capabilityError struct{}

func (capabilityError) Error() string { return "no_capable_model" }
