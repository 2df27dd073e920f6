package router

import (
	"strconv"
	"strings"
)

// maxDirectiveScan limits how far into a message we scan for directives.
const maxDirectiveScan = 2048

// directivePrefix is the in-band marker clients embed in message content to
// pass a BudgetHint without a separate request field.
const directivePrefix = "@@council"

// ParseDirectives scans the user messages in order and returns the BudgetHint
// overrides of the first @@council directive found, or nil if there is none.
// Unrecognized keys are ignored.
//
// Format: @@council mode=... max_cost_usd=... max_latency_ms=...
func ParseDirectives(messages []Message) *BudgetHint {
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		content := m.Content
		if len(content) > maxDirectiveScan {
			content = content[:maxDirectiveScan]
		}
		idx := strings.Index(content, directivePrefix)
		if idx < 0 {
			continue
		}

		line := content[idx+len(directivePrefix):]
		if nl := strings.IndexByte(line, '\n'); nl >= 0 {
			line = line[:nl]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		hint := &BudgetHint{}
		for _, part := range strings.Fields(line) {
			kv := strings.SplitN(part, "=", 2)
			if len(kv) != 2 {
				continue
			}
			key, val := kv[0], kv[1]
			switch key {
			case "mode":
				hint.Mode = val
			case "max_cost_usd":
				if f, err := strconv.ParseFloat(val, 64); err == nil {
					hint.MaxCostUSD = f
				}
			case "max_latency_ms":
				if i, err := strconv.Atoi(val); err == nil {
					hint.MaxLatencyMs = i
				}
			}
		}
		return hint
	}
	return nil
}

// StripDirectives returns messages with @@council directives removed from
// content, so they are never forwarded to a provider.
func StripDirectives(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if idx := strings.Index(m.Content, directivePrefix); idx >= 0 {
			end := strings.IndexByte(m.Content[idx:], '\n')
			if end >= 0 {
				out[i].Content = m.Content[:idx] + m.Content[idx+end+1:]
			} else {
				out[i].Content = strings.TrimSpace(m.Content[:idx])
			}
		}
	}
	return out
}
