package council

import (
	"encoding/json"
	"fmt"
	"strings"

	"council/internal/store"
)

type rawTask struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Label          string   `json:"label"`
	RequiredSkills []string `json:"required_skills"`
	Breakpoint     bool     `json:"breakpoint"`
}

// defaultBlueprint is Stage 0's fallback when the chairman's output does not
// parse as a task list (spec.md §4.6).
func defaultBlueprint(query string) store.Blueprint {
	return store.Blueprint{Tasks: []store.Task{{ID: "t1", Type: "draft", Label: query}}}
}

// parseBlueprint tries a strict JSON decode first, then a best-effort
// bracket/quote-balancing repair pass, before the caller falls back to
// defaultBlueprint. This mirrors the tolerant-parsing posture consensus
// ballots use (internal/consensus), applied to the other place a model is
// asked to emit structured data (SPEC_FULL.md §4.6 expansion).
func parseBlueprint(raw string) (store.Blueprint, bool) {
	if tasks, ok := decodeTasks(raw); ok {
		return store.Blueprint{Tasks: tasks}, true
	}
	if tasks, ok := decodeTasks(repairJSON(extractArray(raw))); ok {
		return store.Blueprint{Tasks: tasks}, true
	}
	return store.Blueprint{}, false
}

func decodeTasks(raw string) ([]store.Task, bool) {
	var rawTasks []rawTask
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &rawTasks); err != nil || len(rawTasks) == 0 {
		return nil, false
	}
	tasks := make([]store.Task, 0, len(rawTasks))
	for i, rt := range rawTasks {
		id := rt.ID
		if id == "" {
			id = fmt.Sprintf("t%d", i+1)
		}
		typ := rt.Type
		if typ == "" {
			typ = "draft"
		}
		tasks = append(tasks, store.Task{
			ID:             id,
			Type:           typ,
			Label:          rt.Label,
			RequiredSkills: rt.RequiredSkills,
			Breakpoint:     rt.Breakpoint,
		})
	}
	return tasks, true
}

// extractArray returns the first top-level JSON array substring of raw, or
// raw unchanged if no brackets are present.
func extractArray(raw string) string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}

// repairJSON appends whatever closing quotes/brackets/braces a truncated or
// slightly malformed response is missing, on a best-effort basis.
func repairJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		raw += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			raw += "}"
		} else {
			raw += "]"
		}
	}
	return raw
}
