package consensus

import (
	"encoding/json"
	"regexp"
	"strings"
)

var labeledLineRe = regexp.MustCompile(`(?m)^\s*(?:\d+[.)]|[-*])?\s*([A-Za-z])\s*$`)

// ParseRanking parses one member's raw Stage 2 ballot text into an ordered
// list of labels (best first), accepted only if it is an exact permutation
// of expectedLabels minus selfLabel (a member never ranks its own draft).
// Per spec.md §9 "ballot parsing", this never guesses a missing label —
// anything that isn't a full permutation is rejected outright.
//
// Three shapes are tried in order: a strict (or embedded) JSON array, one
// label per line (optionally numbered or bulleted), and a comma-separated
// list.
func ParseRanking(raw string, expectedLabels []string, selfLabel string) ([]string, bool) {
	want := make([]string, 0, len(expectedLabels))
	for _, l := range expectedLabels {
		if l != selfLabel {
			want = append(want, l)
		}
	}

	if ranking, ok := parseJSONArray(raw); ok && isPermutation(ranking, want) {
		return ranking, true
	}
	if ranking, ok := parseLabeledLines(raw); ok && isPermutation(ranking, want) {
		return ranking, true
	}
	if ranking, ok := parseCommaList(raw); ok && isPermutation(ranking, want) {
		return ranking, true
	}
	return nil, false
}

func parseJSONArray(raw string) ([]string, bool) {
	trimmed := strings.TrimSpace(raw)
	var out []string
	if json.Unmarshal([]byte(trimmed), &out) == nil {
		return normalizeLabels(out), true
	}
	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start >= 0 && end > start && json.Unmarshal([]byte(trimmed[start:end+1]), &out) == nil {
		return normalizeLabels(out), true
	}
	return nil, false
}

func parseLabeledLines(raw string) ([]string, bool) {
	matches := labeledLineRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil, false
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.ToUpper(m[1]))
	}
	return out, true
}

func parseCommaList(raw string) ([]string, bool) {
	line := strings.TrimSpace(raw)
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return nil, false
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if len(p) != 1 {
			return nil, false
		}
		out = append(out, p)
	}
	return out, true
}

func normalizeLabels(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}

// isPermutation reports whether got is exactly want, in any order, with no
// repeats or omissions.
func isPermutation(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	wantSet := make(map[string]bool, len(want))
	for _, w := range want {
		wantSet[w] = true
	}
	seen := make(map[string]bool, len(want))
	for _, g := range got {
		if !wantSet[g] || seen[g] {
			return false
		}
		seen[g] = true
	}
	return true
}
