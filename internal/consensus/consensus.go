// Package consensus implements the two peer-ranking aggregation strategies
// the Council Engine's Stage 2 selects between: Borda-Count and
// Chairman-Cut. Both operate over blinded labels (A, B, ...) rather than
// model ids — the Council Engine owns the label_to_model mapping.
package consensus

import (
	"errors"
	"sort"
)

// Ballot is one member's Stage 2 peer ranking, already run through
// ParseRanking. A nil Ranking means the raw ballot failed validation and is
// discarded (counted, not silently repaired).
type Ballot struct {
	MemberID string
	Raw      string
	Ranking  []string
}

// Result is the aggregation outcome shared by both strategies (spec.md
// §4.4: "Both return {winner_label, ordering[], per_label_scores,
// ties_broken_by?}").
type Result struct {
	WinnerLabel      string             `json:"winner_label"`
	Ordering         []string           `json:"ordering"`
	PerLabelScores   map[string]float64 `json:"per_label_scores"`
	TiesBrokenBy     string             `json:"ties_broken_by,omitempty"`
	ValidBallots     int                `json:"valid_ballots"`
	DiscardedBallots int                `json:"discarded_ballots"`
}

// ErrInsufficientBallots is returned when fewer than Quorum(len(labels))
// ballots validate, surfaced by the Council Engine as the `insufficient_ballots`
// stage failure (spec.md §7).
var ErrInsufficientBallots = errors.New("consensus: insufficient_ballots")

// Quorum returns ceil(n/2), the minimum number of valid ballots §4.4 requires.
func Quorum(n int) int { return (n + 1) / 2 }

// BordaCount sums each label's rank position (1-indexed, lower is better)
// across all valid ballots. The winner is the arg-min; ties are broken
// first by lowest mean rank (total divided by the number of ballots that
// actually ranked the label — a member never ranks its own draft, so not
// every label appears on every ballot), then by labels's own stable order.
func BordaCount(ballots []Ballot, labels []string) (Result, error) {
	valid := make([]Ballot, 0, len(ballots))
	discarded := 0
	for _, b := range ballots {
		if b.Ranking == nil {
			discarded++
			continue
		}
		valid = append(valid, b)
	}

	if len(valid) < Quorum(len(labels)) {
		return Result{ValidBallots: len(valid), DiscardedBallots: discarded}, ErrInsufficientBallots
	}

	total := make(map[string]float64, len(labels))
	count := make(map[string]int, len(labels))
	for _, b := range valid {
		for pos, label := range b.Ranking {
			total[label] += float64(pos + 1)
			count[label]++
		}
	}

	type scored struct {
		label string
		total float64
		mean  float64
		order int
	}
	ranked := make([]scored, len(labels))
	for i, label := range labels {
		mean := 0.0
		if count[label] > 0 {
			mean = total[label] / float64(count[label])
		}
		ranked[i] = scored{label: label, total: total[label], mean: mean, order: i}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].total != ranked[j].total {
			return ranked[i].total < ranked[j].total
		}
		if ranked[i].mean != ranked[j].mean {
			return ranked[i].mean < ranked[j].mean
		}
		return ranked[i].order < ranked[j].order
	})

	tiesBrokenBy := ""
	if len(ranked) > 1 && ranked[0].total == ranked[1].total {
		if ranked[0].mean != ranked[1].mean {
			tiesBrokenBy = "mean_subcomponent_rank"
		} else {
			tiesBrokenBy = "stable_order"
		}
	}

	ordering := make([]string, len(ranked))
	scores := make(map[string]float64, len(ranked))
	for i, r := range ranked {
		ordering[i] = r.label
		scores[r.label] = r.total
	}

	return Result{
		WinnerLabel:      ordering[0],
		Ordering:         ordering,
		PerLabelScores:   scores,
		TiesBrokenBy:     tiesBrokenBy,
		ValidBallots:     len(valid),
		DiscardedBallots: discarded,
	}, nil
}
