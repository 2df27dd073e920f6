package council

import (
	"context"

	"council/internal/consensus"
	"council/internal/router"
	"council/internal/store"
)

// runStage3 asks the chairman to synthesize a final answer from the
// Stage 2 draft set (only the Borda top-3 under Chairman-Cut), preferring
// the consensus winner. On chairman failure it retries once, then falls
// back to the winning draft verbatim with a chairman_fallback marker
// (spec.md §7: absorbed, not surfaced).
func (e *Engine) runStage3(ctx context.Context, board store.Board, failList *store.FailList, userContent string, s2 stage2Result, hint *router.BudgetHint) (string, bool) {
	labels := make([]string, len(s2.Drafts))
	draftsByLabel := make(map[string]string, len(s2.Drafts))
	for i, d := range s2.Drafts {
		labels[i] = d.Label
		draftsByLabel[d.Label] = d.Draft
	}
	if board.ConsensusStrategy == "chairman_cut" {
		labels = consensus.Top3(s2.Borda)
	}

	msgs := synthesisMessages(userContent, labels, draftsByLabel, s2.WinnerLabel)
	if final, ok := e.dispatchChairman(ctx, board, failList, msgs, "stage3", hint); ok {
		return final, false
	}
	if final, ok := e.dispatchChairman(ctx, board, failList, msgs, "stage3", hint); ok {
		return final, false
	}

	return draftsByLabel[s2.WinnerLabel], true
}
