package council

import (
	"context"
	"fmt"

	"council/internal/consensus"
	"council/internal/providers"
	"council/internal/router"
	"council/internal/store"
)

// stage2Result is what Stage 2 hands to Stage 3: the blinded drafts now
// carrying their assigned labels, the label→model mapping Stage 4's
// transcript needs to de-anonymize, the raw Borda result, the strategy's
// chosen winner label, and whether a Chairman-Cut pick had to fall back to
// the Borda winner.
type stage2Result struct {
	Drafts           []memberDraft
	LabelToModel     map[string]string
	Borda            consensus.Result
	WinnerLabel      string
	ChairmanFellBack bool
}

// runStage2 assigns blinded labels to the surviving Stage 1 drafts in
// stable board order, collects peer rankings (each member excluded from
// ranking its own label), and aggregates them via Borda-Count or
// Chairman-Cut per board.ConsensusStrategy (spec.md §4.4).
func (e *Engine) runStage2(ctx context.Context, board store.Board, failList *store.FailList, drafts []memberDraft, hint *router.BudgetHint) (stage2Result, *RunError) {
	labels := make([]string, len(drafts))
	draftsByLabel := make(map[string]string, len(drafts))
	labelToModel := make(map[string]string, len(drafts))
	for i := range drafts {
		label := labelForIndex(i)
		drafts[i].Label = label
		labels[i] = label
		draftsByLabel[label] = drafts[i].Draft
		labelToModel[label] = drafts[i].ModelID
	}

	ballots := make([]consensus.Ballot, 0, len(drafts))
	for _, d := range drafts {
		msgs := rankingMessages(board, d.MemberID, labels, draftsByLabel, d.Label)
		raw, ok := e.tryDispatch(ctx, d.ModelID, msgs, "stage2")
		var ranking []string
		if ok {
			ranking, ok = consensus.ParseRanking(raw, labels, d.Label)
		}
		if !ok {
			ranking = nil
		}
		ballots = append(ballots, consensus.Ballot{MemberID: d.MemberID, Raw: raw, Ranking: ranking})
	}

	borda, err := consensus.BordaCount(ballots, labels)
	if err != nil {
		return stage2Result{}, newRunError(KindInsufficientBallots, "stage 2: %s", err)
	}

	result := stage2Result{Drafts: drafts, LabelToModel: labelToModel, Borda: borda, WinnerLabel: borda.WinnerLabel}

	if board.ConsensusStrategy == "chairman_cut" {
		top3 := consensus.Top3(borda)
		raw, ok := e.dispatchChairman(ctx, board, failList, chairmanCutMessages(top3, draftsByLabel), "stage2_chairman_cut", hint)
		if !ok {
			result.ChairmanFellBack = true
			return result, nil
		}
		cut := consensus.ChairmanCut(borda, raw)
		result.WinnerLabel = cut.ChairmanPick
		result.ChairmanFellBack = cut.FellBackToBorda
	}

	return result, nil
}

// labelForIndex produces A, B, ..., Z, AA, AB, ... for an arbitrarily sized
// council.
func labelForIndex(i int) string {
	if i < 26 {
		return string(rune('A' + i))
	}
	return fmt.Sprintf("%s%s", labelForIndex(i/26-1), labelForIndex(i%26))
}

// dispatchChairman resolves board.Chairman through the Router (applying the
// same fail-list/substitute logic as a regular member) and calls it,
// falling back to the chairman's configured substitute once on failure.
func (e *Engine) dispatchChairman(ctx context.Context, board store.Board, failList *store.FailList, msgs []providers.Message, stage string, hint *router.BudgetHint) (string, bool) {
	chairmanBoard := store.Board{CouncilMembers: []string{board.Chairman}, Substitutes: board.Substitutes, Chairman: board.Chairman}
	modelID, err := router.Resolve(ctx, store.Task{Type: "draft"}, chairmanBoard, failList, hint, e.Models)
	if err != nil {
		return "", false
	}
	if raw, ok := e.tryDispatch(ctx, modelID, msgs, stage); ok {
		return raw, true
	}
	sub, hasSub := board.Substitutes[board.Chairman]
	if !hasSub || sub == "" || sub == modelID {
		return "", false
	}
	return e.tryDispatch(ctx, sub, msgs, stage)
}
