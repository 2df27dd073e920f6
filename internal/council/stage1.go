package council

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"council/internal/circuitbreaker"
	"council/internal/providers"
	"council/internal/router"
	"council/internal/stats"
	"council/internal/store"
)

const maxTransientRetries = 2

// quorum returns ceil(n/2), the minimum surviving draft count Stage 1 needs
// per spec.md §4.6.
func quorum(n int) int { return (n + 1) / 2 }

// runStage1 fans out one draft call per council member concurrently under a
// shared deadline (board.response_timeout_s), substituting or dropping
// members whose call fails, and returns the surviving drafts in stable
// board order plus a log of which substitutions fired. It fails the stage
// with council_quorum_lost if fewer than ceil(N/2) drafts survive.
func (e *Engine) runStage1(ctx context.Context, task store.Task, board store.Board, failList *store.FailList, userContent, extraContext string, hint *router.BudgetHint) ([]memberDraft, []string, *RunError) {
	deadline := time.Duration(board.ResponseTimeoutS) * time.Second
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	stageCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make([]*memberDraft, len(board.CouncilMembers))
	subsUsed := make([]string, len(board.CouncilMembers))

	var wg sync.WaitGroup
	for i, member := range board.CouncilMembers {
		wg.Add(1)
		go func(i int, member string) {
			defer wg.Done()
			draft, sub, ok := e.draftOneMember(stageCtx, member, task, board, failList, userContent, extraContext, hint)
			if ok {
				results[i] = draft
				subsUsed[i] = sub
			}
		}(i, member)
	}
	wg.Wait()

	drafts := make([]memberDraft, 0, len(results))
	substitutes := make([]string, 0)
	for i, r := range results {
		if r == nil {
			continue
		}
		drafts = append(drafts, *r)
		if subsUsed[i] != "" {
			substitutes = append(substitutes, subsUsed[i])
		}
	}

	need := quorum(len(board.CouncilMembers))
	if len(drafts) < need {
		return drafts, substitutes, newRunError(KindCouncilQuorumLost,
			"stage 1: only %d/%d members produced a draft (need %d)", len(drafts), len(board.CouncilMembers), need)
	}
	return drafts, substitutes, nil
}

// draftOneMember resolves member to a concrete model via the Router (which
// already applies fail-list exclusion and capability-based substitution),
// calls it, and on a classified dispatch failure falls back to the
// member's configured substitute once before giving up: spec.md §7's
// provider_transient retries then substitutes, provider_permanent/timeout
// substitute once then drop.
func (e *Engine) draftOneMember(ctx context.Context, member string, task store.Task, board store.Board, failList *store.FailList, userContent, extraContext string, hint *router.BudgetHint) (*memberDraft, string, bool) {
	memberBoard := store.Board{CouncilMembers: []string{member}, Substitutes: board.Substitutes, Chairman: board.Chairman}
	modelID, err := router.Resolve(ctx, task, memberBoard, failList, hint, e.Models)
	if err != nil {
		return nil, "", false
	}

	msgs := draftMessages(board, member, task, userContent, extraContext)
	if draft, ok := e.tryDispatch(ctx, modelID, msgs, "stage1"); ok {
		return &memberDraft{MemberID: member, ModelID: modelID, Draft: draft}, "", true
	}

	sub, hasSub := board.Substitutes[member]
	if !hasSub || sub == "" || sub == modelID {
		return nil, "", false
	}
	draft, ok := e.tryDispatch(ctx, sub, msgs, "stage1")
	if !ok {
		return nil, "", false
	}
	return &memberDraft{MemberID: member, ModelID: sub, Draft: draft}, fmt.Sprintf("%s→%s", member, sub), true
}

// tryDispatch calls modelID through its per-model circuit breaker, retrying
// up to maxTransientRetries additional times with jittered backoff when the
// error classifies as transient. A tripped breaker fails the call
// immediately without touching the provider (spec.md's substitute path then
// picks it up exactly as a dispatch failure).
func (e *Engine) tryDispatch(ctx context.Context, modelID string, msgs []providers.Message, stage string) (string, bool) {
	client, baseModelID, providerID, ok := e.resolveClient(modelID)
	if !ok {
		return "", false
	}
	breaker := e.breakerFor(modelID)

	for attempt := 0; attempt <= maxTransientRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			jitter := time.Duration(rand.Intn(100)) * time.Millisecond
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return "", false
			}
		}

		if !breaker.Allow() {
			if e.Metrics != nil {
				e.Metrics.MemberFallbackTotal.WithLabelValues(modelID).Inc()
			}
			return "", false
		}

		start := e.Now()
		resp, err := client.Complete(ctx, baseModelID, providers.Request{Messages: msgs})
		latencyMs := float64(e.Now().Sub(start).Milliseconds())

		if err == nil {
			breaker.RecordSuccess()
			e.observeDispatch(stage, modelID, providerID, "ok", latencyMs, breaker, resp)
			shaped := router.ShapeOutput(resp, router.OutputFormat{StripThink: true})
			return router.ExtractContent(shaped), true
		}

		breaker.RecordFailure()
		e.observeDispatch(stage, modelID, providerID, "error", latencyMs, breaker, nil)

		classified := client.ClassifyError(err)
		if classified == nil || classified.Class != providers.ErrTransient {
			return "", false
		}
	}
	return "", false
}

// observeDispatch records one provider call's outcome into whichever of
// the optional Metrics/Stats sinks the Engine was wired with; resp is the
// raw response body on success (nil on error) so its usage figures can be
// converted to cost via the dispatched model's registry pricing.
func (e *Engine) observeDispatch(stage, modelID, providerID, status string, latencyMs float64, breaker *circuitbreaker.Breaker, resp providers.Response) {
	if e.Stats != nil {
		snap := stats.Snapshot{
			ModelID:    modelID,
			ProviderID: providerID,
			LatencyMs:  latencyMs,
			Success:    status == "ok",
		}
		if resp != nil {
			if um, ok := e.Models.Get(modelID); ok {
				in, out := router.ExtractUsage(resp)
				snap.InputTokens, snap.OutputTokens = in, out
				snap.CostUSD = router.EstimateCostUSD(in, out, um.Cost.Cost1MTInputUSD, um.Cost.Cost1MTOutputUSD)
			}
		}
		e.Stats.Record(snap)
	}
	if e.Metrics == nil {
		return
	}
	e.Metrics.RequestsTotal.WithLabelValues(stage, modelID, providerID, status).Inc()
	e.Metrics.RequestLatency.WithLabelValues(stage, modelID, providerID).Observe(latencyMs)
	e.Metrics.MemberCircuitState.WithLabelValues(modelID).Set(float64(breaker.CurrentState()))
}

// resolveClient looks up the provider client serving a concrete unified
// model id, returning its base (provider-local) model id and owning
// provider id too.
func (e *Engine) resolveClient(unifiedID string) (providers.Client, string, string, bool) {
	um, ok := e.Models.Get(unifiedID)
	if !ok {
		return nil, "", "", false
	}
	client, ok := e.Clients(um.AccessProviderID)
	if !ok {
		return nil, "", "", false
	}
	return client, um.BaseModelID, um.AccessProviderID, true
}
