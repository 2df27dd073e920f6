// Package council implements the Council Engine: the five-stage
// deliberation pipeline (blueprint, draft, peer-rank, synthesize, human
// review) that turns one user message into a council-produced answer,
// checkpointing after the blueprint and after every completed task so a
// crash or a paused breakpoint can be resumed without re-running completed
// tasks.
package council

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"council/internal/circuitbreaker"
	"council/internal/events"
	"council/internal/health"
	"council/internal/metrics"
	"council/internal/router"
	"council/internal/stats"
	"council/internal/store"
)

// ModelLookup is the registry view the Engine needs to hand to the Router.
type ModelLookup = router.ModelLookup

// Engine drives council runs for a fixed store/registry/provider wiring.
// One Engine instance is shared across all conversations; concurrency
// safety across conversations is the Store's responsibility (spec.md
// §4.5: writes serialized per conversation id).
type Engine struct {
	Store   store.Store
	Models  ModelLookup
	Clients health.ClientResolver
	Bus     *events.Bus
	Metrics *metrics.Registry
	Stats   *stats.Collector
	Now     func() time.Time

	breakerMu sync.Mutex
	breakers  map[string]*circuitbreaker.Breaker
}

// New builds an Engine. now defaults to time.Now if nil. m may be nil to
// run without Prometheus instrumentation (e.g. in tests).
func New(st store.Store, models ModelLookup, clients health.ClientResolver, bus *events.Bus, m *metrics.Registry, now func() time.Time) *Engine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		Store:    st,
		Models:   models,
		Clients:  clients,
		Bus:      bus,
		Metrics:  m,
		Now:      now,
		breakers: make(map[string]*circuitbreaker.Breaker),
	}
}

// breakerFor returns the per-model circuit breaker used to bypass a member
// whose provider keeps failing, creating one on first use.
func (e *Engine) breakerFor(modelID string) *circuitbreaker.Breaker {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()
	b, ok := e.breakers[modelID]
	if !ok {
		b = circuitbreaker.New()
		e.breakers[modelID] = b
	}
	return b
}

// Run starts a new turn on a conversation: it appends the user's message,
// has the chairman draft (or revise) the task blueprint, and drives Stage
// 1-4 for each task until a breakpoint, blueprint exhaustion, or a
// surfaced error pauses or ends the run.
func (e *Engine) Run(ctx context.Context, in RunInput) (RunResult, *RunError) {
	session, err := e.loadOrInitSession(ctx, in.ConversationID, in.Board.ID)
	if err != nil {
		return RunResult{}, newRunError(KindStorageError, "load session: %s", err)
	}
	if session.Status == store.StatusAwaitingHuman {
		return RunResult{}, newRunError(KindInvalidState, "conversation %s is awaiting human input; call Resume", in.ConversationID)
	}

	hint := router.ParseDirectives([]router.Message{{Role: "user", Content: in.UserContent}})
	userContent := router.StripDirectives([]router.Message{{Role: "user", Content: in.UserContent}})[0].Content

	if err := e.Store.AppendMessage(ctx, store.Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		Role:           store.RoleUser,
		Content:        userContent,
		CreatedAt:      e.Now(),
	}); err != nil {
		return RunResult{}, newRunError(KindStorageError, "append user message: %s", err)
	}

	var prior *store.Blueprint
	if len(session.Blueprint.Tasks) > 0 {
		prior = &session.Blueprint
	}
	session.Blueprint = e.draftBlueprint(ctx, in.ConversationID, in.Board, in.FailList, prior, userContent, hint)
	session.CurrentTaskIndex = 0
	session.StageBuffers = map[string]store.StageBuffer{}
	session.Status = store.StatusRunning
	if err := e.checkpoint(ctx, in.ConversationID, session); err != nil {
		return RunResult{}, newRunError(KindStorageError, "checkpoint: %s", err)
	}
	e.publish(ctx, in.ConversationID, events.EventSessionState, map[string]any{"status": string(session.Status)})

	return e.runLoop(ctx, in.ConversationID, session, in.Board, in.FailList, userContent, hint)
}

// Resume submits Stage 4 human feedback for a session parked at
// awaiting_human. A session not in that state rejects the call with
// KindInvalidState without touching the pipeline — the mechanism by which
// resubmitting the same feedback twice is a no-op the second time, since
// the first call already moved status away from awaiting_human.
func (e *Engine) Resume(ctx context.Context, conversationID string, board store.Board, failList *store.FailList, fb HumanFeedback) (RunResult, *RunError) {
	session, err := e.Store.GetSessionState(ctx, conversationID)
	if err != nil {
		return RunResult{}, newRunError(KindStorageError, "load session: %s", err)
	}
	if session.Status != store.StatusAwaitingHuman {
		return RunResult{}, newRunError(KindInvalidState, "conversation %s is not awaiting human input", conversationID)
	}
	session.PendingHumanInput = nil

	hint := router.ParseDirectives([]router.Message{{Role: "user", Content: fb.Feedback}})
	fb.Feedback = router.StripDirectives([]router.Message{{Role: "user", Content: fb.Feedback}})[0].Content

	if !fb.ContinueDiscussion {
		session.Status = store.StatusComplete
		if err := e.checkpoint(ctx, conversationID, *session); err != nil {
			return RunResult{}, newRunError(KindStorageError, "checkpoint: %s", err)
		}
		if fb.Rating != nil {
			if err := e.attachRating(ctx, conversationID, fb.Rating); err != nil {
				return RunResult{}, newRunError(KindStorageError, "attach rating: %s", err)
			}
		}
		e.publish(ctx, conversationID, events.EventComplete, nil)
		return RunResult{ConversationID: conversationID, Status: store.StatusComplete}, nil
	}

	if fb.Feedback != "" {
		if err := e.Store.AppendMessage(ctx, store.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           store.RoleHumanChairman,
			Content:        fb.Feedback,
			CreatedAt:      e.Now(),
		}); err != nil {
			return RunResult{}, newRunError(KindStorageError, "append feedback: %s", err)
		}
	}

	session.CurrentTaskIndex++
	session.Status = store.StatusRunning
	if err := e.checkpoint(ctx, conversationID, *session); err != nil {
		return RunResult{}, newRunError(KindStorageError, "checkpoint: %s", err)
	}
	e.publish(ctx, conversationID, events.EventSessionState, map[string]any{"status": string(session.Status)})

	userContent, err := e.lastUserContent(ctx, conversationID)
	if err != nil {
		return RunResult{}, newRunError(KindStorageError, "load conversation history: %s", err)
	}
	return e.runLoop(ctx, conversationID, *session, board, failList, userContent, hint)
}

// runLoop drives tasks from session.CurrentTaskIndex onward until a
// breakpoint/exhaustion pause, a surfaced failure, or the conversation
// context is cancelled.
func (e *Engine) runLoop(ctx context.Context, conversationID string, session store.SessionState, board store.Board, failList *store.FailList, userContent string, hint *router.BudgetHint) (RunResult, *RunError) {
	extraContext, err := e.accumulatedFeedback(ctx, conversationID)
	if err != nil {
		return RunResult{}, newRunError(KindStorageError, "load feedback history: %s", err)
	}

	for session.CurrentTaskIndex < len(session.Blueprint.Tasks) {
		task := session.Blueprint.Tasks[session.CurrentTaskIndex]
		isLast := session.CurrentTaskIndex == len(session.Blueprint.Tasks)-1

		msgID := uuid.NewString()
		revision, _ := e.Store.CountAssistantMessages(ctx, conversationID)
		if err := e.Store.AppendMessage(ctx, store.Message{
			ID:             msgID,
			ConversationID: conversationID,
			Role:           store.RoleAssistant,
			CreatedAt:      e.Now(),
			RevisionIndex:  revision,
			Loading:        store.Loading{Stage1: true},
		}); err != nil {
			return RunResult{}, newRunError(KindStorageError, "append assistant message: %s", err)
		}

		e.publish(ctx, conversationID, events.EventStage1Start, map[string]any{"task_id": task.ID})
		drafts, substitutes, rerr := e.runStage1(ctx, task, board, failList, userContent, extraContext, hint)
		if rerr != nil {
			return e.fail(ctx, conversationID, session, rerr)
		}
		e.publish(ctx, conversationID, events.EventStage1Complete, map[string]any{"task_id": task.ID, "draft_count": len(drafts)})

		e.publish(ctx, conversationID, events.EventStage2Start, map[string]any{"task_id": task.ID})
		s2, rerr := e.runStage2(ctx, board, failList, drafts, hint)
		if rerr != nil {
			return e.fail(ctx, conversationID, session, rerr)
		}
		e.publish(ctx, conversationID, events.EventStage2Complete, map[string]any{"task_id": task.ID, "winner_label": s2.WinnerLabel})

		e.publish(ctx, conversationID, events.EventStage3Start, map[string]any{"task_id": task.ID})
		finalText, fellBack := e.runStage3(ctx, board, failList, userContent, s2, hint)
		e.publish(ctx, conversationID, events.EventStage3Complete, map[string]any{"task_id": task.ID})

		buffer := buildStageBuffer(s2, finalText, substitutes, fellBack)
		session.StageBuffers[task.ID] = buffer

		if err := e.finalizeMessage(ctx, msgID, conversationID, revision, finalText, buffer); err != nil {
			return RunResult{}, newRunError(KindStorageError, "finalize assistant message: %s", err)
		}

		if task.Breakpoint || isLast {
			session.Status = store.StatusAwaitingHuman
			session.PendingHumanInput = &store.PendingHumanInput{TaskID: task.ID, RequestedAt: e.Now()}
			if err := e.checkpoint(ctx, conversationID, session); err != nil {
				return RunResult{}, newRunError(KindStorageError, "checkpoint: %s", err)
			}
			e.publish(ctx, conversationID, events.EventHumanInputRequired, map[string]any{"task_id": task.ID})
			return RunResult{ConversationID: conversationID, Status: store.StatusAwaitingHuman, MessageID: msgID, RevisionIndex: revision}, nil
		}

		session.CurrentTaskIndex++
		if err := e.checkpoint(ctx, conversationID, session); err != nil {
			return RunResult{}, newRunError(KindStorageError, "checkpoint: %s", err)
		}
	}

	session.Status = store.StatusComplete
	if err := e.checkpoint(ctx, conversationID, session); err != nil {
		return RunResult{}, newRunError(KindStorageError, "checkpoint: %s", err)
	}
	e.publish(ctx, conversationID, events.EventComplete, nil)
	return RunResult{ConversationID: conversationID, Status: store.StatusComplete}, nil
}

func (e *Engine) fail(ctx context.Context, conversationID string, session store.SessionState, rerr *RunError) (RunResult, *RunError) {
	session.Status = store.StatusFailed
	_ = e.checkpoint(ctx, conversationID, session)
	e.publish(ctx, conversationID, events.EventError, map[string]any{"kind": string(rerr.Kind), "message": rerr.Message})
	return RunResult{ConversationID: conversationID, Status: store.StatusFailed}, rerr
}

// draftBlueprint runs Stage 0, falling back to a single draft task and a
// logged warning when the chairman's output cannot be parsed at all.
func (e *Engine) draftBlueprint(ctx context.Context, conversationID string, board store.Board, failList *store.FailList, prior *store.Blueprint, userContent string, hint *router.BudgetHint) store.Blueprint {
	raw, ok := e.dispatchChairman(ctx, board, failList, blueprintMessages(prior, userContent), "stage0", hint)
	if ok {
		if bp, ok := parseBlueprint(raw); ok {
			return bp
		}
	}
	e.publish(ctx, conversationID, events.EventLog, map[string]any{"message": "blueprint parse failed, falling back to single draft task"})
	return defaultBlueprint(userContent)
}

func buildStageBuffer(s2 stage2Result, finalText string, substitutes []string, fellBack bool) store.StageBuffer {
	drafts := make(map[string]string, len(s2.Drafts))
	for _, d := range s2.Drafts {
		drafts[d.ModelID] = d.Draft
	}
	bordaJSON, _ := json.Marshal(s2.Borda)
	return store.StageBuffer{
		Stage1Drafts:     drafts,
		Stage2Result:     bordaJSON,
		Stage3Answer:     finalText,
		LabelToModel:     s2.LabelToModel,
		SubstitutesUsed:  substitutes,
		ChairmanFallback: fellBack,
	}
}

func (e *Engine) finalizeMessage(ctx context.Context, msgID, conversationID string, revision int, finalText string, buffer store.StageBuffer) error {
	metadata := map[string]any{
		"label_to_model": buffer.LabelToModel,
	}
	if len(buffer.SubstitutesUsed) > 0 {
		metadata["substitutes_used"] = buffer.SubstitutesUsed
	}
	if buffer.ChairmanFallback {
		metadata["chairman_fallback"] = true
	}
	return e.Store.UpdateMessage(ctx, store.Message{
		ID:             msgID,
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        finalText,
		CreatedAt:      e.Now(),
		RevisionIndex:  revision,
		Finalized:      true,
		Stage1:         buffer.Stage1Drafts,
		Stage2:         buffer.Stage2Result,
		Stage3:         buffer.Stage3Answer,
		Metadata:       metadata,
		Loading:        store.Loading{},
	})
}

func (e *Engine) attachRating(ctx context.Context, conversationID string, rating *store.Rating) error {
	msgs, err := e.Store.ListMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == store.RoleAssistant {
			m := msgs[i]
			m.Rating = rating
			return e.Store.UpdateMessage(ctx, m)
		}
	}
	return nil
}

func (e *Engine) loadOrInitSession(ctx context.Context, conversationID, boardID string) (store.SessionState, error) {
	session, err := e.Store.GetSessionState(ctx, conversationID)
	if err == nil {
		return *session, nil
	}
	if err != store.ErrNotFound {
		return store.SessionState{}, err
	}
	return store.SessionState{
		Status:       store.StatusIdle,
		StageBuffers: map[string]store.StageBuffer{},
		BoardID:      boardID,
	}, nil
}

func (e *Engine) checkpoint(ctx context.Context, conversationID string, session store.SessionState) error {
	return e.Store.SaveSession(ctx, conversationID, session)
}

// lastUserContent returns the most recent user-role message's content.
func (e *Engine) lastUserContent(ctx context.Context, conversationID string) (string, error) {
	msgs, err := e.Store.ListMessages(ctx, conversationID)
	if err != nil {
		return "", err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == store.RoleUser {
			return msgs[i].Content, nil
		}
	}
	return "", nil
}

// accumulatedFeedback joins every human_chairman message since the most
// recent user message, the running context later draft calls see.
func (e *Engine) accumulatedFeedback(ctx context.Context, conversationID string) (string, error) {
	msgs, err := e.Store.ListMessages(ctx, conversationID)
	if err != nil {
		return "", err
	}
	start := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == store.RoleUser {
			start = i + 1
			break
		}
	}
	feedback := ""
	for _, m := range msgs[start:] {
		if m.Role != store.RoleHumanChairman {
			continue
		}
		if feedback != "" {
			feedback += "\n"
		}
		feedback += m.Content
	}
	return feedback, nil
}

// publish emits one event both to the live in-memory bus (the accelerator
// reconnecting clients use) and to the durable audit log (the record
// Property 4's event-grammar invariant is checked against, per SPEC_FULL.md
// §9 — the bus's retention ring is opportunistic and discarded on restart).
func (e *Engine) publish(ctx context.Context, conversationID string, typ events.EventType, data map[string]any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	if e.Bus != nil {
		e.Bus.Publish(events.Event{Type: typ, SessionID: conversationID, Data: raw})
	}
	if e.Store != nil {
		taskID, _ := data["task_id"].(string)
		_ = e.Store.LogAuditEvent(ctx, store.AuditEvent{
			SessionID: conversationID,
			Timestamp: e.Now(),
			Step:      string(typ),
			TaskID:    taskID,
			RawData:   raw,
		})
	}
}
