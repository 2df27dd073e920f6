package council

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"council/internal/events"
	"council/internal/providers"
	"council/internal/registry"
	"council/internal/store"
)

// fakeLookup satisfies ModelLookup from a fixed map, matching the style of
// internal/health's fakeModelSource.
type fakeLookup struct {
	models map[string]registry.UnifiedModel
}

func (f fakeLookup) Get(id string) (registry.UnifiedModel, bool) {
	um, ok := f.models[id]
	return um, ok
}

// scriptedResult is one canned outcome for a scriptedClient call.
type scriptedResult struct {
	text string
	err  error
}

// scriptedClient returns its responses in order, one per Complete call,
// ignoring the requested base model name (tests key clients by council
// member instead). It records the last request it saw for assertions on
// prompt content.
type scriptedClient struct {
	mu        sync.Mutex
	id        string
	responses []scriptedResult
	idx       int
	lastReq   providers.Request
	class     providers.ErrorClass
}

func (s *scriptedClient) ID() string { return s.id }

func (s *scriptedClient) Complete(ctx context.Context, model string, req providers.Request) (providers.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReq = req
	if s.idx >= len(s.responses) {
		return nil, errors.New("scriptedClient: exhausted")
	}
	r := s.responses[s.idx]
	s.idx++
	if r.err != nil {
		return nil, r.err
	}
	return providers.Response(r.text), nil
}

func (s *scriptedClient) ProbeLatency(ctx context.Context, model string) (time.Duration, error) {
	return time.Millisecond, nil
}

func (s *scriptedClient) ClassifyError(err error) *providers.ClassifiedError {
	class := s.class
	if class == "" {
		class = providers.ErrPermanent
	}
	return &providers.ClassifiedError{Err: err, Class: class}
}

type fixture struct {
	engine  *Engine
	store   store.Store
	board   store.Board
	clients map[string]*scriptedClient
}

// newFixture wires a 3-member board (members a/b/c, chairman "chair") with
// one scriptedClient per council seat, each registered under its own
// access-provider id so tests can script each seat's responses
// independently.
func newFixture(strategy string) *fixture {
	members := []string{"member-a", "member-b", "member-c"}
	models := map[string]registry.UnifiedModel{
		"chair": {UnifiedID: "chair", AccessProviderID: "chair", BaseModelID: "m"},
	}
	clients := map[string]*scriptedClient{
		"chair": {id: "chair"},
	}
	for _, m := range members {
		models[m] = registry.UnifiedModel{UnifiedID: m, AccessProviderID: m, BaseModelID: "m"}
		clients[m] = &scriptedClient{id: m}
	}

	resolver := func(accessProviderID string) (providers.Client, bool) {
		c, ok := clients[accessProviderID]
		return c, ok
	}

	st := store.NewMemStore()
	bus := events.NewBus(256)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := New(st, fakeLookup{models: models}, resolver, bus, nil, func() time.Time { return fixedNow })

	board := store.Board{
		ID:                "board-1",
		CouncilMembers:    members,
		Chairman:          "chair",
		ConsensusStrategy: strategy,
		ResponseTimeoutS:  30,
	}
	return &fixture{engine: eng, store: st, board: board, clients: clients}
}

func (fx *fixture) addModel(unifiedID, accessProviderID string, client *scriptedClient) {
	fx.clients[accessProviderID] = client
}

const blueprintOneTask = `[{"id":"t1","type":"draft","label":"answer the question","breakpoint":false}]`
const blueprintTwoTasks = `[{"id":"t1","type":"draft","label":"first","breakpoint":true},{"id":"t2","type":"draft","label":"second","breakpoint":false}]`

func TestRunBordaHappyPath(t *testing.T) {
	fx := newFixture("borda_count")
	fx.clients["chair"].responses = []scriptedResult{{text: blueprintOneTask}, {text: "final synthesized answer"}}
	fx.clients["member-a"].responses = []scriptedResult{{text: "draft A"}, {text: `["B","C"]`}}
	fx.clients["member-b"].responses = []scriptedResult{{text: "draft B"}, {text: `["A","C"]`}}
	fx.clients["member-c"].responses = []scriptedResult{{text: "draft C"}, {text: `["B","A"]`}}

	res, rerr := fx.engine.Run(context.Background(), RunInput{ConversationID: "c1", Board: fx.board, UserContent: "what should we build?"})
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if res.Status != store.StatusAwaitingHuman {
		t.Fatalf("expected awaiting_human after the only task, got %s", res.Status)
	}

	session, err := fx.store.GetSessionState(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	buf, ok := session.StageBuffers["t1"]
	if !ok {
		t.Fatal("expected a stage buffer for t1")
	}
	if len(buf.LabelToModel) != 3 {
		t.Errorf("expected 3 labels, got %d", len(buf.LabelToModel))
	}
	if buf.Stage3Answer != "final synthesized answer" {
		t.Errorf("expected chairman synthesis text, got %q", buf.Stage3Answer)
	}
	if buf.ChairmanFallback {
		t.Error("did not expect a chairman fallback on the happy path")
	}

	msgs, err := fx.store.ListMessages(context.Background(), "c1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 1 user + 1 assistant message, got %d", len(msgs))
	}
	if msgs[1].Role != store.RoleAssistant || !msgs[1].Finalized || msgs[1].Content != "final synthesized answer" {
		t.Errorf("unexpected assistant message: %+v", msgs[1])
	}
}

func TestRunChairmanCutOverridesBordaWinner(t *testing.T) {
	fx := newFixture("chairman_cut")
	// Borda computation below makes "B" the winner; the chairman instead
	// picks "C", which must flow through to the synthesis prompt.
	fx.clients["chair"].responses = []scriptedResult{{text: blueprintOneTask}, {text: "C"}, {text: "final cut answer"}}
	fx.clients["member-a"].responses = []scriptedResult{{text: "draft A"}, {text: `["B","C"]`}}
	fx.clients["member-b"].responses = []scriptedResult{{text: "draft B"}, {text: `["A","C"]`}}
	fx.clients["member-c"].responses = []scriptedResult{{text: "draft C"}, {text: `["B","A"]`}}

	res, rerr := fx.engine.Run(context.Background(), RunInput{ConversationID: "c2", Board: fx.board, UserContent: "pick the best plan"})
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if res.Status != store.StatusAwaitingHuman {
		t.Fatalf("expected awaiting_human, got %s", res.Status)
	}

	chair := fx.clients["chair"]
	if !strings.Contains(chair.lastReq.Messages[0].Content, "response C") {
		t.Errorf("expected synthesis to prefer the chairman's pick C, got system prompt %q", chair.lastReq.Messages[0].Content)
	}

	session, _ := fx.store.GetSessionState(context.Background(), "c2")
	buf := session.StageBuffers["t1"]
	if buf.ChairmanFallback {
		t.Error("chairman gave a valid pick; should not have fallen back to Borda")
	}
}

func TestRunSubstituteActivatesOnDispatchFailure(t *testing.T) {
	fx := newFixture("borda_count")
	fx.board.Substitutes = map[string]string{"member-a": "member-a-sub"}
	subClient := &scriptedClient{id: "member-a-sub", responses: []scriptedResult{{text: "draft A-sub"}, {text: `["B","C"]`}}}
	fx.clients["member-a-sub"] = subClient
	fx.engine.Models = fakeLookup{models: map[string]registry.UnifiedModel{
		"chair":        {UnifiedID: "chair", AccessProviderID: "chair", BaseModelID: "m"},
		"member-a":     {UnifiedID: "member-a", AccessProviderID: "member-a", BaseModelID: "m"},
		"member-a-sub": {UnifiedID: "member-a-sub", AccessProviderID: "member-a-sub", BaseModelID: "m"},
		"member-b":     {UnifiedID: "member-b", AccessProviderID: "member-b", BaseModelID: "m"},
		"member-c":     {UnifiedID: "member-c", AccessProviderID: "member-c", BaseModelID: "m"},
	}}

	fx.clients["chair"].responses = []scriptedResult{{text: blueprintOneTask}, {text: "final answer"}}
	fx.clients["member-a"].responses = []scriptedResult{{err: errors.New("member-a unreachable")}}
	fx.clients["member-b"].responses = []scriptedResult{{text: "draft B"}, {text: `["A","C"]`}}
	fx.clients["member-c"].responses = []scriptedResult{{text: "draft C"}, {text: `["B","A"]`}}

	res, rerr := fx.engine.Run(context.Background(), RunInput{ConversationID: "c3", Board: fx.board, UserContent: "q"})
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if res.Status != store.StatusAwaitingHuman {
		t.Fatalf("expected awaiting_human, got %s", res.Status)
	}

	session, _ := fx.store.GetSessionState(context.Background(), "c3")
	buf := session.StageBuffers["t1"]
	found := false
	for _, s := range buf.SubstitutesUsed {
		if s == "member-a→member-a-sub" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected substitutes_used to record member-a→member-a-sub, got %v", buf.SubstitutesUsed)
	}
	hasSubModel := false
	for _, modelID := range buf.LabelToModel {
		if modelID == "member-a-sub" {
			hasSubModel = true
		}
	}
	if !hasSubModel {
		t.Errorf("expected label_to_model to reference the substitute, got %v", buf.LabelToModel)
	}
}

func TestRunBudgetHintDirectiveNarrowsCandidateSelection(t *testing.T) {
	fx := newFixture("borda_count")
	fx.board.Substitutes = map[string]string{"member-a": "member-a-sub"}
	subClient := &scriptedClient{id: "member-a-sub", responses: []scriptedResult{{text: "draft A-sub"}, {text: `["B","C"]`}}}
	fx.clients["member-a-sub"] = subClient
	fx.engine.Models = fakeLookup{models: map[string]registry.UnifiedModel{
		"chair":        {UnifiedID: "chair", AccessProviderID: "chair", BaseModelID: "m"},
		"member-a":     {UnifiedID: "member-a", AccessProviderID: "member-a", BaseModelID: "m", Cost: registry.Cost{Cost1MTInputUSD: 20}},
		"member-a-sub": {UnifiedID: "member-a-sub", AccessProviderID: "member-a-sub", BaseModelID: "m", Cost: registry.Cost{Cost1MTInputUSD: 1}},
		"member-b":     {UnifiedID: "member-b", AccessProviderID: "member-b", BaseModelID: "m"},
		"member-c":     {UnifiedID: "member-c", AccessProviderID: "member-c", BaseModelID: "m"},
	}}

	fx.clients["chair"].responses = []scriptedResult{{text: blueprintOneTask}, {text: "final answer"}}
	fx.clients["member-b"].responses = []scriptedResult{{text: "draft B"}, {text: `["A","C"]`}}
	fx.clients["member-c"].responses = []scriptedResult{{text: "draft C"}, {text: `["B","A"]`}}

	res, rerr := fx.engine.Run(context.Background(), RunInput{
		ConversationID: "c6",
		Board:          fx.board,
		UserContent:    "@@council max_cost_usd=5\nplan the launch",
	})
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if res.Status != store.StatusAwaitingHuman {
		t.Fatalf("expected awaiting_human, got %s", res.Status)
	}

	// member-a never got a chance to dispatch: the hint steered Resolve
	// straight to its substitute before any call was attempted.
	if fx.clients["member-a"].idx != 0 {
		t.Errorf("expected member-a to be skipped by the budget hint, got %d calls", fx.clients["member-a"].idx)
	}
	if subClient.idx == 0 {
		t.Error("expected the budget substitute to have been dispatched")
	}

	msgs, err := fx.store.ListMessages(context.Background(), "c6")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if msgs[0].Content != "plan the launch" {
		t.Errorf("expected the @@council directive stripped from the stored message, got %q", msgs[0].Content)
	}
}

func TestRunQuorumLostWhenTooManyMembersFail(t *testing.T) {
	fx := newFixture("borda_count")
	fx.clients["chair"].responses = []scriptedResult{{text: blueprintOneTask}}
	fx.clients["member-a"].responses = []scriptedResult{{err: errors.New("down")}}
	fx.clients["member-b"].responses = []scriptedResult{{err: errors.New("down")}}
	fx.clients["member-c"].responses = []scriptedResult{{text: "draft C"}, {text: `["A","B"]`}}

	res, rerr := fx.engine.Run(context.Background(), RunInput{ConversationID: "c4", Board: fx.board, UserContent: "q"})
	if rerr == nil {
		t.Fatal("expected council_quorum_lost, got nil error")
	}
	if rerr.Kind != KindCouncilQuorumLost {
		t.Errorf("expected KindCouncilQuorumLost, got %s", rerr.Kind)
	}
	if res.Status != store.StatusFailed {
		t.Errorf("expected failed status, got %s", res.Status)
	}

	session, _ := fx.store.GetSessionState(context.Background(), "c4")
	if session.Status != store.StatusFailed {
		t.Errorf("expected session checkpointed as failed, got %s", session.Status)
	}
}

func TestResumeBreakpointThenCompleteAdvancesTasks(t *testing.T) {
	fx := newFixture("borda_count")
	fx.clients["chair"].responses = []scriptedResult{
		{text: blueprintTwoTasks}, // stage 0
		{text: "answer to t1"},    // stage 3 for t1
		{text: "answer to t2"},    // stage 3 for t2
	}
	fx.clients["member-a"].responses = []scriptedResult{
		{text: "draft A1"}, {text: `["B","C"]`},
		{text: "draft A2"}, {text: `["B","C"]`},
	}
	fx.clients["member-b"].responses = []scriptedResult{
		{text: "draft B1"}, {text: `["A","C"]`},
		{text: "draft B2"}, {text: `["A","C"]`},
	}
	fx.clients["member-c"].responses = []scriptedResult{
		{text: "draft C1"}, {text: `["B","A"]`},
		{text: "draft C2"}, {text: `["B","A"]`},
	}

	ctx := context.Background()
	res, rerr := fx.engine.Run(ctx, RunInput{ConversationID: "c5", Board: fx.board, UserContent: "multi-step question"})
	if rerr != nil {
		t.Fatalf("unexpected error on first run: %v", rerr)
	}
	if res.Status != store.StatusAwaitingHuman {
		t.Fatalf("expected awaiting_human at t1's breakpoint, got %s", res.Status)
	}

	session, _ := fx.store.GetSessionState(ctx, "c5")
	if session.CurrentTaskIndex != 0 {
		t.Fatalf("expected to still be parked on task 0, got %d", session.CurrentTaskIndex)
	}

	res, rerr = fx.engine.Resume(ctx, "c5", fx.board, nil, HumanFeedback{ContinueDiscussion: true, Feedback: "please expand on this"})
	if rerr != nil {
		t.Fatalf("unexpected error on resume: %v", rerr)
	}
	if res.Status != store.StatusAwaitingHuman {
		t.Fatalf("expected awaiting_human at t2 (blueprint exhausted), got %s", res.Status)
	}

	session, _ = fx.store.GetSessionState(ctx, "c5")
	if session.CurrentTaskIndex != 1 {
		t.Fatalf("expected to have advanced to task 1, got %d", session.CurrentTaskIndex)
	}
	if _, ok := session.StageBuffers["t2"]; !ok {
		t.Fatal("expected t2 to have run, not a re-run of t1")
	}

	rating := &store.Rating{Score: 5}
	res, rerr = fx.engine.Resume(ctx, "c5", fx.board, nil, HumanFeedback{ContinueDiscussion: false, Rating: rating})
	if rerr != nil {
		t.Fatalf("unexpected error on final resume: %v", rerr)
	}
	if res.Status != store.StatusComplete {
		t.Fatalf("expected complete, got %s", res.Status)
	}

	msgs, _ := fx.store.ListMessages(ctx, "c5")
	var lastAssistant *store.Message
	for i := range msgs {
		if msgs[i].Role == store.RoleAssistant {
			lastAssistant = &msgs[i]
		}
	}
	if lastAssistant == nil || lastAssistant.Rating == nil || lastAssistant.Rating.Score != 5 {
		t.Errorf("expected the rating to attach to the last assistant message, got %+v", lastAssistant)
	}

	// Resuming an already-complete session is rejected, not replayed.
	if _, rerr := fx.engine.Resume(ctx, "c5", fx.board, nil, HumanFeedback{ContinueDiscussion: false}); rerr == nil || rerr.Kind != KindInvalidState {
		t.Errorf("expected a second identical resume to be rejected as invalid_state, got %v", rerr)
	}
}
