package council

import (
	"council/internal/store"
)

// RunInput starts a conversation's run. UserContent is the newest user
// message text (Resume does not take a RunInput; human feedback on an
// existing breakpoint arrives as HumanFeedback). An embedded @@council
// directive (router.ParseDirectives) is stripped before storage and applied
// as a BudgetHint to every Resolve call this turn makes.
type RunInput struct {
	ConversationID string
	Board          store.Board
	FailList       *store.FailList
	UserContent    string
}

// HumanFeedback is Stage 4's input (spec.md §4.6). Submitting it against a
// session not in StatusAwaitingHuman is a client-side KindInvalidState
// error and never advances the pipeline. Feedback may itself carry an
// @@council directive, which replaces any budget hint from the turn that
// opened the breakpoint.
type HumanFeedback struct {
	ContinueDiscussion bool
	Feedback           string
	Rating             *store.Rating
}

// RunResult reports where a run (or resume) left the session.
type RunResult struct {
	ConversationID string
	Status         store.SessionStatus
	MessageID      string
	RevisionIndex  int
}

// memberDraft is one surviving Stage 1 response, in stable board order.
type memberDraft struct {
	MemberID string // the board.CouncilMembers entry this draft answers for
	ModelID  string // the concrete model id actually dispatched (post-substitute)
	Draft    string
	Label    string // assigned in Stage 2
}
