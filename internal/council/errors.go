package council

import "fmt"

// Kind is the stable failure category spec.md §7 requires every
// user-visible error to carry.
type Kind string

const (
	KindProviderTransient   Kind = "provider_transient"
	KindProviderPermanent   Kind = "provider_permanent"
	KindTimeout             Kind = "timeout"
	KindParseError          Kind = "parse_error"
	KindInsufficientBallots Kind = "insufficient_ballots"
	KindCouncilQuorumLost   Kind = "council_quorum_lost"
	KindNoCapableModel      Kind = "no_capable_model"
	KindChairmanFallback    Kind = "chairman_fallback"
	KindStorageError        Kind = "storage_error"
	KindInvalidState        Kind = "invalid_state"
)

// RunError is a surfaced (session-failing) or client-rejecting error. Every
// RunError carries a short message and a stable Kind per spec.md §7.
type RunError struct {
	Kind    Kind
	Message string
}

func (e *RunError) Error() string { return string(e.Kind) + ": " + e.Message }

func newRunError(kind Kind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
