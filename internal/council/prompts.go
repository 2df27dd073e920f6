package council

import (
	"fmt"
	"strings"

	"council/internal/providers"
	"council/internal/store"
)

// taskSystemNote returns the extra system instruction a blueprint task's
// type contributes, per SPEC_FULL.md §4.6's task-type prompt-shaping
// expansion. required_skills drives router capability filtering
// separately (internal/router); this only shapes the prompt text.
func taskSystemNote(task store.Task) string {
	switch task.Type {
	case "code":
		return "Answer with a single fenced code block containing the complete solution, followed by a brief explanation."
	case "vision":
		return "The user's message may describe or reference image content; reason about it as described, noting any ambiguity."
	case "analyze":
		return "Provide a structured analysis: key findings first, then supporting detail."
	default:
		return ""
	}
}

// draftMessages builds the Stage 1 request for one council member: its
// configured personality, the task's type-specific note, and the user's
// content (plus any human-feedback context carried from a prior revision).
func draftMessages(board store.Board, memberID string, task store.Task, userContent, extraContext string) []providers.Message {
	var sys strings.Builder
	if p := board.Personalities[memberID]; p != "" {
		sys.WriteString(p)
	}
	if note := taskSystemNote(task); note != "" {
		if sys.Len() > 0 {
			sys.WriteString("\n\n")
		}
		sys.WriteString(note)
	}

	content := userContent
	if extraContext != "" {
		content = fmt.Sprintf("%s\n\nAdditional context from the ongoing discussion:\n%s", userContent, extraContext)
	}

	msgs := make([]providers.Message, 0, 2)
	if sys.Len() > 0 {
		msgs = append(msgs, providers.Message{Role: "system", Content: sys.String()})
	}
	msgs = append(msgs, providers.Message{Role: "user", Content: content})
	return msgs
}

// blueprintMessages builds the Stage 0 request asking the chairman to
// produce (or revise) the task blueprint.
func blueprintMessages(priorBlueprint *store.Blueprint, userContent string) []providers.Message {
	sys := `You are planning the stages of a multi-model council discussion. Respond with ONLY a JSON array of tasks, each shaped as {"id":"t1","type":"draft|analyze|vision|code","label":"short label","required_skills":[],"breakpoint":false}. Keep the list short (1-3 tasks) unless the request clearly needs more.`
	user := userContent
	if priorBlueprint != nil && len(priorBlueprint.Tasks) > 0 {
		user = fmt.Sprintf("Prior task list had %d task(s). New user message:\n%s", len(priorBlueprint.Tasks), userContent)
	}
	return []providers.Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: user},
	}
}

// rankingMessages builds the Stage 2 request asking one member to rank the
// blinded drafts. The member sees every draft, its own included, so it can
// judge the others against it — it is told which label is its own only so
// it can leave that label out of the ranking it returns.
func rankingMessages(board store.Board, memberID string, labels []string, draftsByLabel map[string]string, selfLabel string) []providers.Message {
	sys := fmt.Sprintf("You are ranking anonymized responses from best to worst. Response %s is your own; do not include it in your answer. Respond with ONLY a JSON array of the other labels in order, e.g. [\"B\",\"A\"].", selfLabel)
	var body strings.Builder
	for _, label := range labels {
		marker := ""
		if label == selfLabel {
			marker = " (yours)"
		}
		fmt.Fprintf(&body, "Response %s%s:\n%s\n\n", label, marker, draftsByLabel[label])
	}
	return []providers.Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: body.String()},
	}
}

// chairmanCutMessages builds the Stage 2 request asking the chairman to
// pick a single winner label among the Borda top-3, blinded.
func chairmanCutMessages(top3 []string, draftsByLabel map[string]string) []providers.Message {
	sys := "You are selecting the single best response among the candidates below. Respond with ONLY the winning label, e.g. \"B\"."
	var body strings.Builder
	for _, label := range top3 {
		fmt.Fprintf(&body, "Response %s:\n%s\n\n", label, draftsByLabel[label])
	}
	return []providers.Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: body.String()},
	}
}

// synthesisMessages builds the Stage 3 request asking the chairman to write
// the final answer, from either the full draft set (Borda) or the
// narrowed top-3 (Chairman-Cut).
func synthesisMessages(userContent string, labels []string, draftsByLabel map[string]string, winnerLabel string) []providers.Message {
	sys := fmt.Sprintf("You are the council chairman. Write the final answer to the user's request, treating response %s as the preferred basis while incorporating any stronger points from the others.", winnerLabel)
	var body strings.Builder
	fmt.Fprintf(&body, "Original request:\n%s\n\n", userContent)
	for _, label := range labels {
		fmt.Fprintf(&body, "Response %s:\n%s\n\n", label, draftsByLabel[label])
	}
	return []providers.Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: body.String()},
	}
}
