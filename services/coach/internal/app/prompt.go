package app

import (
	"fmt"
	"strings"

	"argumentcoach/pkg/ai"
	"argumentcoach/pkg/coaching"
	"argumentcoach/pkg/domain"
)

var stepGuides = map[domain.Step]string{
	domain.StepIntro:          "Orient the user: explain the parts of an argument and ask whether they are ready to state their claim.",
	domain.StepClaim:          "Help the user state one clear, arguable claim in a single sentence.",
	domain.StepWarrant:        "Help the user state the general principle that connects the grounds to the claim.",
	domain.StepWarrantBacking: "Help the user support the warrant with authority, research or shared values.",
	domain.StepGrounds:        "Help the user give concrete evidence or reasons for the claim.",
	domain.StepGroundsBacking: "Help the user show where the evidence comes from and why it is credible.",
	domain.StepQualifier:      "Help the user limit the claim's scope (for example 'in most cases', 'usually').",
	domain.StepRebuttal:       "Help the user anticipate the strongest counterargument and answer it.",
	domain.StepDone:           "All parts are addressed. Summarize and suggest completing the argument.",
}

const responseContract = `Reply with a single JSON object and nothing else:
{
  "message": string,            // what you say to the user
  "step": string,               // the current step, unchanged
  "confidence": number,         // 0..1, how ready the proposed value is
  "proposedUpdate": {           // optional: a value for the current step's field
    "field": string, "value": string, "rationale": string
  },
  "nextQuestion": string,       // optional follow-up question
  "shouldAdvance": boolean,     // true only when the current field is settled
  "nextStep": string,           // required when shouldAdvance; must be %s
  "isComplete": boolean         // only at rebuttal, instead of shouldAdvance
}`

// buildChatRequest renders the model input for one turn: conversation
// history, current step, draft context and language.
func buildChatRequest(session domain.ChatSession, draft domain.ArgumentDraft, history []domain.ChatMessage) ai.ChatRequest {
	var sb strings.Builder
	sb.WriteString("You are a writing coach guiding a student through building an argument one part at a time.\n")
	fmt.Fprintf(&sb, "Always answer in the language with code %q.\n", session.Language)
	if session.Topic != "" {
		fmt.Fprintf(&sb, "Topic: %s\n", session.Topic)
	}
	sb.WriteString("\nParts, in order: ")
	names := make([]string, 0, len(coaching.Steps()))
	for _, s := range coaching.Steps() {
		names = append(names, string(s))
	}
	sb.WriteString(strings.Join(names, " -> "))
	sb.WriteString(".\n")

	step := session.CurrentStep
	fmt.Fprintf(&sb, "Current step: %s. %s\n", step, stepGuides[step])
	if _, settled := session.ArgumentProgress[step]; settled {
		if v, _ := draft.Fields.Get(step); strings.TrimSpace(v) != "" {
			fmt.Fprintf(&sb, "The user previously settled this step as: %q\n", v)
		}
	}

	sb.WriteString("\nDraft so far:\n")
	for _, s := range coaching.ContentSteps() {
		v, _ := draft.Fields.Get(s)
		if strings.TrimSpace(v) == "" {
			v = "(empty)"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", s, v)
	}

	successor := "omitted"
	if next, ok := coaching.Successor(step); ok && step != domain.StepRebuttal {
		successor = fmt.Sprintf("%q", next)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, responseContract, successor)
	sb.WriteString("\nNever skip ahead or go back; the user controls navigation.\n")

	msgs := make([]ai.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case domain.RoleUserMessage:
			msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: m.Content})
		case domain.RoleAssistantMessage:
			msgs = append(msgs, ai.Message{Role: ai.RoleAssistant, Content: m.Content})
		}
	}
	return ai.ChatRequest{System: sb.String(), Messages: msgs, JSON: true}
}

func fallbackReply(step domain.Step) string {
	if coaching.IsContentStep(step) {
		return fmt.Sprintf("I didn't quite catch that. Could you tell me more about your %s?", step)
	}
	return "I didn't quite catch that. Could you rephrase?"
}

// replyText is the visible text of an accepted turn.
func replyText(p domain.Proposal) string {
	msg := strings.TrimSpace(p.Message)
	q := strings.TrimSpace(p.NextQuestion)
	switch {
	case msg == "":
		return q
	case q == "" || strings.Contains(msg, q):
		return msg
	default:
		return msg + "\n\n" + q
	}
}
