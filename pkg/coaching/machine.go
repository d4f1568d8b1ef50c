package coaching

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"argumentcoach/pkg/domain"
)

var (
	// ErrInvalidTransition is returned for any step move the session's
	// current state does not allow.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrEmptyValue is returned when a confirm carries no text.
	ErrEmptyValue = errors.New("confirmed value is empty")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// PlanConfirm validates confirming step with text and describes the write.
// The caller fills ArgumentID and Message.ID before handing it to the store.
func PlanConfirm(session domain.ChatSession, draftVersion int64, step domain.Step, text string, at time.Time) (domain.StepCommit, error) {
	text = strings.TrimSpace(text)
	if IsContentStep(step) && text == "" {
		return domain.StepCommit{}, ErrEmptyValue
	}
	return plan(session, draftVersion, step, text, false, at)
}

// PlanSkip is PlanConfirm with an empty value. The cursor still advances.
func PlanSkip(session domain.ChatSession, draftVersion int64, step domain.Step, at time.Time) (domain.StepCommit, error) {
	return plan(session, draftVersion, step, "", true, at)
}

func plan(session domain.ChatSession, draftVersion int64, step domain.Step, value string, skipped bool, at time.Time) (domain.StepCommit, error) {
	if session.Status != domain.SessionActive {
		return domain.StepCommit{}, invalid("session is %s", session.Status)
	}
	if !Valid(step) {
		return domain.StepCommit{}, invalid("unknown step %q", step)
	}
	if step != session.CurrentStep {
		return domain.StepCommit{}, invalid("step %s is not the current step %s", step, session.CurrentStep)
	}
	next, ok := Successor(step)
	if !ok {
		return domain.StepCommit{}, invalid("step %s has no successor", step)
	}
	commit := domain.StepCommit{
		SessionID:       session.ID,
		UserID:          session.UserID,
		FromStep:        step,
		ToStep:          next,
		Value:           value,
		Skipped:         skipped,
		ExpectedVersion: draftVersion,
		ArgumentID:      session.GeneratedArgumentID,
		At:              at,
	}
	if IsContentStep(step) {
		commit.Field = step
		commit.CreateArgument = session.GeneratedArgumentID == ""
	}
	verb := "confirm"
	if skipped {
		verb = "skip"
	}
	commit.Message = domain.ChatMessage{
		SessionID: session.ID,
		Role:      domain.RoleSystemMessage,
		Content:   describeAdvance(step, next, skipped),
		Step:      step,
		Metadata: map[string]any{
			"transition": verb,
			"from":       string(step),
			"to":         string(next),
		},
		CreatedAt: at,
	}
	return commit, nil
}

func describeAdvance(from, to domain.Step, skipped bool) string {
	verb := "Confirmed"
	if skipped {
		verb = "Skipped"
	}
	switch {
	case from == domain.StepIntro:
		return fmt.Sprintf("Let's begin. First up: %s.", to)
	case to == domain.StepDone:
		return fmt.Sprintf("%s %s. Every part has been addressed; complete the session to finalize the argument.", verb, from)
	default:
		return fmt.Sprintf("%s %s. Next up: %s.", verb, from, to)
	}
}

// Navigation is the editable view returned by a navigate.
type Navigation struct {
	LoadedValue string
	HasPrior    bool
}

// PlanNavigate relocates the cursor to target. Any step is reachable unless
// the session is completed. Moving forward records every bypassed content
// step without a value as skipped.
func PlanNavigate(session domain.ChatSession, draft domain.ArgumentFields, target domain.Step, at time.Time) (domain.CursorMove, Navigation, error) {
	if session.Status == domain.SessionCompleted {
		return domain.CursorMove{}, Navigation{}, invalid("session is completed")
	}
	if !Valid(target) {
		return domain.CursorMove{}, Navigation{}, invalid("unknown step %q", target)
	}
	move := domain.CursorMove{
		SessionID: session.ID,
		UserID:    session.UserID,
		FromStep:  session.CurrentStep,
		ToStep:    target,
		At:        at,
	}
	if Index(target) > Index(session.CurrentStep) {
		candidates := append([]domain.Step{session.CurrentStep}, Between(session.CurrentStep, target)...)
		for _, s := range candidates {
			if !IsContentStep(s) {
				continue
			}
			if _, seen := session.ArgumentProgress[s]; seen {
				continue
			}
			move.Bypassed = append(move.Bypassed, s)
		}
	}
	move.Message = domain.ChatMessage{
		SessionID: session.ID,
		Role:      domain.RoleSystemMessage,
		Content:   fmt.Sprintf("Moved to %s.", target),
		Step:      target,
		Metadata: map[string]any{
			"transition": "navigate",
			"from":       string(session.CurrentStep),
			"to":         string(target),
		},
		CreatedAt: at,
	}

	// The draft may have been edited after the step was settled, so it wins
	// over the progress snapshot.
	var nav Navigation
	if v, ok := draft.Get(target); ok && strings.TrimSpace(v) != "" {
		nav = Navigation{LoadedValue: v, HasPrior: true}
	}
	return move, nav, nil
}

// PlanComplete validates finishing the session.
func PlanComplete(session domain.ChatSession, at time.Time) (domain.Completion, error) {
	switch session.Status {
	case domain.SessionCompleted:
		return domain.Completion{}, invalid("session is already completed")
	case domain.SessionActive:
	default:
		return domain.Completion{}, invalid("session is %s", session.Status)
	}
	if session.GeneratedArgumentID == "" {
		return domain.Completion{}, invalid("no argument has been started")
	}
	return domain.Completion{
		SessionID:  session.ID,
		UserID:     session.UserID,
		ArgumentID: session.GeneratedArgumentID,
		Message: domain.ChatMessage{
			SessionID: session.ID,
			Role:      domain.RoleSystemMessage,
			Content:   "Argument completed.",
			Step:      session.CurrentStep,
			Metadata:  map[string]any{"transition": "complete"},
			CreatedAt: at,
		},
		At: at,
	}, nil
}

// ApplyCommit returns the progress map after commit. The input is not
// modified.
func ApplyCommit(progress map[domain.Step]string, commit domain.StepCommit) map[domain.Step]string {
	out := cloneProgress(progress)
	if commit.WritesField() {
		out[commit.Field] = commit.Value
	}
	return out
}

// ApplyMove returns the progress map after move. Existing entries are kept.
func ApplyMove(progress map[domain.Step]string, move domain.CursorMove) map[domain.Step]string {
	out := cloneProgress(progress)
	for _, s := range move.Bypassed {
		if _, ok := out[s]; !ok {
			out[s] = ""
		}
	}
	return out
}

func cloneProgress(in map[domain.Step]string) map[domain.Step]string {
	out := make(map[domain.Step]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
