package proposal

import (
	"math"
	"strings"

	"argumentcoach/pkg/coaching"
	"argumentcoach/pkg/domain"
)

// CoercedOutput is a model turn normalized against the session's current
// step. It may still describe an illegal transition.
type CoercedOutput struct {
	Message       string
	Step          domain.Step
	Confidence    *float64
	Update        *domain.ProposedUpdate
	NextQuestion  string
	ShouldAdvance bool
	NextStep      domain.Step
	IsComplete    bool
	// Adjustments lists what coercion changed, for logging.
	Adjustments []string
}

// Coerce normalizes raw against current:
//   - step aliases resolve to canonical names and a step other than current
//     is rebound to current
//   - confidence is clamped into [0,1]; values in (1,100] are percentages
//   - an advance whose target equals the step itself is cleared
//   - isComplete outside rebuttal is cleared
//   - updates naming a non-content field, another field, or an empty value
//     are dropped
//
// Unknown nextStep names are kept verbatim so Validate rejects them.
func Coerce(raw RawOutput, current domain.Step) CoercedOutput {
	out := CoercedOutput{
		Message:       strings.TrimSpace(raw.Message),
		NextQuestion:  strings.TrimSpace(raw.NextQuestion),
		ShouldAdvance: raw.ShouldAdvance,
		IsComplete:    raw.IsComplete,
	}

	step, ok := coaching.NormalizeStep(raw.Step)
	switch {
	case !ok:
		out.Step = current
		out.note("unknown step rebound to current")
	case step != current:
		out.Step = current
		out.note("step " + string(step) + " rebound to current")
	default:
		out.Step = step
	}

	if raw.Confidence != nil {
		if c, ok := clampConfidence(*raw.Confidence); ok {
			out.Confidence = &c
			if c != *raw.Confidence {
				out.note("confidence clamped")
			}
		} else {
			out.note("confidence dropped")
		}
	}

	if next := strings.TrimSpace(raw.NextStep); next != "" {
		if s, ok := coaching.NormalizeStep(next); ok {
			out.NextStep = s
		} else {
			out.NextStep = domain.Step(next)
		}
	}
	if out.ShouldAdvance && out.NextStep == out.Step {
		out.ShouldAdvance = false
		out.NextStep = ""
		out.note("no-op advance cleared")
	}

	if out.IsComplete && out.Step != domain.StepRebuttal {
		out.IsComplete = false
		out.note("completion outside rebuttal cleared")
	}

	if raw.ProposedUpdate != nil {
		out.Update = coerceUpdate(*raw.ProposedUpdate, out.Step, &out)
	}
	return out
}

func coerceUpdate(raw RawUpdate, step domain.Step, out *CoercedOutput) *domain.ProposedUpdate {
	value := strings.TrimSpace(raw.Value)
	if value == "" {
		out.note("empty update dropped")
		return nil
	}
	field := step
	if strings.TrimSpace(raw.Field) != "" {
		f, ok := coaching.NormalizeStep(raw.Field)
		if !ok {
			out.note("update for unknown field dropped")
			return nil
		}
		field = f
	}
	if !coaching.IsContentStep(field) {
		out.note("update for non-content step dropped")
		return nil
	}
	if field != step {
		out.note("update for another step dropped")
		return nil
	}
	return &domain.ProposedUpdate{
		Field:     field,
		Value:     value,
		Rationale: strings.TrimSpace(raw.Rationale),
	}
}

func clampConfidence(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if v > 1 && v <= 100 {
		v = v / 100
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v, true
}

func (c *CoercedOutput) note(s string) {
	c.Adjustments = append(c.Adjustments, s)
}
