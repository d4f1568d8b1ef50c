package proposal

import (
	"fmt"

	"argumentcoach/pkg/coaching"
	"argumentcoach/pkg/domain"
)

// DefaultConfidenceThreshold gates auto-applying a proposed update.
const DefaultConfidenceThreshold = 0.7

// Outcome is Accepted, Rejected or Unparseable.
type Outcome interface {
	isOutcome()
}

// Accepted is a proposal that passed strict validation. AutoApply is set when
// the proposed update is confident enough to be written without asking.
type Accepted struct {
	Proposal    domain.Proposal
	AutoApply   bool
	Adjustments []string
}

// Rejected is a structurally valid turn describing an illegal transition.
// Message is kept so the turn can still be shown as plain text.
type Rejected struct {
	Reason      string
	Message     string
	Adjustments []string
}

func (Accepted) isOutcome()    {}
func (Rejected) isOutcome()    {}
func (Unparseable) isOutcome() {}

// Validate applies the transition rules to a coerced turn.
func Validate(c CoercedOutput, threshold float64) Outcome {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	reject := func(format string, args ...any) Outcome {
		return Rejected{Reason: fmt.Sprintf(format, args...), Message: c.Message, Adjustments: c.Adjustments}
	}
	if c.ShouldAdvance && c.Step == domain.StepRebuttal {
		return reject("advance from rebuttal must be expressed as completion")
	}
	if c.ShouldAdvance && c.NextStep == "" {
		return reject("advance without a target step")
	}
	if c.NextStep != "" {
		want, ok := coaching.Successor(c.Step)
		if !ok {
			return reject("step %s has no successor", c.Step)
		}
		if c.NextStep != want {
			return reject("next step %s is not the successor %s of %s", c.NextStep, want, c.Step)
		}
	}

	p := domain.Proposal{
		Message:        c.Message,
		Step:           c.Step,
		Confidence:     c.Confidence,
		ProposedUpdate: c.Update,
		NextQuestion:   c.NextQuestion,
		ShouldAdvance:  c.ShouldAdvance,
		NextStep:       c.NextStep,
		IsComplete:     c.IsComplete,
	}
	auto := c.Update != nil && c.Confidence != nil && *c.Confidence >= threshold
	return Accepted{Proposal: p, AutoApply: auto, Adjustments: c.Adjustments}
}

// Evaluate runs the whole pipeline for one model turn.
func Evaluate(raw string, current domain.Step, threshold float64) Outcome {
	switch r := Parse(raw).(type) {
	case Parsed:
		return Validate(Coerce(r.Output, current), threshold)
	case Unparseable:
		return r
	default:
		return Unparseable{Reason: "unknown parse result", Raw: raw}
	}
}
