// Package coaching implements the step cursor and lifecycle rules of a
// coaching session. Functions here are pure: they validate a requested
// transition against a session snapshot and describe the resulting write,
// which the store applies atomically.
package coaching

import (
	"fmt"
	"strings"
	"unicode"

	"argumentcoach/pkg/domain"
)

var order = []domain.Step{
	domain.StepIntro,
	domain.StepClaim,
	domain.StepWarrant,
	domain.StepWarrantBacking,
	domain.StepGrounds,
	domain.StepGroundsBacking,
	domain.StepQualifier,
	domain.StepRebuttal,
	domain.StepDone,
}

var index = func() map[domain.Step]int {
	m := make(map[domain.Step]int, len(order))
	for i, s := range order {
		m[s] = i
	}
	return m
}()

var aliases = func() map[string]domain.Step {
	m := make(map[string]domain.Step, len(order))
	for _, s := range order {
		m[foldStep(string(s))] = s
	}
	return m
}()

// Steps returns the full ordering, intro through done.
func Steps() []domain.Step {
	out := make([]domain.Step, len(order))
	copy(out, order)
	return out
}

// ContentSteps returns the seven steps that map to argument fields.
func ContentSteps() []domain.Step {
	out := make([]domain.Step, 0, len(order)-2)
	for _, s := range order {
		if IsContentStep(s) {
			out = append(out, s)
		}
	}
	return out
}

// Valid reports whether step is part of the ordering.
func Valid(step domain.Step) bool {
	_, ok := index[step]
	return ok
}

// IsContentStep reports whether step has a draft field.
func IsContentStep(step domain.Step) bool {
	return Valid(step) && step != domain.StepIntro && step != domain.StepDone
}

// Index returns the position of step in the ordering, or -1.
func Index(step domain.Step) int {
	i, ok := index[step]
	if !ok {
		return -1
	}
	return i
}

// Successor returns the canonical next step. done has no successor.
func Successor(step domain.Step) (domain.Step, bool) {
	i, ok := index[step]
	if !ok || i == len(order)-1 {
		return "", false
	}
	return order[i+1], true
}

// Between returns the steps strictly after from and strictly before to.
func Between(from, to domain.Step) []domain.Step {
	i, j := Index(from), Index(to)
	if i < 0 || j < 0 || j-i <= 1 {
		return nil
	}
	out := make([]domain.Step, 0, j-i-1)
	out = append(out, order[i+1:j]...)
	return out
}

// ParseStep resolves an exact step name.
func ParseStep(raw string) (domain.Step, error) {
	step := domain.Step(strings.TrimSpace(raw))
	if !Valid(step) {
		return "", fmt.Errorf("unknown step %q", raw)
	}
	return step, nil
}

// NormalizeStep resolves loose spellings such as "warrant_backing",
// "Warrant Backing" or "WARRANT-BACKING".
func NormalizeStep(raw string) (domain.Step, bool) {
	key := foldStep(raw)
	if key == "" {
		return "", false
	}
	step, ok := aliases[key]
	return step, ok
}

func foldStep(raw string) string {
	var sb strings.Builder
	for _, r := range raw {
		if unicode.IsLetter(r) {
			sb.WriteRune(unicode.ToLower(r))
		}
	}
	return sb.String()
}
