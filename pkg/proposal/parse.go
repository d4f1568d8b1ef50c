// Package proposal gates model output before it can touch session state.
//
// Output flows through three total stages:
//
//	Parse    raw text        -> Parsed | Unparseable
//	Coerce   RawOutput       -> CoercedOutput
//	Validate CoercedOutput   -> Accepted | Rejected
//
// No stage panics or returns a bare error; callers switch on the variant.
package proposal

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/spf13/cast"
)

// RawOutput is the structurally valid shape of one model turn. Step names are
// kept verbatim; legality is checked later.
type RawOutput struct {
	Message        string
	Step           string
	Confidence     *float64
	ProposedUpdate *RawUpdate
	NextQuestion   string
	ShouldAdvance  bool
	NextStep       string
	IsComplete     bool
}

// RawUpdate is a field update as emitted by the model.
type RawUpdate struct {
	Field     string
	Value     string
	Rationale string
}

// ParseResult is Parsed or Unparseable.
type ParseResult interface {
	isParseResult()
}

// Parsed carries a structurally valid model turn.
type Parsed struct {
	Output RawOutput
}

// Unparseable means the model output could not be read at all.
type Unparseable struct {
	Reason string
	Raw    string
}

func (Parsed) isParseResult()      {}
func (Unparseable) isParseResult() {}

var (
	messageKeys       = []string{"message", "assistantMessage", "assistant_message", "reply", "response"}
	stepKeys          = []string{"step", "currentStep", "current_step"}
	confidenceKeys    = []string{"confidence", "confidenceScore", "confidence_score"}
	updateKeys        = []string{"proposedUpdate", "proposed_update", "update"}
	nextQuestionKeys  = []string{"nextQuestion", "next_question", "followUp", "follow_up"}
	shouldAdvanceKeys = []string{"shouldAdvance", "should_advance", "advance"}
	nextStepKeys      = []string{"nextStep", "next_step"}
	isCompleteKeys    = []string{"isComplete", "is_complete", "complete"}
)

// Parse reads a model turn leniently. It tolerates code fences, prose around
// the JSON object, snake_case keys and loosely typed scalars. Only a missing
// object, message or step makes the output unparseable.
func Parse(raw string) ParseResult {
	body, ok := extractObject(raw)
	if !ok {
		return Unparseable{Reason: "no JSON object in model output", Raw: raw}
	}
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return Unparseable{Reason: "invalid JSON: " + err.Error(), Raw: raw}
	}

	out := RawOutput{}
	msg, ok := lookupString(obj, messageKeys)
	if !ok || strings.TrimSpace(msg) == "" {
		return Unparseable{Reason: "missing message", Raw: raw}
	}
	out.Message = msg
	step, ok := lookupString(obj, stepKeys)
	if !ok || strings.TrimSpace(step) == "" {
		return Unparseable{Reason: "missing step", Raw: raw}
	}
	out.Step = step

	if v, ok := lookup(obj, confidenceKeys); ok && v != nil {
		if f, err := cast.ToFloat64E(normalizeNumber(v)); err == nil {
			out.Confidence = &f
		}
	}
	if v, ok := lookup(obj, updateKeys); ok {
		if m, ok := v.(map[string]any); ok {
			upd := RawUpdate{}
			upd.Field, _ = lookupString(m, []string{"field", "step", "name"})
			upd.Value, _ = lookupString(m, []string{"value", "text", "content"})
			upd.Rationale, _ = lookupString(m, []string{"rationale", "reason", "why"})
			if strings.TrimSpace(upd.Field) != "" || strings.TrimSpace(upd.Value) != "" {
				out.ProposedUpdate = &upd
			}
		}
	}
	out.NextQuestion, _ = lookupString(obj, nextQuestionKeys)
	out.ShouldAdvance = lookupBool(obj, shouldAdvanceKeys)
	out.NextStep, _ = lookupString(obj, nextStepKeys)
	out.IsComplete = lookupBool(obj, isCompleteKeys)
	return Parsed{Output: out}
}

// extractObject returns the outermost {...} span of raw.
func extractObject(raw string) ([]byte, bool) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```JSON")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	return []byte(text[start : end+1]), true
}

func lookup(obj map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func lookupString(obj map[string]any, keys []string) (string, bool) {
	v, ok := lookup(obj, keys)
	if !ok || v == nil {
		return "", false
	}
	switch v.(type) {
	case map[string]any, []any:
		return "", false
	}
	s, err := cast.ToStringE(normalizeNumber(v))
	if err != nil {
		return "", false
	}
	return s, true
}

func lookupBool(obj map[string]any, keys []string) bool {
	v, ok := lookup(obj, keys)
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "yes", "y", "on":
			return true
		case "no", "n", "off", "":
			return false
		}
	}
	b, err := cast.ToBoolE(normalizeNumber(v))
	if err != nil {
		return false
	}
	return b
}

// normalizeNumber unwraps json.Number so cast sees a native value.
func normalizeNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
