package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"argumentcoach/pkg/domain"
	"gorm.io/datatypes"
)

// fieldColumns maps content steps to draft/argument columns.
var fieldColumns = map[domain.Step]string{
	domain.StepClaim:          "claim",
	domain.StepGrounds:        "grounds",
	domain.StepGroundsBacking: "grounds_backing",
	domain.StepWarrant:        "warrant",
	domain.StepWarrantBacking: "warrant_backing",
	domain.StepQualifier:      "qualifier",
	domain.StepRebuttal:       "rebuttal",
}

func fieldColumn(step domain.Step) (string, error) {
	col, ok := fieldColumns[step]
	if !ok {
		return "", fmt.Errorf("step %q has no draft field", step)
	}
	return col, nil
}

// patchColumns turns a draft patch into column assignments.
func patchColumns(patch domain.DraftPatch) (map[string]any, error) {
	cols := make(map[string]any, len(patch.Fields)+1)
	if patch.Name != nil {
		cols["name"] = strings.TrimSpace(*patch.Name)
	}
	for step, value := range patch.Fields {
		col, err := fieldColumn(step)
		if err != nil {
			return nil, err
		}
		cols[col] = value
	}
	return cols, nil
}

func fieldsColumns(f domain.ArgumentFields) map[string]any {
	return map[string]any{
		"claim":           f.Claim,
		"grounds":         f.Grounds,
		"grounds_backing": f.GroundsBacking,
		"warrant":         f.Warrant,
		"warrant_backing": f.WarrantBacking,
		"qualifier":       f.Qualifier,
		"rebuttal":        f.Rebuttal,
	}
}

func encodeProgress(progress map[domain.Step]string) (datatypes.JSON, error) {
	if progress == nil {
		progress = map[domain.Step]string{}
	}
	raw, err := json.Marshal(progress)
	if err != nil {
		return nil, fmt.Errorf("encode progress: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func decodeProgress(raw []byte) map[domain.Step]string {
	out := map[domain.Step]string{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

func encodeMetadata(meta map[string]any) (datatypes.JSON, error) {
	if len(meta) == 0 {
		return datatypes.JSON("{}"), nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode message metadata: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func decodeMetadata(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
