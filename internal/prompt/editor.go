// Package prompt renders template fields as terminal prompts.
package prompt

import (
	"fmt"
	"strings"

	"github.com/rbright/caseform/internal/template"
)

// Editor is the input control a field is rendered with.
type Editor string

const (
	EditorLine      Editor = "line"
	EditorDate      Editor = "date"
	EditorNarrative Editor = "narrative"
	EditorSelect    Editor = "select"
	EditorRadio     Editor = "radio"
	EditorChecklist Editor = "checklist"
)

// DefaultNarrativeKeywords promote text fields to narrative editors when
// their label contains one of them.
var DefaultNarrativeKeywords = []string{"note", "description", "observation", "reason"}

// EditorFor maps a field onto its editor. Unknown types are an error, never
// a silent no-op.
func EditorFor(field template.Field, narrativeKeywords []string) (Editor, error) {
	switch field.Type {
	case template.FieldText:
		if isNarrativeLabel(field.Label, narrativeKeywords) {
			return EditorNarrative, nil
		}
		return EditorLine, nil
	case template.FieldDate:
		return EditorDate, nil
	case template.FieldTextarea:
		return EditorNarrative, nil
	case template.FieldSelect:
		return EditorSelect, nil
	case template.FieldRadio:
		return EditorRadio, nil
	case template.FieldCheckbox:
		return EditorChecklist, nil
	default:
		return "", fmt.Errorf("field %q: %w: %q", field.ID, template.ErrUnsupportedFieldType, field.Type)
	}
}

func isNarrativeLabel(label string, keywords []string) bool {
	label = strings.ToLower(label)
	for _, keyword := range keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" && strings.Contains(label, keyword) {
			return true
		}
	}
	return false
}
