// Package template describes immutable form templates: sections, fields, and repeat bounds.
package template

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ReservedPrefix marks metadata keys owned by the persistence layer.
const ReservedPrefix = "__"

// ErrUnsupportedFieldType is returned for field types outside the closed FieldType set.
var ErrUnsupportedFieldType = errors.New("unsupported field type")

// FieldType is the closed set of field kinds a template may declare.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldDate     FieldType = "date"
	FieldTextarea FieldType = "textarea"
	FieldSelect   FieldType = "select"
	FieldRadio    FieldType = "radio"
	FieldCheckbox FieldType = "checkbox"
)

// ParseFieldType maps a raw type name onto the closed FieldType set.
func ParseFieldType(raw string) (FieldType, error) {
	switch t := FieldType(strings.ToLower(strings.TrimSpace(raw))); t {
	case FieldText, FieldDate, FieldTextarea, FieldSelect, FieldRadio, FieldCheckbox:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFieldType, raw)
	}
}

// HasOptions reports whether the type draws its values from Field.Options.
func (t FieldType) HasOptions() bool {
	return t == FieldSelect || t == FieldRadio || t == FieldCheckbox
}

// Multi reports whether values of this type are ordered string sets.
func (t FieldType) Multi() bool {
	return t == FieldCheckbox
}

// Template is the read-only schema of one form.
type Template struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	Sections []Section `json:"sections" yaml:"sections"`
}

// Section is an ordered group of fields, optionally repeatable up to MaxRepeat instances.
type Section struct {
	ID           string  `json:"id" yaml:"id"`
	Title        string  `json:"title" yaml:"title"`
	IsRepeatable bool    `json:"isRepeatable" yaml:"isRepeatable"`
	MaxRepeat    int     `json:"maxRepeat,omitempty" yaml:"maxRepeat,omitempty"` // 0 = unbounded
	Fields       []Field `json:"fields" yaml:"fields"`
}

// Field is one answerable control inside a section.
type Field struct {
	ID           string     `json:"id" yaml:"id"`
	Label        string     `json:"label" yaml:"label"`
	Type         FieldType  `json:"type" yaml:"type"`
	IsRequired   bool       `json:"isRequired" yaml:"isRequired"`
	Options      OptionList `json:"options,omitempty" yaml:"options,omitempty"`
	Placeholder  string     `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	DefaultValue string     `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
}

// Section returns the section with id.
func (t Template) Section(id string) (Section, bool) {
	for _, section := range t.Sections {
		if section.ID == id {
			return section, true
		}
	}
	return Section{}, false
}

// Field returns the field with id.
func (s Section) Field(id string) (Field, bool) {
	for _, field := range s.Fields {
		if field.ID == id {
			return field, true
		}
	}
	return Field{}, false
}

// CanRepeat reports whether one more instance fits under MaxRepeat given the current count.
func (s Section) CanRepeat(count int) bool {
	if !s.IsRepeatable {
		return false
	}
	return s.MaxRepeat <= 0 || count < s.MaxRepeat
}

// DisplayLabel falls back to the field id when no label is set.
func (f Field) DisplayLabel() string {
	if label := strings.TrimSpace(f.Label); label != "" {
		return label
	}
	return f.ID
}

// LegalKeys returns every composite key that may exist for the given repeat counts.
// Repeatable sections missing from counts are treated as one instance.
func (t Template) LegalKeys(counts map[string]int) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, section := range t.Sections {
		if !section.IsRepeatable {
			for _, field := range section.Fields {
				keys[section.ID+"."+field.ID] = struct{}{}
			}
			continue
		}
		count := counts[section.ID]
		if count < 1 {
			count = 1
		}
		for i := 0; i < count; i++ {
			prefix := section.ID + "." + strconv.Itoa(i) + "."
			for _, field := range section.Fields {
				keys[prefix+field.ID] = struct{}{}
			}
		}
	}
	return keys
}

// Validate enforces structural invariants the key addressing scheme depends on.
func (t Template) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("template id must not be empty")
	}
	if len(t.Sections) == 0 {
		return fmt.Errorf("template %q has no sections", t.ID)
	}

	seenSections := make(map[string]struct{}, len(t.Sections))
	for _, section := range t.Sections {
		if err := validateID("section", section.ID); err != nil {
			return fmt.Errorf("template %q: %w", t.ID, err)
		}
		if _, dup := seenSections[section.ID]; dup {
			return fmt.Errorf("template %q: duplicate section id %q", t.ID, section.ID)
		}
		seenSections[section.ID] = struct{}{}

		if section.MaxRepeat < 0 {
			return fmt.Errorf("section %q: maxRepeat must be >= 0", section.ID)
		}
		if !section.IsRepeatable && section.MaxRepeat > 0 {
			return fmt.Errorf("section %q: maxRepeat requires isRepeatable", section.ID)
		}

		seenFields := make(map[string]struct{}, len(section.Fields))
		for _, field := range section.Fields {
			if err := validateID("field", field.ID); err != nil {
				return fmt.Errorf("section %q: %w", section.ID, err)
			}
			if _, dup := seenFields[field.ID]; dup {
				return fmt.Errorf("section %q: duplicate field id %q", section.ID, field.ID)
			}
			seenFields[field.ID] = struct{}{}

			if _, err := ParseFieldType(string(field.Type)); err != nil {
				return fmt.Errorf("field %s.%s: %w", section.ID, field.ID, err)
			}
			if field.Type.HasOptions() && len(field.Options) == 0 {
				return fmt.Errorf("field %s.%s: %s requires options", section.ID, field.ID, field.Type)
			}
		}
	}
	return nil
}

func validateID(kind string, id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%s id must not be empty", kind)
	case strings.Contains(id, "."):
		return fmt.Errorf("%s id %q must not contain '.'", kind, id)
	case strings.HasPrefix(id, ReservedPrefix):
		return fmt.Errorf("%s id %q uses reserved prefix %q", kind, id, ReservedPrefix)
	case isDigits(id):
		return fmt.Errorf("%s id %q must not be purely numeric", kind, id)
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
