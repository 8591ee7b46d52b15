// Package validation checks required fields across every repeat instance of a template.
package validation

import (
	"sort"

	"github.com/rbright/caseform/internal/form"
	"github.com/rbright/caseform/internal/template"
)

// Errors maps composite keys to user-facing messages. An empty map means valid.
type Errors map[string]string

// Empty reports whether no field failed.
func (e Errors) Empty() bool {
	return len(e) == 0
}

// Keys returns failing keys in sorted order.
func (e Errors) Keys() []string {
	keys := make([]string, 0, len(e))
	for key := range e {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Counter reports the instance count of a section.
type Counter interface {
	Count(sectionID string) int
}

// CountMap adapts a plain map to Counter; missing or sub-1 entries count as 1.
type CountMap map[string]int

func (m CountMap) Count(sectionID string) int {
	if count := m[sectionID]; count >= 1 {
		return count
	}
	return 1
}

// Validate is total and side-effect free. A required field is missing when its
// key is absent, holds "", or holds an empty set.
func Validate(tpl template.Template, values map[string]form.Value, counter Counter) Errors {
	if counter == nil {
		counter = CountMap(nil)
	}

	errs := Errors{}
	for _, section := range tpl.Sections {
		instances := []int{form.NoInstance}
		if section.IsRepeatable {
			count := counter.Count(section.ID)
			if count < 1 {
				count = 1
			}
			instances = make([]int, 0, count)
			for i := 0; i < count; i++ {
				instances = append(instances, i)
			}
		}

		for _, instance := range instances {
			for _, field := range section.Fields {
				if !field.IsRequired {
					continue
				}
				key := form.Key(section.ID, field.ID, instance)
				value, ok := values[key]
				if ok && !value.Empty() {
					continue
				}
				errs[key] = field.DisplayLabel() + " is required"
			}
		}
	}
	return errs
}

// ValidateState validates the live state and records the result on it.
func ValidateState(tpl template.Template, state *form.State) Errors {
	errs := Validate(tpl, state.Snapshot(), state)
	state.SetErrors(errs)
	return errs
}
