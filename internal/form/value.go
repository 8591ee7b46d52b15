package form

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Value is one field answer: a scalar string, or an ordered string set for checkboxes.
type Value struct {
	text  string
	items []string
	multi bool
}

// Text builds a scalar value.
func Text(s string) Value {
	return Value{text: s}
}

// Set builds an ordered-set value. Duplicates keep their first position.
func Set(items ...string) Value {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return Value{items: out, multi: true}
}

// IsSet reports whether the value is an ordered set.
func (v Value) IsSet() bool {
	return v.multi
}

// Text returns the scalar text; sets are rendered comma-separated.
func (v Value) Text() string {
	if v.multi {
		return strings.Join(v.items, ", ")
	}
	return v.text
}

// Items returns a copy of the set members; scalars yield nil.
func (v Value) Items() []string {
	if !v.multi {
		return nil
	}
	return append([]string(nil), v.items...)
}

// Has reports whether a set value contains item.
func (v Value) Has(item string) bool {
	for _, candidate := range v.items {
		if candidate == item {
			return true
		}
	}
	return false
}

// Equal compares kind and content; set order is significant.
func (v Value) Equal(other Value) bool {
	if v.multi != other.multi {
		return false
	}
	if !v.multi {
		return v.text == other.text
	}
	if len(v.items) != len(other.items) {
		return false
	}
	for i := range v.items {
		if v.items[i] != other.items[i] {
			return false
		}
	}
	return true
}

// Empty reports the required-missing condition: "" or an empty set.
func (v Value) Empty() bool {
	if v.multi {
		return len(v.items) == 0
	}
	return v.text == ""
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.multi {
		items := v.items
		if items == nil {
			items = []string{}
		}
		return json.Marshal(items)
	}
	return json.Marshal(v.text)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*v = Text(text)
		return nil
	}

	var items []string
	if err := json.Unmarshal(data, &items); err == nil {
		*v = Set(items...)
		return nil
	}

	return fmt.Errorf("form value must be a string or string array")
}

func (v Value) String() string {
	if v.multi {
		return fmt.Sprintf("%q", v.items)
	}
	return fmt.Sprintf("%q", v.text)
}
