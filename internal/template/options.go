package template

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// OptionList is the static choice list of a select/radio/checkbox field.
//
// Templates may carry it as a list or as one serialized string, either a
// JSON-encoded array or a comma-delimited list. It is parsed once at decode time.
type OptionList []string

// ParseOptions decodes a serialized option string.
func ParseOptions(raw string) (OptionList, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
			return nil, fmt.Errorf("decode serialized options: %w", err)
		}
		return normalizeOptions(list), nil
	}
	return normalizeOptions(strings.Split(trimmed, ",")), nil
}

func (l *OptionList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = normalizeOptions(list)
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		parsed, perr := ParseOptions(single)
		if perr != nil {
			return perr
		}
		*l = parsed
		return nil
	}

	return fmt.Errorf("expected string array or serialized option string")
}

func (l *OptionList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*l = normalizeOptions(list)
		return nil
	case yaml.ScalarNode:
		parsed, err := ParseOptions(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*l = parsed
		return nil
	default:
		return fmt.Errorf("line %d: expected option list or serialized string", node.Line)
	}
}

// Contains reports whether option is one of the declared choices.
func (l OptionList) Contains(option string) bool {
	for _, candidate := range l {
		if candidate == option {
			return true
		}
	}
	return false
}

func normalizeOptions(raw []string) OptionList {
	out := make(OptionList, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, option := range raw {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		if _, dup := seen[option]; dup {
			continue
		}
		seen[option] = struct{}{}
		out = append(out, option)
	}
	return out
}
