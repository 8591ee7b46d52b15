package template

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes one YAML or JSON template document and validates it.
func Parse(data []byte) (Template, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var tpl Template
	if err := decoder.Decode(&tpl); err != nil {
		if errors.Is(err, io.EOF) {
			return Template{}, errors.New("template document is empty")
		}
		return Template{}, fmt.Errorf("decode template: %w", err)
	}

	for si := range tpl.Sections {
		for fi := range tpl.Sections[si].Fields {
			field := &tpl.Sections[si].Fields[fi]
			fieldType, err := ParseFieldType(string(field.Type))
			if err != nil {
				return Template{}, fmt.Errorf("field %s.%s: %w", tpl.Sections[si].ID, field.ID, err)
			}
			field.Type = fieldType
		}
	}

	if err := tpl.Validate(); err != nil {
		return Template{}, err
	}
	return tpl, nil
}

// ParseFile reads and parses one template file.
func ParseFile(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read template %q: %w", path, err)
	}
	tpl, err := Parse(data)
	if err != nil {
		return Template{}, fmt.Errorf("parse template %q: %w", path, err)
	}
	return tpl, nil
}

// LoadDir parses every .yaml, .yml, and .json file in dir, ordered by file name.
func LoadDir(dir string) ([]Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir %q: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	templates := make([]Template, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		tpl, err := ParseFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[tpl.ID]; dup {
			return nil, fmt.Errorf("template id %q declared in both %s and %s", tpl.ID, prev, name)
		}
		seen[tpl.ID] = name
		templates = append(templates, tpl)
	}
	return templates, nil
}
