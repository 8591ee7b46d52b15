// Package form holds the in-progress answer set addressed by composite keys.
package form

import (
	"sort"
	"strings"
	"sync"

	"github.com/rbright/caseform/internal/template"
)

// State is the mutable answer map plus per-section repeat counters and the
// last recorded validation errors. It has one logical writer; the mutex only
// covers dictation results delivered from the capture goroutine.
type State struct {
	mu     sync.Mutex
	values map[string]Value
	counts map[string]int
	errors map[string]string
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		values: make(map[string]Value),
		counts: make(map[string]int),
		errors: make(map[string]string),
	}
}

// FromValues seeds a state from a snapshot (the map is copied).
func FromValues(values map[string]Value) *State {
	s := NewState()
	for key, value := range values {
		s.values[key] = value
	}
	return s
}

// SetField writes the key for one field and clears its recorded validation error.
func (s *State) SetField(sectionID string, fieldID string, value Value, instance int) {
	s.set(Key(sectionID, fieldID, instance), value)
}

// SetChecklistOption adds or removes option in the ordered set at the key.
// The stored slice is never mutated in place.
func (s *State) SetChecklistOption(sectionID string, fieldID string, option string, checked bool, instance int) {
	key := Key(sectionID, fieldID, instance)

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.values[key].Items()
	next := make([]string, 0, len(current)+1)
	present := false
	for _, item := range current {
		if item == option {
			present = true
			if !checked {
				continue
			}
		}
		next = append(next, item)
	}
	if checked && !present {
		next = append(next, option)
	}

	s.values[key] = Set(next...)
	delete(s.errors, key)
}

// AddRepeatInstance grows the section's instance count by one unless that would
// exceed maxRepeat (0 = unbounded). It reports whether the count changed.
func (s *State) AddRepeatInstance(sectionID string, maxRepeat int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.countLocked(sectionID)
	if maxRepeat > 0 && count+1 > maxRepeat {
		return false
	}
	s.counts[sectionID] = count + 1
	return true
}

// RemoveRepeatInstance drops every key of one instance, shifts later instances
// down so keys stay within [0, count), and decrements the count floored at 1.
func (s *State) RemoveRepeatInstance(sectionID string, instance int) {
	if instance < 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.countLocked(sectionID)

	moved := make(map[string]Value)
	for key, value := range s.values {
		idx, ok := instanceOf(key, sectionID)
		if !ok || idx < instance {
			continue
		}
		delete(s.values, key)
		delete(s.errors, key)
		if idx == instance {
			continue
		}
		fieldID := strings.TrimPrefix(key, InstancePrefix(sectionID, idx))
		moved[Key(sectionID, fieldID, idx-1)] = value
	}
	for key, value := range moved {
		s.values[key] = value
	}

	if instance >= count {
		return
	}
	if count-1 < 1 {
		s.counts[sectionID] = 1
		return
	}
	s.counts[sectionID] = count - 1
}

// Count returns the instance count for a section (1 when untracked).
func (s *State) Count(sectionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(sectionID)
}

func (s *State) countLocked(sectionID string) int {
	if count, ok := s.counts[sectionID]; ok && count >= 1 {
		return count
	}
	return 1
}

// Counts returns a copy of the tracked repeat counters.
func (s *State) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for id, count := range s.counts {
		out[id] = count
	}
	return out
}

// SetCounts replaces the repeat counters; values below 1 are floored to 1.
func (s *State) SetCounts(counts map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]int, len(counts))
	for id, count := range counts {
		if count < 1 {
			count = 1
		}
		s.counts[id] = count
	}
}

// Get returns the value stored at key.
func (s *State) Get(key string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok
}

// Set writes a raw composite key.
func (s *State) Set(key string, value Value) {
	s.set(key, value)
}

func (s *State) set(key string, value Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	delete(s.errors, key)
}

// Snapshot copies the value map for validation or persistence.
func (s *State) Snapshot() map[string]Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Value, len(s.values))
	for key, value := range s.values {
		out[key] = value
	}
	return out
}

// Keys returns the stored keys in sorted order.
func (s *State) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored keys.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// SetErrors records the latest validation result.
func (s *State) SetErrors(errs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = make(map[string]string, len(errs))
	for key, msg := range errs {
		s.errors[key] = msg
	}
}

// Errors returns a copy of the recorded validation errors.
func (s *State) Errors() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.errors))
	for key, msg := range s.errors {
		out[key] = msg
	}
	return out
}

// ErrorFor returns the recorded validation message for key.
func (s *State) ErrorFor(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors[key]
}

// ApplyDefaults seeds template default values into keys that have no value yet.
func (s *State) ApplyDefaults(tpl template.Template) {
	for _, section := range tpl.Sections {
		instances := []int{NoInstance}
		if section.IsRepeatable {
			count := s.Count(section.ID)
			instances = instances[:0]
			for i := 0; i < count; i++ {
				instances = append(instances, i)
			}
		}
		for _, field := range section.Fields {
			if field.DefaultValue == "" {
				continue
			}
			value := Text(field.DefaultValue)
			if field.Type.Multi() {
				options, err := template.ParseOptions(field.DefaultValue)
				if err != nil {
					continue
				}
				value = Set(options...)
			}
			for _, instance := range instances {
				key := Key(section.ID, field.ID, instance)
				if _, exists := s.Get(key); exists {
					continue
				}
				s.set(key, value)
			}
		}
	}
}
