package form

// FieldRef is a live handle on one composite key. Dictation appends through it
// so every update reads the current value instead of a captured copy.
type FieldRef struct {
	state *State
	key   string
}

// Ref returns a live handle on key.
func (s *State) Ref(key string) FieldRef {
	return FieldRef{state: s, key: key}
}

// Key returns the composite key the handle addresses.
func (r FieldRef) Key() string {
	return r.key
}

// Text returns the current scalar value ("" when unset).
func (r FieldRef) Text() string {
	value, _ := r.state.Get(r.key)
	return value.Text()
}

// Update applies fn to the current text atomically and stores the result.
func (r FieldRef) Update(fn func(current string) string) {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	current := r.state.values[r.key].Text()
	r.state.values[r.key] = Text(fn(current))
	delete(r.state.errors, r.key)
}
