package worker

// Set tracks creator identifiers across the batches of one run. It is owned
// by the scheduler routine and handed to each driver instance; batches run
// sequentially, so no locking is needed.
type Set map[string]struct{}

// NewSet returns an empty set.
func NewSet() Set {
	return make(Set)
}

// Add inserts id and reports whether it was not present before.
func (s Set) Add(id string) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

// Has reports whether id is in the set.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of identifiers in the set.
func (s Set) Len() int {
	return len(s)
}
