// Package set implements a small string set, used by the capability model
// to track advertised extensions and AUTH mechanisms.
package set

// String is a set of strings.
type String struct {
	m map[string]struct{}
}

// NewString returns a new string set, with the given values in it.
func NewString(values ...string) *String {
	s := &String{}
	s.Add(values...)
	return s
}

// Add values to the string set.
func (s *String) Add(values ...string) {
	if s.m == nil {
		s.m = map[string]struct{}{}
	}

	for _, v := range values {
		s.m[v] = struct{}{}
	}
}

// Has reports whether value is in the set.
//
// We explicitly allow s to be nil *in this function* to simplify callers
// that haven't seen an EHLO reply yet. Note that Add will not tolerate it.
func (s *String) Has(value string) bool {
	if s == nil || s.m == nil {
		return false
	}
	_, ok := s.m[value]
	return ok
}

// Len returns the number of elements in the set.
func (s *String) Len() int {
	if s == nil {
		return 0
	}
	return len(s.m)
}
