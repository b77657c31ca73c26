package analyzer

import "sort"

// set is an insertion-agnostic string set; labels and flags are specified
// as sets (spec §4.D: "order-independent; labels are a set"), but output
// must still be deterministic, so sorted() gives a stable order.
type set struct {
	m map[string]struct{}
}

func newSet() *set {
	return &set{m: make(map[string]struct{})}
}

func (s *set) add(v string) {
	s.m[v] = struct{}{}
}

func (s *set) has(v string) bool {
	_, ok := s.m[v]
	return ok
}

func (s *set) sorted() []string {
	out := make([]string, 0, len(s.m))
	for v := range s.m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
