package corpus

import "sort"

// HashSet is a set of hex encoded content hashes.
type HashSet map[string]struct{}

func NewHashSet(hashes ...string) HashSet {
	s := make(HashSet, len(hashes))
	for _, h := range hashes {
		s[h] = struct{}{}
	}
	return s
}

func (s HashSet) Add(hashes ...string) {
	for _, h := range hashes {
		s[h] = struct{}{}
	}
}

func (s HashSet) Contains(hash string) bool {
	_, ok := s[hash]
	return ok
}

// Union returns a new set; neither operand is modified.
func (s HashSet) Union(others ...HashSet) HashSet {
	size := len(s)
	for _, o := range others {
		size += len(o)
	}
	out := make(HashSet, size)
	for h := range s {
		out[h] = struct{}{}
	}
	for _, o := range others {
		for h := range o {
			out[h] = struct{}{}
		}
	}
	return out
}

func (s HashSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for h := range s {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
