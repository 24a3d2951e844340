// Package filterset implements the normalised (apid, ctid) filter table
// described in spec.md §4.2: an ordered collection of up to
// dlttypes.DefaultFilterMax pairs, with the four-pattern match rule used by
// the dispatcher.
package filterset

import "github.com/dlt-tools/dltbroker/pkg/dlttypes"

// AddResult is the outcome of Set.Add.
type AddResult int

const (
	Added AddResult = iota
	MaxReached
	Duplicate
)

// Pair is a single (apid, ctid) filter entry. An empty component matches
// any value for that component — "" is the wildcard, matching python-dlt's
// None.
type Pair struct {
	Apid string
	Ctid string
}

// Set is an ordered, deduplicated collection of filter pairs.
type Set struct {
	pairs []Pair
	seen  map[Pair]struct{}
}

// New returns an empty filter set.
func New() *Set {
	return &Set{seen: make(map[Pair]struct{})}
}

// Add inserts (apid, ctid), rejecting duplicates and overflow non-fatally.
func (s *Set) Add(apid, ctid string) AddResult {
	p := Pair{Apid: apid, Ctid: ctid}
	if _, ok := s.seen[p]; ok {
		return Duplicate
	}
	if len(s.pairs) >= dlttypes.DefaultFilterMax {
		return MaxReached
	}
	s.pairs = append(s.pairs, p)
	s.seen[p] = struct{}{}
	return Added
}

// Contains reports whether (apid, ctid) was added verbatim (not matched —
// see Match for the four-pattern matching rule).
func (s *Set) Contains(apid, ctid string) bool {
	_, ok := s.seen[Pair{Apid: apid, Ctid: ctid}]
	return ok
}

// Iter returns the filter pairs in insertion order.
func (s *Set) Iter() []Pair {
	out := make([]Pair, len(s.pairs))
	copy(out, s.pairs)
	return out
}

// Len reports the number of distinct pairs currently held.
func (s *Set) Len() int { return len(s.pairs) }

// Match reports whether a message with the given apid/ctid matches this
// filter set: true iff the set contains any of (apid,ctid), (apid,""),
// ("",ctid), or ("",""). An empty set matches nothing.
func (s *Set) Match(apid, ctid string) bool {
	if s.Contains(apid, ctid) {
		return true
	}
	if s.Contains(apid, "") {
		return true
	}
	if s.Contains("", ctid) {
		return true
	}
	if s.Contains("", "") {
		return true
	}
	return false
}
