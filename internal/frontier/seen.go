package frontier

import (
	"github.com/bits-and-blooms/bloom/v3"
)

type urlState int

const (
	statePending urlState = iota
	stateInFlight
	stateDone
)

type seenEntry struct {
	depth int
	state urlState
}

// seenSet is the dedup filter. The bloom filter answers most misses without
// touching the map; the map is authoritative, so there are no false
// negatives.
type seenSet struct {
	filter  *bloom.BloomFilter
	entries map[string]*seenEntry
}

func newSeenSet(capacity uint, fpRate float64) *seenSet {
	return &seenSet{
		filter:  bloom.NewWithEstimates(capacity, fpRate),
		entries: make(map[string]*seenEntry),
	}
}

func (s *seenSet) get(url string) *seenEntry {
	if !s.filter.TestString(url) {
		return nil
	}
	return s.entries[url]
}

func (s *seenSet) add(url string, depth int, state urlState) *seenEntry {
	s.filter.AddString(url)
	e := &seenEntry{depth: depth, state: state}
	s.entries[url] = e
	return e
}

func (s *seenSet) len() int { return len(s.entries) }
