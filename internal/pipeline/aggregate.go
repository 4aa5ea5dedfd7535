package pipeline

import (
	"math"
	"slices"
	"sort"

	"github.com/andresmejia3/sightline/internal/types"
)

// LabelSet is the whole-video set of detected classes. Duplicates collapse.
type LabelSet map[string]struct{}

// Add unions the class of every detection into the set.
func (s LabelSet) Add(dets []types.Detection) {
	for _, d := range dets {
		s[d.Class] = struct{}{}
	}
}

// Sorted returns the labels in lexical order. Never nil, so it encodes as [] in JSON.
func (s LabelSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for label := range s {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// SecondBuckets maps a playback second to the labels first seen in it, in order of appearance.
type SecondBuckets map[int][]string

// NewSecondBuckets pre-populates an empty bucket for every second 0..floor(duration),
// so the mapping has no gaps even where nothing is detected.
func NewSecondBuckets(duration float64) SecondBuckets {
	last := 0
	if duration > 0 {
		last = int(math.Floor(duration))
	}
	b := make(SecondBuckets, last+1)
	for sec := 0; sec <= last; sec++ {
		b[sec] = []string{}
	}
	return b
}

// Has reports whether sec is inside the pre-populated range.
func (b SecondBuckets) Has(sec int) bool {
	_, ok := b[sec]
	return ok
}

// Add appends labels not yet seen in sec. Seconds outside the range are ignored.
func (b SecondBuckets) Add(sec int, dets []types.Detection) {
	labels, ok := b[sec]
	if !ok {
		return
	}
	for _, d := range dets {
		if !slices.Contains(labels, d.Class) {
			labels = append(labels, d.Class)
		}
	}
	b[sec] = labels
}
