package records

import (
	"errors"
	"fmt"
	"sort"

	"github.com/chaz8081/mddprep/internal/config"
)

// Sorting is the ordering policy applied to a split before batching.
type Sorting int

const (
	// Random leaves the order alone; shuffling is up to the batching layer.
	Random Sorting = iota
	// Ascending orders records by increasing duration.
	Ascending
	// Descending orders records by decreasing duration.
	Descending
)

var sortingNames = []string{"random", "ascending", "descending"}

func (s Sorting) String() string {
	if s >= 0 && int(s) < len(sortingNames) {
		return sortingNames[s]
	}
	return fmt.Sprintf("Sorting(%d)", int(s))
}

// ParseSorting parses a sorting option value.
func ParseSorting(s string) (Sorting, error) {
	for i, name := range sortingNames {
		if s == name {
			return Sorting(i), nil
		}
	}
	return Random, &config.ConfigurationError{Option: "sorting", Value: s, Allowed: sortingNames}
}

// ErrMissingDuration is returned when a record cannot be sorted because it
// has no numeric duration attribute.
var ErrMissingDuration = errors.New("records: missing numeric duration")

// Reorder applies policy to recs and returns the new order. disableShuffle
// is true when the result is deliberately sorted, in which case the caller
// must not shuffle batches. The input slice is left untouched.
func Reorder(recs []Record, policy Sorting) (out []Record, disableShuffle bool, err error) {
	out = make([]Record, len(recs))
	copy(out, recs)

	switch policy {
	case Random:
		return out, false, nil
	case Ascending, Descending:
	default:
		return nil, false, &config.ConfigurationError{Option: "sorting", Value: policy.String(), Allowed: sortingNames}
	}

	durations := make([]float64, len(out))
	for i, r := range out {
		d, ok := r.Float(KeyDuration)
		if !ok {
			return nil, false, fmt.Errorf("%w: utterance %q", ErrMissingDuration, r.ID)
		}
		durations[i] = d
	}

	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if policy == Descending {
			return durations[idx[a]] > durations[idx[b]]
		}
		return durations[idx[a]] < durations[idx[b]]
	})

	sorted := make([]Record, len(out))
	for i, j := range idx {
		sorted[i] = out[j]
	}
	return sorted, true, nil
}
