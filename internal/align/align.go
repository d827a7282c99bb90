// Package align derives mispronunciation labels from aligned phoneme
// sequences and scores phoneme sequences against each other.
package align

import (
	"errors"
	"fmt"
)

// ErrLengthMismatch is returned by DeriveStrict when the aligned sequences
// differ in length.
var ErrLengthMismatch = errors.New("align: aligned sequences differ in length")

// Derive labels each aligned position 1 when the perceived phoneme differs
// from the canonical one and 0 otherwise. The result has the length of the
// shorter input; positions past it are dropped silently.
func Derive(canonical, perceived []string) []int {
	n := min(len(canonical), len(perceived))
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		if perceived[i] != canonical[i] {
			labels[i] = 1
		}
	}
	return labels
}

// DeriveStrict is Derive for inputs that must be positionally synchronized:
// a length difference is an error instead of a truncation.
func DeriveStrict(canonical, perceived []string) ([]int, error) {
	if len(canonical) != len(perceived) {
		return nil, fmt.Errorf("%w: canonical has %d, perceived has %d", ErrLengthMismatch, len(canonical), len(perceived))
	}
	return Derive(canonical, perceived), nil
}
