package align

import "fmt"

// ErrorRate holds detailed phoneme error rate results.
type ErrorRate struct {
	PER           float64 // Phoneme Error Rate (0.0 = perfect)
	Substitutions int     // Phonemes replaced with different phonemes
	Insertions    int     // Extra phonemes in hypothesis
	Deletions     int     // Phonemes missing from hypothesis
	RefPhonemes   int     // Total phonemes in reference
}

// ComputePER calculates the phoneme error rate of hypothesis against reference.
// PER = (Substitutions + Insertions + Deletions) / ReferencePhonemeCount.
// Placeholder tokens are compared like any other symbol.
func ComputePER(reference, hypothesis []string) ErrorRate {
	n := len(reference)
	if n == 0 {
		return ErrorRate{}
	}

	m := len(hypothesis)

	// DP table for minimum edit distance.
	d := make([][]int, n+1)
	for i := range d {
		d[i] = make([]int, m+1)
		d[i][0] = i
	}
	for j := 0; j <= m; j++ {
		d[0][j] = j
	}

	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if reference[i-1] == hypothesis[j-1] {
				d[i][j] = d[i-1][j-1]
				continue
			}
			d[i][j] = 1 + min(d[i-1][j-1], d[i-1][j], d[i][j-1])
		}
	}

	var subs, ins, dels int
	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && reference[i-1] == hypothesis[j-1]:
			i--
			j--
		case i > 0 && j > 0 && d[i][j] == d[i-1][j-1]+1:
			subs++
			i--
			j--
		case i > 0 && d[i][j] == d[i-1][j]+1:
			dels++
			i--
		default:
			ins++
			j--
		}
	}

	return ErrorRate{
		PER:           float64(subs+ins+dels) / float64(n),
		Substitutions: subs,
		Insertions:    ins,
		Deletions:     dels,
		RefPhonemes:   n,
	}
}

// Stats accumulates mispronunciation and error rate figures over a split.
type Stats struct {
	Utterances     int
	Positions      int
	Mispronounced  int
	Substitutions  int
	Insertions     int
	Deletions      int
	RefPhonemes    int
	LengthMismatch int
}

// Add accounts for one utterance.
func (s *Stats) Add(canonical, perceived []string, labels []int) {
	s.Utterances++
	if len(canonical) != len(perceived) {
		s.LengthMismatch++
	}
	s.Positions += len(labels)
	for _, l := range labels {
		s.Mispronounced += l
	}
	er := ComputePER(canonical, perceived)
	s.Substitutions += er.Substitutions
	s.Insertions += er.Insertions
	s.Deletions += er.Deletions
	s.RefPhonemes += er.RefPhonemes
}

// MispronunciationRate is the share of aligned positions labelled 1.
func (s *Stats) MispronunciationRate() float64 {
	if s.Positions == 0 {
		return 0
	}
	return float64(s.Mispronounced) / float64(s.Positions)
}

// PER is the corpus-level phoneme error rate of perceived against canonical.
func (s *Stats) PER() float64 {
	if s.RefPhonemes == 0 {
		return 0
	}
	return float64(s.Substitutions+s.Insertions+s.Deletions) / float64(s.RefPhonemes)
}

func (s *Stats) String() string {
	return fmt.Sprintf("utterances=%d positions=%d mispronounced=%d (%.2f%%) PER=%.2f%% S=%d I=%d D=%d mismatched=%d",
		s.Utterances, s.Positions, s.Mispronounced, 100*s.MispronunciationRate(), 100*s.PER(),
		s.Substitutions, s.Insertions, s.Deletions, s.LengthMismatch)
}
