package audio

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Normalizer is the feature normalization applied to a mono waveform before
// it is handed to the model's feature extractor.
type Normalizer interface {
	Normalize(samples []float32, sampleRate int) ([]float32, error)
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(samples []float32, sampleRate int) ([]float32, error)

// Normalize calls f.
func (f NormalizerFunc) Normalize(samples []float32, sampleRate int) ([]float32, error) {
	return f(samples, sampleRate)
}

// Identity returns samples unchanged.
var Identity = NormalizerFunc(func(samples []float32, _ int) ([]float32, error) {
	return samples, nil
})

// ZeroMeanUnitVar scales a waveform to zero mean and unit variance, the
// normalization wav2vec2-style feature extractors apply.
type ZeroMeanUnitVar struct {
	// Epsilon is added to the variance before the square root.
	Epsilon float64
	// SampleRate, if set, is the only rate accepted.
	SampleRate int
}

// DefaultZeroMeanUnitVar matches the wav2vec2 feature extractor.
func DefaultZeroMeanUnitVar(sampleRate int) ZeroMeanUnitVar {
	return ZeroMeanUnitVar{Epsilon: 1e-7, SampleRate: sampleRate}
}

// Normalize implements Normalizer.
func (z ZeroMeanUnitVar) Normalize(samples []float32, sampleRate int) ([]float32, error) {
	if z.SampleRate != 0 && sampleRate != z.SampleRate {
		return nil, fmt.Errorf("feature extractor expects %d Hz, got %d Hz", z.SampleRate, sampleRate)
	}
	if len(samples) == 0 {
		return []float32{}, nil
	}

	x := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = float64(s)
	}
	mean, variance := stat.PopMeanVariance(x, nil)
	denom := math.Sqrt(variance + z.Epsilon)

	out := make([]float32, len(samples))
	for i, v := range x {
		out[i] = float32((v - mean) / denom)
	}
	return out, nil
}
