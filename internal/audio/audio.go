// Package audio loads utterance waveforms and turns them into the mono,
// normalized signal the acoustic model consumes.
package audio

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/wav"
)

// Waveform is decoded audio, one slice of samples in [-1.0, 1.0] per channel.
type Waveform struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the number of samples per channel.
func (w *Waveform) Frames() int {
	if len(w.Channels) == 0 {
		return 0
	}
	return len(w.Channels[0])
}

// Duration returns the length of the waveform in seconds.
func (w *Waveform) Duration() float64 {
	if w.SampleRate == 0 {
		return 0
	}
	return float64(w.Frames()) / float64(w.SampleRate)
}

// Loader reads a waveform from a path.
type Loader func(path string) (*Waveform, error)

// Load decodes a PCM WAV file.
func Load(path string) (*Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("audio: %s is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 || buf.Format.SampleRate < 1 {
		return nil, fmt.Errorf("audio: %s has no usable format", path)
	}

	nch := buf.Format.NumChannels
	frames := len(buf.Data) / nch
	scale, offset, err := pcmScale(buf.SourceBitDepth)
	if err != nil {
		return nil, fmt.Errorf("audio: %s: %w", path, err)
	}

	channels := make([][]float32, nch)
	for c := range channels {
		channels[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < nch; c++ {
			channels[c][i] = float32(float64(buf.Data[i*nch+c]-offset) / scale)
		}
	}

	return &Waveform{SampleRate: buf.Format.SampleRate, Channels: channels}, nil
}

// pcmScale returns the divisor and zero offset mapping integer PCM samples
// of the given bit depth to [-1.0, 1.0]. 8-bit WAV is unsigned.
func pcmScale(bitDepth int) (float64, int, error) {
	switch bitDepth {
	case 8:
		return 128, 128, nil
	case 16:
		return 32768, 0, nil
	case 24:
		return 8388608, 0, nil
	case 32:
		return 2147483648, 0, nil
	}
	return 0, 0, fmt.Errorf("unsupported bit depth %d", bitDepth)
}

// Downmix averages all channels into one.
func Downmix(channels [][]float32) []float32 {
	switch len(channels) {
	case 0:
		return nil
	case 1:
		return channels[0]
	}
	out := make([]float32, len(channels[0]))
	for i := range out {
		var sum float32
		for _, ch := range channels {
			sum += ch[i]
		}
		out[i] = sum / float32(len(channels))
	}
	return out
}

// Resampling filter parameters: a Hann-windowed sinc spanning
// resampleZeroCrossings zero crossings on each side, with its cutoff at
// resampleRolloff times the lower Nyquist frequency.
const (
	resampleZeroCrossings = 6
	resampleRolloff       = 0.99
)

// Resample converts samples from one rate to another with a band-limited
// windowed-sinc interpolator, so content above the lower of the two Nyquist
// frequencies is filtered out instead of aliasing. Samples are returned
// unchanged when the rates are equal. The output holds round(len*to/from)
// samples; the signal is treated as zero outside its bounds.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || len(samples) == 0 || from <= 0 || to <= 0 {
		return samples
	}
	n := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))
	out := make([]float32, n)

	// cutoff is the filter bandwidth relative to the input rate.
	cutoff := resampleRolloff * float64(min(from, to)) / float64(from)
	width := int(math.Ceil(resampleZeroCrossings / cutoff))
	step := float64(from) / float64(to)
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) * step
		lo := max(int(math.Floor(pos))-width, 0)
		hi := min(int(math.Ceil(pos))+width, last)
		var acc float64
		for j := lo; j <= hi; j++ {
			x := (pos - float64(j)) * cutoff
			if math.Abs(x) > resampleZeroCrossings {
				continue
			}
			w := math.Cos(math.Pi * x / (2 * resampleZeroCrossings))
			acc += float64(samples[j]) * sinc(x) * w * w
		}
		out[i] = float32(acc * cutoff)
	}
	return out
}

// sinc is the normalized sinc function sin(pi x)/(pi x).
func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

// Signal loads path with load and returns its channel average at
// targetRate. A non-nil norm is applied last.
func Signal(load Loader, path string, targetRate int, norm Normalizer) ([]float32, error) {
	w, err := load(path)
	if err != nil {
		return nil, err
	}
	mono := Resample(Downmix(w.Channels), w.SampleRate, targetRate)
	if norm == nil {
		return mono, nil
	}
	out, err := norm.Normalize(mono, targetRate)
	if err != nil {
		return nil, fmt.Errorf("audio: normalize %s: %w", path, err)
	}
	return out, nil
}
