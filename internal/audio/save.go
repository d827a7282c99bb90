package audio

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Save encodes w as 16-bit PCM WAV. Samples are clipped to [-1.0, 1.0].
func Save(path string, w *Waveform) error {
	nch := len(w.Channels)
	if nch == 0 {
		return fmt.Errorf("audio: no channels to write")
	}
	frames := w.Frames()

	data := make([]int, frames*nch)
	for i := 0; i < frames; i++ {
		for c := 0; c < nch; c++ {
			s := w.Channels[c][i]
			if s > 1 {
				s = 1
			} else if s < -1 {
				s = -1
			}
			data[i*nch+c] = int(s * 32767)
		}
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %s: %w", path, err)
	}

	const pcm = 1
	enc := wav.NewEncoder(out, w.SampleRate, 16, nch, pcm)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: nch, SampleRate: w.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		out.Close()
		return fmt.Errorf("audio: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return fmt.Errorf("audio: finish %s: %w", path, err)
	}
	return out.Close()
}
