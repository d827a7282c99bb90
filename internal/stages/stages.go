// Package stages defines the audio and phoneme stages of the
// mispronunciation-detection data pipeline.
package stages

import (
	"strings"

	"github.com/chaz8081/mddprep/internal/align"
	"github.com/chaz8081/mddprep/internal/audio"
	"github.com/chaz8081/mddprep/internal/encoder"
	"github.com/chaz8081/mddprep/internal/pipeline"
	"github.com/chaz8081/mddprep/internal/records"
)

// Derived field names.
const (
	Sig = "sig"

	PhnListTarget        = "phn_list_target"
	PhnEncodedListTarget = "phn_encoded_list_target"
	PhnEncodedTarget     = "phn_encoded_target"

	PhnListCanonical        = "phn_list_canonical"
	PhnEncodedListCanonical = "phn_encoded_list_canonical"
	PhnEncodedCanonical     = "phn_encoded_canonical"

	PhnListPerceived        = "phn_list_perceived"
	PhnEncodedListPerceived = "phn_encoded_list_perceived"
	PhnEncodedPerceived     = "phn_encoded_perceived"

	MisproLabel = "mispro_label"
)

// Tokenize trims s and splits it on whitespace.
func Tokenize(s string) []string {
	return strings.Fields(strings.TrimSpace(s))
}

// Audio takes the wav path and provides the mono signal at sampleRate,
// normalized by norm. A nil load uses audio.Load.
func Audio(load audio.Loader, sampleRate int, norm audio.Normalizer) *pipeline.Stage {
	if load == nil {
		load = audio.Load
	}
	return &pipeline.Stage{
		Name:  "audio",
		Takes: []string{records.KeyWav},
		Outputs: []pipeline.Output{{
			Name: Sig,
			Compute: func(s *pipeline.Scope) (any, error) {
				path, err := pipeline.Input[string](s, records.KeyWav)
				if err != nil {
					return nil, err
				}
				return audio.Signal(load, path, sampleRate, norm)
			},
		}},
	}
}

// phonemeOutputs returns the list, encoded list and tensor outputs for one
// raw phoneme string input.
func phonemeOutputs(enc encoder.SequenceEncoder, input, list, encodedList, tensor string) []pipeline.Output {
	return []pipeline.Output{
		{Name: list, Compute: func(s *pipeline.Scope) (any, error) {
			raw, err := pipeline.Input[string](s, input)
			if err != nil {
				return nil, err
			}
			return Tokenize(raw), nil
		}},
		{Name: encodedList, Compute: func(s *pipeline.Scope) (any, error) {
			symbols, err := pipeline.Earlier[[]string](s, list)
			if err != nil {
				return nil, err
			}
			return enc.EncodeSequence(symbols)
		}},
		{Name: tensor, Compute: func(s *pipeline.Scope) (any, error) {
			ids, err := pipeline.Earlier[[]int](s, encodedList)
			if err != nil {
				return nil, err
			}
			return encoder.ToInt64(ids), nil
		}},
	}
}

// TargetText takes the target phoneme string and provides its phoneme
// list, encoded list and encoded tensor.
func TargetText(enc encoder.SequenceEncoder) *pipeline.Stage {
	return &pipeline.Stage{
		Name:    "target_text",
		Takes:   []string{records.KeyTarget},
		Outputs: phonemeOutputs(enc, records.KeyTarget, PhnListTarget, PhnEncodedListTarget, PhnEncodedTarget),
	}
}

// AlignedText provides what TargetText does plus the canonical and perceived
// aligned phoneme lists, their encodings, and the per-position
// mispronunciation label. With strict set, aligned sequences of different
// lengths are an error rather than being truncated.
func AlignedText(enc encoder.SequenceEncoder, strict bool) *pipeline.Stage {
	outputs := phonemeOutputs(enc, records.KeyTarget, PhnListTarget, PhnEncodedListTarget, PhnEncodedTarget)
	outputs = append(outputs, phonemeOutputs(enc, records.KeyCanonicalAligned, PhnListCanonical, PhnEncodedListCanonical, PhnEncodedCanonical)...)
	outputs = append(outputs, phonemeOutputs(enc, records.KeyPerceivedAligned, PhnListPerceived, PhnEncodedListPerceived, PhnEncodedPerceived)...)
	outputs = append(outputs, pipeline.Output{
		Name: MisproLabel,
		Compute: func(s *pipeline.Scope) (any, error) {
			canonical, err := pipeline.Earlier[[]string](s, PhnListCanonical)
			if err != nil {
				return nil, err
			}
			perceived, err := pipeline.Earlier[[]string](s, PhnListPerceived)
			if err != nil {
				return nil, err
			}
			var labels []int
			if strict {
				labels, err = align.DeriveStrict(canonical, perceived)
				if err != nil {
					return nil, err
				}
			} else {
				labels = align.Derive(canonical, perceived)
			}
			return encoder.ToInt64(labels), nil
		},
	})

	return &pipeline.Stage{
		Name:    "aligned_text",
		Takes:   []string{records.KeyTarget, records.KeyCanonicalAligned, records.KeyPerceivedAligned},
		Outputs: outputs,
	}
}
