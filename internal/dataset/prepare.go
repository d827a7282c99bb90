package dataset

import (
	"fmt"
	"iter"
	"log/slog"

	"github.com/chaz8081/mddprep/internal/audio"
	"github.com/chaz8081/mddprep/internal/config"
	"github.com/chaz8081/mddprep/internal/encoder"
	"github.com/chaz8081/mddprep/internal/fusion"
	"github.com/chaz8081/mddprep/internal/pipeline"
	"github.com/chaz8081/mddprep/internal/records"
	"github.com/chaz8081/mddprep/internal/stages"
)

// Split names.
const (
	Train = "train"
	Valid = "valid"
	Test  = "test"
)

// Splits is the prepared data for one experiment.
type Splits struct {
	Train *View
	Valid *View
	Test  *View

	Encoder *encoder.LabelEncoder
	Mode    fusion.Mode
	// ShuffleTrain is the shuffle option the batching layer must use for
	// the training split. It is false whenever the split is sorted.
	ShuffleTrain bool
}

// View returns the split named name.
func (s *Splits) View(name string) (*View, error) {
	switch name {
	case Train:
		return s.Train, nil
	case Valid:
		return s.Valid, nil
	case Test:
		return s.Test, nil
	}
	return nil, fmt.Errorf("dataset: unknown split %q (supported: train, valid, test)", name)
}

// Options overrides collaborators used by Prepare.
type Options struct {
	// Loader reads waveforms; nil uses audio.Load.
	Loader audio.Loader
	// Normalizer replaces the one selected by cfg.Normalize.
	Normalizer audio.Normalizer
}

// NormalizerFor returns the normalizer selected by cfg.Normalize.
func NormalizerFor(cfg *config.Config) (audio.Normalizer, error) {
	switch cfg.Normalize {
	case "zero_mean_unit_var":
		return audio.DefaultZeroMeanUnitVar(cfg.SampleRate), nil
	case "none":
		return audio.Identity, nil
	}
	return nil, &config.ConfigurationError{Option: "normalize", Value: cfg.Normalize, Allowed: []string{"zero_mean_unit_var", "none"}}
}

// Prepare loads the three splits, wires the audio and text stages, fits or
// loads the label encoder from the training targets and returns the views
// projected for cfg.FeatureFusion.
func Prepare(cfg *config.Config, opts Options) (*Splits, error) {
	sorting, err := records.ParseSorting(cfg.Sorting)
	if err != nil {
		return nil, err
	}
	mode, err := fusion.ParseMode(cfg.FeatureFusion)
	if err != nil {
		return nil, err
	}
	aligned := cfg.Pipeline == "aligned"
	proj, err := mode.Projection(aligned)
	if err != nil {
		return nil, err
	}
	norm := opts.Normalizer
	if norm == nil {
		if norm, err = NormalizerFor(cfg); err != nil {
			return nil, err
		}
	}

	rep := cfg.Replacements()
	train, err := records.Load(cfg.AnnotationPath(cfg.Annotations.Train), rep)
	if err != nil {
		return nil, err
	}
	train, disableShuffle, err := records.Reorder(train, sorting)
	if err != nil {
		return nil, err
	}
	shuffle := cfg.TrainLoader.Shuffle && !disableShuffle
	if cfg.TrainLoader.Shuffle && disableShuffle {
		slog.Info("train shuffling disabled because the split is sorted", "sorting", sorting)
	}

	valid, err := loadSorted(cfg.AnnotationPath(cfg.Annotations.Valid), rep)
	if err != nil {
		return nil, err
	}
	test, err := loadSorted(cfg.AnnotationPath(cfg.Annotations.Test), rep)
	if err != nil {
		return nil, err
	}
	slog.Info("splits loaded", "train", len(train), "valid", len(valid), "test", len(test), "sorting", sorting)

	// The word list is optional in annotations.
	for name, recs := range map[string][]records.Record{Train: train, Valid: valid, Test: test} {
		if n := records.FillMissing(recs, records.KeyWords, ""); n > 0 {
			slog.Debug("utterances without a word list", "split", name, "count", n)
		}
	}

	var enc encoder.Deferred
	audioStage := stages.Audio(opts.Loader, cfg.SampleRate, norm)

	trainReg := pipeline.NewRegistry()
	evalReg := pipeline.NewRegistry()
	if aligned {
		trainReg.MustRegister(audioStage, stages.AlignedText(&enc, cfg.StrictAlignment))
	} else {
		trainReg.MustRegister(audioStage, stages.TargetText(&enc))
	}
	evalReg.MustRegister(audioStage, stages.AlignedText(&enc, cfg.StrictAlignment))

	// Projections are planned before the encoder is fit: wiring mistakes
	// must fail before any record is read.
	splits := &Splits{Mode: mode, ShuffleTrain: shuffle}
	if splits.Train, err = NewView(train, trainReg, proj.Train); err != nil {
		return nil, fmt.Errorf("dataset: train projection: %w", err)
	}
	if splits.Valid, err = NewView(valid, evalReg, proj.Eval); err != nil {
		return nil, fmt.Errorf("dataset: valid projection: %w", err)
	}
	if splits.Test, err = NewView(test, evalReg, proj.Eval); err != nil {
		return nil, fmt.Errorf("dataset: test projection: %w", err)
	}

	corpus, err := NewView(train, trainReg, []string{stages.PhnListTarget})
	if err != nil {
		return nil, err
	}
	specials := []encoder.Special{{Key: encoder.BlankKey, Symbol: cfg.BlankLabel, ID: cfg.BlankIndex}}
	le, err := encoder.FitOrLoad(cfg.LabelEncoderPath(), Symbols(corpus, stages.PhnListTarget), specials)
	if err != nil {
		return nil, err
	}
	if err := enc.Set(le); err != nil {
		return nil, err
	}
	splits.Encoder = le

	slog.Debug("dataset prepared",
		"mode", mode, "model", mode.Descriptor().Model,
		"train_stages", splits.Train.Stages(), "eval_stages", splits.Valid.Stages(),
		"shuffle_train", shuffle)
	return splits, nil
}

func loadSorted(path string, rep map[string]string) ([]records.Record, error) {
	recs, err := records.Load(path, rep)
	if err != nil {
		return nil, err
	}
	recs, _, err = records.Reorder(recs, records.Ascending)
	return recs, err
}

// Symbols iterates the symbol list stored under field for every item of v.
func Symbols(v *View, field string) iter.Seq2[[]string, error] {
	return func(yield func([]string, error) bool) {
		for item, err := range v.All() {
			if err != nil {
				yield(nil, err)
				return
			}
			symbols, ok := item[field].([]string)
			if !ok {
				yield(nil, fmt.Errorf("dataset: field %q is %T, not a symbol list", field, item[field]))
				return
			}
			if !yield(symbols, nil) {
				return
			}
		}
	}
}
