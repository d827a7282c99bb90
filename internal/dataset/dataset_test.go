package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/chaz8081/mddprep/internal/audio"
	"github.com/chaz8081/mddprep/internal/config"
	"github.com/chaz8081/mddprep/internal/encoder"
	"github.com/chaz8081/mddprep/internal/pipeline"
	"github.com/chaz8081/mddprep/internal/records"
	"github.com/chaz8081/mddprep/internal/stages"
)

type utt struct {
	id        string
	duration  float64
	target    string
	canonical string
	perceived string
}

var trainUtts = []utt{
	{"u3", 3.1, "sil k ae t sil", "sil k ae t sil", "sil k ae t sil"},
	{"u1", 1.2, "sil d ao k sil", "sil d ao g sil", "sil d ao k sil"},
	{"u2", 2.0, "sil b aa t sil", "sil p aa t sil", "sil b aa t sil"},
}

var evalUtts = []utt{
	{"v2", 2.5, "sil k ae d", "sil k ae t", "sil k ae d"},
	{"v1", 0.5, "sil d ao g", "sil d ao g", "sil d ao g"},
}

func writeSplit(t *testing.T, dir, name string, utts []utt) {
	t.Helper()
	writeSplitWords(t, dir, name, utts, func(id string) (string, bool) { return "w " + id, true })
}

// writeSplitWords writes utts with the word list returned by words; a false
// second result leaves the attribute out.
func writeSplitWords(t *testing.T, dir, name string, utts []utt, words func(id string) (string, bool)) {
	t.Helper()
	// Built by hand so the id order on disk is the order of utts.
	buf := []byte("{")
	for i, u := range utts {
		attrs := map[string]any{
			records.KeyWav:              "{data_root}/" + u.id + ".wav",
			records.KeyDuration:         u.duration,
			records.KeyTarget:           u.target,
			records.KeyCanonicalAligned: u.canonical,
			records.KeyPerceivedAligned: u.perceived,
		}
		if w, ok := words(u.id); ok {
			attrs[records.KeyWords] = w
		}
		fields, err := json.Marshal(attrs)
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '"')
		buf = append(buf, u.id...)
		buf = append(buf, `":`...)
		buf = append(buf, fields...)
	}
	buf = append(buf, '}')
	if err := os.WriteFile(filepath.Join(dir, name), buf, 0644); err != nil {
		t.Fatal(err)
	}
}

// testConfig writes the three splits to a temp data folder and returns a
// config pointing at it.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	data := filepath.Join(root, "data")
	if err := os.MkdirAll(data, 0755); err != nil {
		t.Fatal(err)
	}
	writeSplit(t, data, "train.json", trainUtts)
	writeSplit(t, data, "dev.json", evalUtts)
	writeSplit(t, data, "test.json", evalUtts)

	cfg := config.Default()
	cfg.DataFolder = data
	cfg.SaveFolder = filepath.Join(root, "save")
	cfg.Workers = 2
	return cfg
}

// fakeLoader returns a constant waveform and counts calls.
func fakeLoader(calls *atomic.Int64) audio.Loader {
	return func(path string) (*audio.Waveform, error) {
		calls.Add(1)
		samples := make([]float32, 1600)
		for i := range samples {
			samples[i] = float32(i%10) / 10
		}
		return &audio.Waveform{SampleRate: 16000, Channels: [][]float32{samples}}, nil
	}
}

func ids(v *View) []string {
	var out []string
	for _, r := range v.Records() {
		out = append(out, r.ID)
	}
	return out
}

func TestPrepareAscending(t *testing.T) {
	cfg := testConfig(t)
	var calls atomic.Int64
	splits, err := Prepare(cfg, Options{Loader: fakeLoader(&calls)})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	if got := ids(splits.Train); !slices.Equal(got, []string{"u1", "u2", "u3"}) {
		t.Errorf("train order = %v, want [u1 u2 u3]", got)
	}
	if got := ids(splits.Valid); !slices.Equal(got, []string{"v1", "v2"}) {
		t.Errorf("valid order = %v, want [v1 v2]", got)
	}
	if splits.ShuffleTrain {
		t.Error("ShuffleTrain should be false for a sorted split")
	}
	// Fitting the encoder reads text only.
	if calls.Load() != 0 {
		t.Errorf("loader called %d times during Prepare, want 0", calls.Load())
	}

	item, err := splits.Train.Get(0)
	if err != nil {
		t.Fatalf("Get(0) error = %v", err)
	}
	if item[records.KeyID] != "u1" {
		t.Errorf("id = %v, want u1", item[records.KeyID])
	}
	if item[records.KeyWords] != "w u1" {
		t.Errorf("wrd = %v", item[records.KeyWords])
	}
	labels := item[stages.MisproLabel].([]int64)
	if !slices.Equal(labels, []int64{0, 0, 0, 1, 0}) {
		t.Errorf("mispro_label = %v, want [0 0 0 1 0]", labels)
	}
	if len(item) != len(splits.Train.Outputs()) {
		t.Errorf("item has %d fields, want %d", len(item), len(splits.Train.Outputs()))
	}
	if calls.Load() != 1 {
		t.Errorf("loader called %d times, want 1", calls.Load())
	}

	if id, ok := splits.Encoder.Special(encoder.BlankKey); !ok || id != 0 {
		t.Errorf("Special(blank_label) = %d, %v, want 0, true", id, ok)
	}
	if id, ok := splits.Encoder.Lookup("<blank>"); !ok || id != 0 {
		t.Errorf("Lookup(<blank>) = %d, %v, want 0, true", id, ok)
	}
}

func TestPrepareRandomKeepsShuffle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sorting = "random"
	var calls atomic.Int64
	splits, err := Prepare(cfg, Options{Loader: fakeLoader(&calls)})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if !splits.ShuffleTrain {
		t.Error("ShuffleTrain should follow the configured value for random sorting")
	}
	if got := ids(splits.Train); !slices.Equal(got, []string{"u3", "u1", "u2"}) {
		t.Errorf("train order = %v, want file order", got)
	}
}

func TestPrepareEncoderPersisted(t *testing.T) {
	cfg := testConfig(t)
	var calls atomic.Int64
	first, err := Prepare(cfg, Options{Loader: fakeLoader(&calls)})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	path := cfg.LabelEncoderPath()
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("label encoder not written: %v", err)
	}

	// The saved encoder is reused even if the training text changes.
	writeSplit(t, cfg.DataFolder, "train.json", append(slices.Clone(trainUtts),
		utt{"u4", 4.0, "sil zh sil", "sil zh sil", "sil zh sil"}))
	second, err := Prepare(cfg, Options{Loader: fakeLoader(&calls)})
	if err != nil {
		t.Fatalf("second Prepare() error = %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("label encoder file changed on second Prepare")
	}
	if first.Encoder.Len() != second.Encoder.Len() {
		t.Errorf("encoder sizes differ: %d vs %d", first.Encoder.Len(), second.Encoder.Len())
	}
	if _, err := second.Train.Get(3); !errors.As(err, new(*encoder.UnknownSymbolError)) {
		t.Errorf("Get(u4) error = %v, want *encoder.UnknownSymbolError", err)
	}
}

func TestPrepareWithoutWordList(t *testing.T) {
	tests := []struct {
		name  string
		words func(id string) (string, bool)
		want  map[string]string
	}{
		{
			name:  "no split carries wrd",
			words: func(string) (string, bool) { return "", false },
			want:  map[string]string{"u1": "", "u2": "", "u3": ""},
		},
		{
			name: "some utterances lack wrd",
			words: func(id string) (string, bool) {
				if id == "u2" || id == "v1" {
					return "", false
				}
				return "w " + id, true
			},
			want: map[string]string{"u1": "w u1", "u2": "", "u3": "w u3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			for _, split := range []struct {
				file string
				utts []utt
			}{{"train.json", trainUtts}, {"dev.json", evalUtts}, {"test.json", evalUtts}} {
				writeSplitWords(t, cfg.DataFolder, split.file, split.utts, tt.words)
			}

			var calls atomic.Int64
			splits, err := Prepare(cfg, Options{Loader: fakeLoader(&calls)})
			if err != nil {
				t.Fatalf("Prepare() error = %v", err)
			}
			if !slices.Contains(splits.Train.Outputs(), records.KeyWords) {
				t.Fatalf("train outputs = %v, want %q projected", splits.Train.Outputs(), records.KeyWords)
			}
			for item, err := range splits.Train.All() {
				if err != nil {
					t.Fatalf("All() error = %v", err)
				}
				id := item[records.KeyID].(string)
				if got := item[records.KeyWords]; got != tt.want[id] {
					t.Errorf("%s wrd = %q, want %q", id, got, tt.want[id])
				}
			}
			for item, err := range splits.Valid.All() {
				if err != nil {
					t.Fatalf("valid All() error = %v", err)
				}
				if _, ok := item[records.KeyWords].(string); !ok {
					t.Errorf("valid %v has no wrd string", item[records.KeyID])
				}
			}
		})
	}
}

func TestPrepareErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
		is     error
	}{
		{"bad sorting", func(c *config.Config) { c.Sorting = "sideways" }, config.ErrConfiguration},
		{"bad fusion", func(c *config.Config) { c.FeatureFusion = "quad_ssl" }, config.ErrConfiguration},
		{"bad normalize", func(c *config.Config) { c.Normalize = "peak" }, config.ErrConfiguration},
		{"missing split", func(c *config.Config) { c.Annotations.Test = "{data_root}/nope.json" }, os.ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.modify(cfg)
			_, err := Prepare(cfg, Options{})
			if !errors.Is(err, tt.is) {
				t.Errorf("Prepare() error = %v, want %v", err, tt.is)
			}
		})
	}
}

func TestPrepareTargetPipelineRejectsCanonicalModes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline = "target"
	cfg.FeatureFusion = "mono_att_ver3"
	if _, err := Prepare(cfg, Options{}); err == nil {
		t.Fatal("Prepare() should fail for a canonical-input mode with the target pipeline")
	}

	cfg.FeatureFusion = "mono"
	var calls atomic.Int64
	splits, err := Prepare(cfg, Options{Loader: fakeLoader(&calls)})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if slices.Contains(splits.Train.Stages(), "aligned_text") {
		t.Errorf("train stages = %v, should not run the aligned stage", splits.Train.Stages())
	}
	item, err := splits.Train.Get(0)
	if err != nil {
		t.Fatalf("Get(0) error = %v", err)
	}
	if _, ok := item[stages.MisproLabel]; ok {
		t.Error("target pipeline item should not carry mispro_label")
	}
}

func TestNewViewMissingField(t *testing.T) {
	recs := []records.Record{{ID: "a", Fields: map[string]any{records.KeyID: "a", records.KeyWav: "a.wav"}}}
	reg := pipeline.NewRegistry()
	reg.MustRegister(stages.Audio(nil, 16000, nil))

	_, err := NewView(recs, reg, []string{records.KeyID, stages.Sig, stages.MisproLabel})
	var mf *pipeline.MissingFieldError
	if !errors.As(err, &mf) {
		t.Fatalf("NewView() error = %v, want *pipeline.MissingFieldError", err)
	}
	if mf.Field != stages.MisproLabel {
		t.Errorf("missing field = %q, want %q", mf.Field, stages.MisproLabel)
	}
}

var errBoom = errors.New("boom")

func countingView(t *testing.T, n int, computed *atomic.Int64, failAt string) *View {
	t.Helper()
	var recs []records.Record
	for i := range n {
		id := string(rune('a' + i))
		recs = append(recs, records.Record{ID: id, Fields: map[string]any{records.KeyID: id}})
	}
	reg := pipeline.NewRegistry()
	reg.MustRegister(&pipeline.Stage{
		Name:  "upper",
		Takes: []string{records.KeyID},
		Outputs: []pipeline.Output{{Name: "upper", Compute: func(s *pipeline.Scope) (any, error) {
			computed.Add(1)
			id, err := pipeline.Input[string](s, records.KeyID)
			if err != nil {
				return nil, err
			}
			if id == failAt {
				return nil, errBoom
			}
			return string(rune(id[0] - 'a' + 'A')), nil
		}}},
	})
	v, err := NewView(recs, reg, []string{records.KeyID, "upper"})
	if err != nil {
		t.Fatalf("NewView() error = %v", err)
	}
	return v
}

func TestViewAllRestarts(t *testing.T) {
	var computed atomic.Int64
	v := countingView(t, 4, &computed, "")

	collect := func() []string {
		var out []string
		for item, err := range v.All() {
			if err != nil {
				t.Fatalf("All() error = %v", err)
			}
			out = append(out, item["upper"].(string))
		}
		return out
	}
	first := collect()
	second := collect()
	if !slices.Equal(first, []string{"A", "B", "C", "D"}) || !slices.Equal(first, second) {
		t.Errorf("passes = %v, %v", first, second)
	}
	if computed.Load() != 8 {
		t.Errorf("computed %d items, want 8", computed.Load())
	}

	computed.Store(0)
	for range v.All() {
		break
	}
	if computed.Load() != 1 {
		t.Errorf("early break computed %d items, want 1", computed.Load())
	}
}

func TestViewAllStopsAtError(t *testing.T) {
	var computed atomic.Int64
	v := countingView(t, 4, &computed, "b")
	n := 0
	var last error
	for _, err := range v.All() {
		n++
		last = err
	}
	if n != 2 || last == nil {
		t.Errorf("yielded %d items, last error %v", n, last)
	}
}

func TestPrefetchOrder(t *testing.T) {
	var computed atomic.Int64
	v := countingView(t, 20, &computed, "")
	var got []string
	err := Prefetch(context.Background(), v, 4, func(i int, item Item) error {
		if item[records.KeyID] != v.Records()[i].ID {
			t.Errorf("item %d has id %v", i, item[records.KeyID])
		}
		got = append(got, item["upper"].(string))
		return nil
	})
	if err != nil {
		t.Fatalf("Prefetch() error = %v", err)
	}
	if len(got) != 20 || got[0] != "A" || got[19] != "T" {
		t.Errorf("got = %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("out of order at %d: %v", i, got)
		}
	}
}

func TestPrefetchBoundedWindow(t *testing.T) {
	for _, workers := range []int{1, 3} {
		var computed atomic.Int64
		v := countingView(t, 25, &computed, "")
		var got []string
		err := Prefetch(context.Background(), v, workers, func(i int, item Item) error {
			// Items past i that have been started must fit in the window.
			if ahead := computed.Load() - int64(i); ahead > int64(2*workers) {
				t.Errorf("workers=%d: %d items started ahead of %d", workers, ahead, i)
			}
			got = append(got, item[records.KeyID].(string))
			return nil
		})
		if err != nil {
			t.Fatalf("workers=%d: Prefetch() error = %v", workers, err)
		}
		if !slices.Equal(got, ids(v)) {
			t.Errorf("workers=%d: order = %v", workers, got)
		}
	}
}

func TestPrefetchErrors(t *testing.T) {
	var computed atomic.Int64
	v := countingView(t, 10, &computed, "e")
	err := Prefetch(context.Background(), v, 3, func(int, Item) error { return nil })
	if !errors.Is(err, errBoom) {
		t.Fatalf("Prefetch() error = %v, want resolution error", err)
	}

	stop := errors.New("stop")
	v = countingView(t, 10, &computed, "")
	seen := 0
	err = Prefetch(context.Background(), v, 2, func(i int, _ Item) error {
		seen++
		if i == 3 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Errorf("Prefetch() error = %v, want %v", err, stop)
	}
	if seen != 4 {
		t.Errorf("fn called %d times, want 4", seen)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Prefetch(ctx, v, 2, func(int, Item) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Prefetch(canceled) error = %v, want context.Canceled", err)
	}
}

func TestSplitsView(t *testing.T) {
	s := &Splits{Train: &View{}, Valid: &View{}, Test: &View{}}
	for _, name := range []string{Train, Valid, Test} {
		if v, err := s.View(name); err != nil || v == nil {
			t.Errorf("View(%q) = %v, %v", name, v, err)
		}
	}
	if _, err := s.View("holdout"); err == nil {
		t.Error("View(holdout) should fail")
	}
}
