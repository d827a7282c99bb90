package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chaz8081/mddprep/internal/config"
)

func TestInitConfigCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	root := newRootCmd()
	root.SetArgs([]string{"init-config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("init-config error = %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}

	if err := os.WriteFile(path, []byte("sample_rate: 8000\n"), 0644); err != nil {
		t.Fatal(err)
	}
	root = newRootCmd()
	root.SetArgs([]string{"init-config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("second init-config error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "sample_rate: 8000\n" {
		t.Error("init-config overwrote an existing file")
	}
}

func TestArgValidation(t *testing.T) {
	tests := [][]string{
		{"inspect", "train"},
		{"inspect", "train", "x"},
		{"stats"},
		{"prepare", "extra"},
	}
	for _, args := range tests {
		root := newRootCmd()
		root.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
		root.SilenceErrors = true
		if err := root.Execute(); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestLoadConfigExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("data_folder: /corpus\nworkers: 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.DataFolder != "/corpus" || cfg.Workers != 2 || cfg.SampleRate != 16000 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestStatsCountsMismatchedUtterances(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	if err := os.MkdirAll(data, 0755); err != nil {
		t.Fatal(err)
	}
	train := `{"u1": {"wav": "{data_root}/u1.wav", "duration": 1.0, "perceived_train_target": "sil k ae ah t s sil", "canonical_aligned": "sil k ae t sil", "perceived_aligned": "sil k ah t sil"}}`
	// t1 has one more perceived phoneme than canonical ones.
	test := `{
  "t1": {"wav": "{data_root}/t1.wav", "duration": 1.0, "perceived_train_target": "sil k ae t sil", "canonical_aligned": "sil k ae t sil", "perceived_aligned": "sil k ae t s sil"},
  "t2": {"wav": "{data_root}/t2.wav", "duration": 2.0, "perceived_train_target": "sil k ah t sil", "canonical_aligned": "sil k ae t sil", "perceived_aligned": "sil k ah t sil"}
}`
	for name, content := range map[string]string{"train.json": train, "dev.json": train, "test.json": test} {
		if err := os.WriteFile(filepath.Join(data, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := "data_folder: " + data + "\nsave_folder: " + filepath.Join(dir, "save") + "\nstrict_alignment: true\n"
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"stats", "test", "--config", cfgPath})
	if err := root.Execute(); err != nil {
		t.Fatalf("stats error = %v", err)
	}
	got := out.String()
	for _, want := range []string{"test: ", "utterances=2", "mismatched=1"} {
		if !strings.Contains(got, want) {
			t.Errorf("stats output = %q, want it to contain %q", got, want)
		}
	}
}
