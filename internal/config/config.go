package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all data preparation settings.
type Config struct {
	DataFolder      string            `yaml:"data_folder"`
	SaveFolder      string            `yaml:"save_folder"`
	Annotations     AnnotationsConfig `yaml:"annotations"`
	Sorting         string            `yaml:"sorting"` // "ascending", "descending" or "random"
	SampleRate      int               `yaml:"sample_rate"`
	BlankLabel      string            `yaml:"blank_label"`
	BlankIndex      int               `yaml:"blank_index"`
	FeatureFusion   string            `yaml:"feature_fusion"`
	Pipeline        string            `yaml:"pipeline"`  // "target" or "aligned"
	Normalize       string            `yaml:"normalize"` // "zero_mean_unit_var" or "none"
	StrictAlignment bool              `yaml:"strict_alignment"`
	Workers         int               `yaml:"workers"`
	TrainLoader     LoaderConfig      `yaml:"train_dataloader"`
	LogLevel        string            `yaml:"log_level"`
}

// AnnotationsConfig holds the per-split annotation file paths. Paths may
// contain the {data_root} placeholder.
type AnnotationsConfig struct {
	Train string `yaml:"train"`
	Valid string `yaml:"valid"`
	Test  string `yaml:"test"`
}

// LoaderConfig holds options forwarded to the batching layer.
type LoaderConfig struct {
	BatchSize int  `yaml:"batch_size"`
	Shuffle   bool `yaml:"shuffle"`
}

// ConfigurationError reports an option value outside its allowed set.
type ConfigurationError struct {
	Option  string
	Value   string
	Allowed []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s must be one of %s, got %q", e.Option, strings.Join(e.Allowed, ", "), e.Value)
}

// ErrConfiguration matches any *ConfigurationError with errors.Is.
var ErrConfiguration = errors.New("configuration error")

// Is lets errors.Is(err, ErrConfiguration) match.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// LabelEncoderFile is the name of the persisted label encoder in SaveFolder.
const LabelEncoderFile = "label_encoder.txt"

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "mddprep")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		DataFolder: "data",
		SaveFolder: "results/save",
		Annotations: AnnotationsConfig{
			Train: "{data_root}/train.json",
			Valid: "{data_root}/dev.json",
			Test:  "{data_root}/test.json",
		},
		Sorting:         "ascending",
		SampleRate:      16000,
		BlankLabel:      "<blank>",
		BlankIndex:      0,
		FeatureFusion:   "mono",
		Pipeline:        "aligned",
		Normalize:       "zero_mean_unit_var",
		StrictAlignment: true,
		Workers:         4,
		TrainLoader: LoaderConfig{
			BatchSize: 8,
			Shuffle:   true,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in folder paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.DataFolder = expandTilde(cfg.DataFolder)
	cfg.SaveFolder = expandTilde(cfg.SaveFolder)

	return cfg, nil
}

// Validate checks the config for invalid values. Sorting and feature
// fusion are parsed where they are used, so they are not checked here.
func (c *Config) Validate() error {
	if c.DataFolder == "" {
		return fmt.Errorf("data_folder must not be empty")
	}

	if c.SaveFolder == "" {
		return fmt.Errorf("save_folder must not be empty")
	}

	if c.Annotations.Train == "" || c.Annotations.Valid == "" || c.Annotations.Test == "" {
		return fmt.Errorf("annotations.train, annotations.valid and annotations.test must all be set")
	}

	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be > 0")
	}

	if c.BlankLabel == "" {
		return fmt.Errorf("blank_label must not be empty")
	}

	if c.BlankIndex < 0 {
		return fmt.Errorf("blank_index must be >= 0")
	}

	switch c.Pipeline {
	case "target", "aligned":
	default:
		return &ConfigurationError{Option: "pipeline", Value: c.Pipeline, Allowed: []string{"target", "aligned"}}
	}

	switch c.Normalize {
	case "zero_mean_unit_var", "none":
	default:
		return &ConfigurationError{Option: "normalize", Value: c.Normalize, Allowed: []string{"zero_mean_unit_var", "none"}}
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Replacements returns the placeholder substitutions applied to annotation
// paths and to string fields of every record.
func (c *Config) Replacements() map[string]string {
	return map[string]string{"data_root": c.DataFolder}
}

// AnnotationPath resolves the {data_root} placeholder in an annotation path.
func (c *Config) AnnotationPath(p string) string {
	return strings.ReplaceAll(p, "{data_root}", c.DataFolder)
}

// LabelEncoderPath returns the location of the persisted label encoder.
func (c *Config) LabelEncoderPath() string {
	return filepath.Join(c.SaveFolder, LabelEncoderFile)
}

// SlogLevel returns the slog level for LogLevel.
func (c *Config) SlogLevel() slog.Level {
	return ParseLogLevel(c.LogLevel)
}

// ParseLogLevel converts a log level string to slog.Level.
// Unknown values map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# mddprep configuration
# sorting: ascending | descending | random (sorting disables train shuffling)
# pipeline: target (target phonemes only for train) | aligned (canonical, perceived and mispronunciation labels)
`

// WriteDefault writes the default config to path unless a file already
// exists there. It returns the written path, or "" if nothing was written.
func WriteDefault(path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
