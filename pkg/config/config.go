// Package config provides configuration loading and management for lungseg.
// It handles loading configuration from YAML files, checking that the
// augmentation keys are present, and providing default values for the rest.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RequiredKeys lists the dotted keys that must be present in every
// configuration file. The generator cannot pick sensible augmentation
// strengths on its own, so these have no defaults.
var RequiredKeys = []string{
	"augmentare.probabilitate",
	"augmentare.rotatie",
	"augmentare.factor",
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Augmentation parameters. Key names follow the settings files already
	// used by the training scripts.
	Augmentation struct {
		// FlipProbability is the chance, in percent (0-100), of a horizontal flip
		FlipProbability int `yaml:"probabilitate"`

		// MaxRotation is the largest rotation in degrees
		MaxRotation int `yaml:"rotatie"`

		// MaxBrightness is the largest brightness factor
		MaxBrightness float64 `yaml:"factor"`
	} `yaml:"augmentare"`

	// Batch generator parameters
	Generator struct {
		// ImgSize is the [height, width] every image and mask is resized to
		ImgSize []int `yaml:"imgSize"`

		// BatchSize is the number of samples per batch
		BatchSize int `yaml:"batchSize"`

		// Shuffle reshuffles the row order at the end of every epoch
		Shuffle bool `yaml:"shuffle"`

		// Seed seeds the generator's random source. 0 uses the clock.
		Seed int64 `yaml:"seed"`

		// NormalizeTarget clamps the combined mask to {0,1} instead of
		// keeping the raw {0,1,2} values
		NormalizeTarget bool `yaml:"normalizeTarget"`
	} `yaml:"generator"`

	// Sample table parameters
	Dataset struct {
		// CSV is the path of the table listing image and mask paths
		CSV string `yaml:"csv"`

		// BaseDir is joined to relative paths found in the table
		BaseDir string `yaml:"baseDir"`

		// ValidationSplit is the fraction of rows held out for validation
		ValidationSplit float64 `yaml:"validationSplit"`

		// SplitSeed makes the train/validation split reproducible
		SplitSeed int64 `yaml:"splitSeed"`
	} `yaml:"dataset"`

	// Output parameters
	Output struct {
		// PreviewDir is where augmented batch previews are written
		PreviewDir string `yaml:"previewDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
// The augmentation section is filled with neutral values: no rotation,
// no flips and unchanged brightness.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Augmentation.FlipProbability = 0
	cfg.Augmentation.MaxRotation = 0
	cfg.Augmentation.MaxBrightness = 1.0

	cfg.Generator.ImgSize = []int{256, 256}
	cfg.Generator.BatchSize = 8
	cfg.Generator.Shuffle = true
	cfg.Generator.Seed = 0
	cfg.Generator.NormalizeTarget = false

	cfg.Dataset.CSV = "dataset.csv"
	cfg.Dataset.ValidationSplit = 0.2
	cfg.Dataset.SplitSeed = 42

	cfg.Output.PreviewDir = "previews"
	cfg.Output.Verbose = true

	return cfg
}

// Height returns the configured image height.
func (c *Config) Height() int {
	if len(c.Generator.ImgSize) < 1 {
		return 0
	}
	return c.Generator.ImgSize[0]
}

// Width returns the configured image width.
func (c *Config) Width() int {
	if len(c.Generator.ImgSize) < 2 {
		return 0
	}
	return c.Generator.ImgSize[1]
}

// Validate checks that the values are usable by the generator.
func (c *Config) Validate() error {
	a := c.Augmentation
	if a.FlipProbability < 0 || a.FlipProbability > 100 {
		return errors.Errorf("augmentare.probabilitate must be within [0, 100], got %d", a.FlipProbability)
	}
	if a.MaxRotation < 0 {
		return errors.Errorf("augmentare.rotatie must be non-negative, got %d", a.MaxRotation)
	}
	if a.MaxBrightness < 0 {
		return errors.Errorf("augmentare.factor must be non-negative, got %g", a.MaxBrightness)
	}
	if len(c.Generator.ImgSize) != 2 {
		return errors.Errorf("generator.imgSize must be [height, width], got %v", c.Generator.ImgSize)
	}
	if c.Height() <= 0 || c.Width() <= 0 {
		return errors.Errorf("generator.imgSize must be positive, got %v", c.Generator.ImgSize)
	}
	if c.Generator.BatchSize <= 0 {
		return errors.Errorf("generator.batchSize must be positive, got %d", c.Generator.BatchSize)
	}
	if c.Dataset.ValidationSplit < 0 || c.Dataset.ValidationSplit >= 1 {
		return errors.Errorf("dataset.validationSplit must be within [0, 1), got %g", c.Dataset.ValidationSplit)
	}
	return nil
}

// Parse decodes a YAML document on top of the defaults.
// It fails if any of RequiredKeys is missing.
func Parse(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}
	for _, key := range RequiredKeys {
		if !hasKey(&root, key) {
			return nil, errors.Errorf("missing required config key %q", key)
		}
	}

	cfg := DefaultConfig()
	if err := root.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "error decoding config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// LoadConfig loads configuration from a YAML file.
// Unlike most settings, the augmentation section has no defaults, so a
// missing file is an error.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessage(err, configPath)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "error marshaling config")
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "error writing config file")
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// hasKey reports whether the dotted key path exists in a YAML document.
func hasKey(node *yaml.Node, key string) bool {
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return false
		}
		node = node.Content[0]
	}
	for _, part := range strings.Split(key, ".") {
		if node.Kind != yaml.MappingNode {
			return false
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == part {
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			return false
		}
		node = next
	}
	return true
}
