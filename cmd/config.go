package main

import (
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v2"

	"github.com/PDOK/csv-archive-server/internal/agg"
	"github.com/PDOK/csv-archive-server/internal/metrics"
	"github.com/PDOK/csv-archive-server/internal/mirror"
	"github.com/PDOK/csv-archive-server/internal/rotate"
	"github.com/PDOK/csv-archive-server/internal/serv"
)

type Config struct {
	Archive  ArchiveConfig     `yaml:"archive"`
	Server   serv.Config       `yaml:"server,omitempty"`
	Metrics  metrics.Config    `yaml:"metrics,omitempty"`
	Summary  agg.SummaryConfig `yaml:"summary,omitempty"`
	Rotation *rotate.Config    `yaml:"rotation,omitempty"`
	Mirror   *mirror.Config    `yaml:"mirror,omitempty"`
	LogLevel string            `yaml:"logLevel" default:"info"`
}

type ArchiveConfig struct {
	// Root holds one directory per year, e.g. /data/storage/Archives
	Root         string `yaml:"root"`
	BundlePrefix string `yaml:"bundlePrefix" default:"MaxLink"`
	// TempDir receives bundles while they are streamed, empty is the OS default
	TempDir string `yaml:"tempDir"`
}

type unmarshalledConfig Config

func (c *Config) UnmarshalYAML(unmarshal func(any) error) error {
	tmp := new(unmarshalledConfig)
	if err := defaults.Set(tmp); err != nil {
		return err
	}
	if err := unmarshal(tmp); err != nil {
		return err
	}
	*c = Config(*tmp)
	return nil
}

// loadConfig reads the YAML file at path. Without a path only the defaults apply.
func loadConfig(path string) (*Config, error) {
	config := new(Config)
	if path == "" {
		if err := defaults.Set(config); err != nil {
			return nil, err
		}
		return config, nil
	}
	configFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(configFile, config); err != nil {
		return nil, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.Archive.Root == "" {
		return fmt.Errorf("archive root is required, set archive.root or --archive-root")
	}
	if c.Rotation != nil && c.Rotation.StorageDir == "" {
		return fmt.Errorf("rotation.storageDir is required when rotation is configured")
	}
	if c.Rotation != nil && c.Rotation.Publish && c.Mirror == nil {
		return fmt.Errorf("rotation.publish needs a mirror section")
	}
	return nil
}
