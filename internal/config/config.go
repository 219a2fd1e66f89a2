package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/handover-sh/handover/internal/fileset"
)

// Config represents the optional handover configuration file.
type Config struct {
	Defaults  DefaultsConfig  `toml:"defaults"`
	Filtering FilteringConfig `toml:"filtering"`
	Discovery DiscoveryConfig `toml:"discovery"`
}

// DefaultsConfig holds persistent flag defaults.
type DefaultsConfig struct {
	ChunkThreshold *int64  `toml:"chunk_threshold"`
	BWLimit        *int64  `toml:"bwlimit"`
	Duplicates     *string `toml:"duplicates"` // ignore | overwrite | move
	BackupRoot     *string `toml:"backup_root"`
}

// FilteringConfig holds the discovery-time filtering policy.
type FilteringConfig struct {
	Exclusions         []string `toml:"exclusions"`
	AllowList          []string `toml:"allow_list"`
	ExcludedExtensions []string `toml:"excluded_extensions"`
	ExcludedPrefixes   []string `toml:"excluded_prefixes"`
}

// DiscoveryConfig holds local-network advertisement settings.
type DiscoveryConfig struct {
	ServiceToken *string `toml:"service_token"`
	Port         *int    `toml:"port"`
}

// Policy builds the fileset policy from the file's filtering and
// duplicate sections.
func (c Config) Policy() fileset.Policy {
	p := fileset.Policy{
		Exclusions:         c.Filtering.Exclusions,
		AllowList:          c.Filtering.AllowList,
		ExcludedExtensions: c.Filtering.ExcludedExtensions,
		ExcludedPrefixes:   c.Filtering.ExcludedPrefixes,
		Duplicates:         fileset.DuplicateOverwrite,
	}
	if c.Defaults.Duplicates != nil {
		p.Duplicates = fileset.DuplicateAction(*c.Defaults.Duplicates)
	}
	if c.Defaults.BackupRoot != nil {
		p.BackupRoot = *c.Defaults.BackupRoot
	}
	return p
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "handover", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
