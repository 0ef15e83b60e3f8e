package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads a TOML config file. A relative project_root is taken relative to
// the directory holding the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := parse(string(data), filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.source = path
	return cfg, nil
}

// Parse decodes and validates config content with paths relative to the
// working directory.
func Parse(content string) (*Config, error) {
	return parse(content, "")
}

func parse(content, baseDir string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(content, &cfg); err != nil {
		return nil, err
	}

	ApplyEnvOverrides(&cfg)
	if baseDir != "" {
		root := strings.TrimSpace(cfg.ProjectRoot)
		switch {
		case root == "":
			cfg.ProjectRoot = baseDir
		case !filepath.IsAbs(root):
			cfg.ProjectRoot = filepath.Join(baseDir, root)
		}
	}
	applyDefaults(&cfg)
	normalize(&cfg)

	if err := validateVersion(&cfg); err != nil {
		return nil, err
	}
	if err := validateEntries(&cfg); err != nil {
		return nil, err
	}
	if err := validateResolve(&cfg); err != nil {
		return nil, err
	}
	if err := validateChunks(&cfg); err != nil {
		return nil, err
	}
	if err := validatePatterns(&cfg); err != nil {
		return nil, err
	}
	if err := validateLoaders(&cfg); err != nil {
		return nil, err
	}
	if err := validateOutput(&cfg); err != nil {
		return nil, err
	}
	if err := validateDevServer(&cfg); err != nil {
		return nil, err
	}
	if err := validateWatch(&cfg); err != nil {
		return nil, err
	}
	if err := validateDB(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
