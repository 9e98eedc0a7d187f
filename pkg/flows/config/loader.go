package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FromFile loads config files in order and merges them, later files
// overriding the top-level keys of earlier ones. The format follows the
// extension: .yaml, .yml or .json. ${VAR} references are expanded from the
// environment first, so a checkpoint dsn or url can be kept out of the
// file.
func FromFile(paths ...string) (Config, error) {
	out := New(nil)
	for _, path := range paths {
		cfg, err := loadFile(path)
		if err != nil {
			return Config{}, err
		}
		out = out.Merge(cfg)
	}
	return out, nil
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = FromYAML(data)
	case ".json":
		cfg, err = FromJSON(data)
	default:
		return Config{}, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// FromYAML parses a YAML document into a Config. An empty document is an
// empty Config.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses a JSON object into a Config.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}
