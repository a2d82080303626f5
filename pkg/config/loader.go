package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FromFile loads the configuration at the given path on top of the defaults.
// The YAML is converted to JSON before decoding in order to reject unknown fields.
func FromFile(path string) (Configuration, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	m := map[string]any{}

	err = yaml.Unmarshal(b, &m)
	if err != nil {
		return cfg, fmt.Errorf("read config at %s: %w", path, err)
	}

	b, err = json.Marshal(m)
	if err != nil {
		return cfg, fmt.Errorf("load config: marshal config: %w", err)
	}

	d := json.NewDecoder(bytes.NewReader(b))
	d.DisallowUnknownFields()

	err = d.Decode(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("read config at %s: %w", path, err)
	}

	return cfg, nil
}
