// Package codec maps a state file extension to its structured format.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Codec parses and dumps one structured format.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ForPath selects a codec from the file extension of path.
func ForPath(path string) (Codec, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return YAML{}, nil
	case ".json":
		return JSON{}, nil
	case ".toml":
		return TOML{}, nil
	default:
		return nil, fmt.Errorf("unsupported state file extension %q (want .yaml, .yml, .json or .toml)", ext)
	}
}

// YAML is the default state format.
type YAML struct{}

func (YAML) Name() string { return "yaml" }

func (YAML) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (YAML) Unmarshal(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

// JSON writes indented JSON with a trailing newline.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// TOML uses go-toml v2.
type TOML struct{}

func (TOML) Name() string { return "toml" }

func (TOML) Marshal(v any) ([]byte, error) {
	return toml.Marshal(v)
}

func (TOML) Unmarshal(data []byte, v any) error {
	return toml.Unmarshal(data, v)
}
