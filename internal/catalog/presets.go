package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

//go:embed presets.yaml
var presetsYAML []byte

// File is the on-disk catalog format used by presets and the CLI.
type File struct {
	Rules      []domain.Rule     `json:"rules" yaml:"rules"`
	Categories []domain.Category `json:"categories" yaml:"categories"`
}

// Presets returns a fresh copy of the built-in preset catalog.
func Presets() (*File, error) {
	f, err := DecodeYAML(presetsYAML)
	if err != nil {
		return nil, fmt.Errorf("failed to parse preset catalog: %w", err)
	}
	return f, nil
}

// DecodeYAML parses a YAML catalog. Unknown fields are rejected.
func DecodeYAML(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// DecodeJSON parses a JSON catalog.
func DecodeJSON(data []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile reads a catalog from path. Files ending in .json are parsed as
// JSON, anything else as YAML.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var f *File
	if strings.EqualFold(filepath.Ext(path), ".json") {
		f, err = DecodeJSON(data)
	} else {
		f, err = DecodeYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	return f, nil
}
