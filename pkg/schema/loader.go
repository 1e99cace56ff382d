package schema

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// File is the on-disk schema document accepted by Load and LoadFile. YAML
// and JSON are both supported; YAML documents are converted to JSON before
// decoding.
type File struct {
	Collections []*Collection `json:"collections"`
}

// Load parses a schema document and builds a validated registry from it.
func Load(data []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schema document: %w", err)
	}
	return New(f.Collections...)
}

// LoadFile reads the schema document at path and builds a validated registry
// from it.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	reg, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	return reg, nil
}
