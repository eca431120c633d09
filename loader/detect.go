// Package loader reads RowFlow graph files. Both JSON and YAML are
// accepted; YAML is converted to JSON first so there is a single decoding
// path into graph.GraphDefinition.
package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the encoding of a graph file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrNotAGraph is returned for files that parse but do not look like a
// graph definition.
var ErrNotAGraph = errors.New("not a graph definition")

// DetectFormat picks the encoding from the file extension. Anything that
// is not .yaml or .yml is treated as JSON.
func DetectFormat(path string) Format {
	if isYAML(path) {
		return FormatYAML
	}
	return FormatJSON
}

// CheckShape parses data and verifies it has the top-level keys of a graph
// definition: a stages list, and a links list when more than one stage is
// present.
func CheckShape(data []byte, format Format) error {
	var raw map[string]any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing JSON: %w", err)
		}
	}

	stages, ok := raw["stages"].([]any)
	if !ok {
		return fmt.Errorf("%w: missing stages list", ErrNotAGraph)
	}
	if len(stages) > 1 && !hasKey(raw, "links") {
		return fmt.Errorf("%w: %d stages but no links", ErrNotAGraph, len(stages))
	}
	return nil
}

// isYAML returns true if the file path has a YAML extension.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// hasKey checks if a key exists in a map.
func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

// yamlToJSON converts raw bytes from YAML format to JSON bytes:
// YAML -> map[string]any -> JSON bytes -> typed struct.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	// yaml.v3 uses map[string]any by default, which is JSON-compatible
	return json.Marshal(raw)
}
