package loader

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/petal-labs/rowflow/graph"
)

// LoadGraph reads a graph file, validates it, and returns the
// GraphDefinition. When kinds is non-nil every stage type must be
// registered in it. Warnings are returned alongside a nil error.
func LoadGraph(path string, kinds graph.KindLookup) (*graph.GraphDefinition, []graph.Diagnostic, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return Parse(data, DetectFormat(path), kinds)
}

// Parse decodes and validates a graph definition held in memory.
func Parse(data []byte, format Format, kinds graph.KindLookup) (*graph.GraphDefinition, []graph.Diagnostic, error) {
	if err := CheckShape(data, format); err != nil {
		return nil, nil, err
	}

	jsonData := data
	if format == FormatYAML {
		var err error
		if jsonData, err = yamlToJSON(data); err != nil {
			return nil, nil, err
		}
	}

	var gd graph.GraphDefinition
	if err := json.Unmarshal(jsonData, &gd); err != nil {
		return nil, nil, fmt.Errorf("parsing graph definition: %w", err)
	}

	diags := gd.ValidateWithKinds(kinds)
	if graph.HasErrors(diags) {
		return nil, diags, &DiagnosticError{Diagnostics: diags}
	}
	return &gd, graph.Warnings(diags), nil
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []graph.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := graph.Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
