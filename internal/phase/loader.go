package phase

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type document struct {
	Phases []Definition `yaml:"phases"`
}

// Load reads a phase graph from a YAML file.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading phases file: %w", err)
	}
	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return g, nil
}

// Parse parses and validates a YAML phase graph document.
func Parse(data []byte) (*Graph, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing phases YAML: %w", err)
	}
	if len(doc.Phases) == 0 {
		return nil, &ValidationError{Field: "phases", Message: "at least one phase is required"}
	}
	return NewGraph(doc.Phases)
}
