package agent

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// file is the on-disk layout of an agents file.
type file struct {
	Agents []Agent `yaml:"agents"`
}

// LoadFile reads and validates the agents declared in the YAML file at path.
func LoadFile(path string) ([]Agent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("agent: open %q: %w", path, err)
	}
	defer f.Close()
	agents, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("agent: load %q: %w", path, err)
	}
	return agents, nil
}

// Decode parses an agents document:
//
//	agents:
//	  - id: reception
//	    name: Ava
//	    prompt: You answer calls for Acme Dental.
//	    greeting: Thanks for calling Acme Dental, this is Ava.
//	    voice:
//	      voice_id: 21m00Tcm4TlvDq8ikWAM
//
// Unknown fields are rejected. Every agent is validated and ids must be
// unique; all problems are reported together.
func Decode(r io.Reader) ([]Agent, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc file
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("agent: decode: %w", err)
	}
	if err := ValidateAll(doc.Agents); err != nil {
		return nil, err
	}
	return doc.Agents, nil
}

// ValidateAll validates each agent and rejects duplicate ids.
func ValidateAll(agents []Agent) error {
	var errs []error
	seen := make(map[string]int, len(agents))
	for i, a := range agents {
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("agents[%d]: %w", i, err))
			continue
		}
		if j, dup := seen[a.ID]; dup {
			errs = append(errs, fmt.Errorf("agents[%d]: agent: duplicate id %q (first at agents[%d])", i, a.ID, j))
			continue
		}
		seen[a.ID] = i
	}
	return errors.Join(errs...)
}
