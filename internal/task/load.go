package task

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
)

// Decode parses TOML task-file bytes into a validated slice of Specs.
func Decode(data []byte) ([]Spec, error) {
	var f File
	if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return nil, fmt.Errorf("task: parse tasks.toml: %w", err)
	}
	if err := ValidateSet(f.Tasks); err != nil {
		return nil, err
	}
	return f.Tasks, nil
}

// Encode serializes specs back to canonical TOML bytes.
//
// Encode is deterministic for a given input slice order, which is what
// [github.com/macwilam/linksense/internal/configsync.Hash] relies on to
// give the same specs the same hash. Drift detection in configsync hashes
// the raw file bytes instead.
func Encode(specs []Spec) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(File{Tasks: specs}); err != nil {
		return nil, fmt.Errorf("task: encode tasks.toml: %w", err)
	}
	return buf.Bytes(), nil
}
