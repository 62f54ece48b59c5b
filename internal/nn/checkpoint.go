package nn

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

type savedParam struct {
	Name  string
	Shape []int
	Data  []float64
}

// SaveCheckpoint writes all parameters to path, keyed by name.
func SaveCheckpoint(path string, params []*Param) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint %s: %w", path, err)
	}
	defer file.Close()

	saved := make([]savedParam, len(params))
	for i, p := range params {
		saved[i] = savedParam{Name: p.Name, Shape: p.Value.Shape, Data: p.Value.Data}
	}

	if err := gob.NewEncoder(file).Encode(saved); err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", path, err)
	}
	return nil
}

// LoadCheckpoint restores parameters from path into params, matching by
// name. Every parameter must be present with a matching shape.
func LoadCheckpoint(path string, params []*Param) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint %s: %w", path, err)
	}
	defer file.Close()

	var saved []savedParam
	if err := gob.NewDecoder(file).Decode(&saved); err != nil {
		return fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}

	byName := make(map[string]savedParam, len(saved))
	for _, s := range saved {
		byName[s.Name] = s
	}

	for _, p := range params {
		s, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint %s is missing parameter %s", path, p.Name)
		}
		if len(s.Data) != p.Value.Size() {
			return fmt.Errorf("checkpoint %s parameter %s has %d values, expected %d", path, p.Name, len(s.Data), p.Value.Size())
		}
		copy(p.Value.Data, s.Data)
	}
	return nil
}
