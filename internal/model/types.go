package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Output describes one named output of the exported network.
type Output struct {
	Name  string  `json:"name"`
	Shape []int64 `json:"shape"`
}

// Metadata is written next to the exported weights.
type Metadata struct {
	InputName  string   `json:"input_name"`
	InputShape []int64  `json:"input_shape"`
	Outputs    []Output `json:"outputs"`
}

// InputSize is the number of values the network expects per call.
func (m Metadata) InputSize() int {
	if len(m.InputShape) == 0 {
		return 0
	}
	n := 1
	for _, d := range m.InputShape {
		n *= int(d)
	}
	return n
}

// OutputNames lists outputs in declaration order.
func (m Metadata) OutputNames() []string {
	names := make([]string, len(m.Outputs))
	for i, o := range m.Outputs {
		names[i] = o.Name
	}
	return names
}

func (m Metadata) validate() error {
	if m.InputName == "" {
		return fmt.Errorf("metadata has no input_name")
	}
	if m.InputSize() <= 0 {
		return fmt.Errorf("metadata input_shape %v is empty", m.InputShape)
	}
	if len(m.Outputs) == 0 {
		return fmt.Errorf("metadata lists no outputs")
	}
	seen := make(map[string]bool, len(m.Outputs))
	for _, o := range m.Outputs {
		if o.Name == "" || len(o.Shape) == 0 {
			return fmt.Errorf("metadata output %+v is incomplete", o)
		}
		if seen[o.Name] {
			return fmt.Errorf("metadata output %q listed twice", o.Name)
		}
		seen[o.Name] = true
	}
	return nil
}

// LoadMetadata reads and checks a metadata file.
func LoadMetadata(path string) (Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := metadata.validate(); err != nil {
		return Metadata{}, fmt.Errorf("%s: %w", path, err)
	}
	return metadata, nil
}

// Files locates the exported network of an experiment:
// <checkpoints_dir>/<name>/<epoch>_net_LNR[_upsampled].{onnx,json}.
func Files(checkpointsDir, name, epoch string, upsampled bool) (modelPath, metadataPath string) {
	base := fmt.Sprintf("%s_net_LNR", epoch)
	if upsampled {
		base += "_upsampled"
	}
	dir := filepath.Join(checkpointsDir, name)
	return filepath.Join(dir, base+".onnx"), filepath.Join(dir, base+".json")
}
