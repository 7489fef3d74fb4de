package model

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/klauspost/cpuid/v2"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/lnr-test/internal/dataset"
	"github.com/Brownie44l1/lnr-test/internal/visuals"
)

// SharedLibraryEnv overrides where the onnxruntime shared library is loaded from.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// Config selects the exported network.
type Config struct {
	CheckpointsDir string
	Name           string
	Epoch          string
	DoUpsampling   bool
}

// LNR runs a layered neural renderer exported to ONNX.
type LNR struct {
	cfg          Config
	modelPath    string
	metadataPath string
	logger       *slog.Logger

	Metadata      Metadata
	session       *ort.AdvancedSession
	inputTensor   *ort.Tensor[float32]
	outputTensors []*ort.Tensor[float32]
	paths         []string
}

// New resolves the model files. Nothing is loaded until Setup.
func New(cfg Config, logger *slog.Logger) *LNR {
	modelPath, metadataPath := Files(cfg.CheckpointsDir, cfg.Name, cfg.Epoch, cfg.DoUpsampling)
	return &LNR{
		cfg:          cfg,
		modelPath:    modelPath,
		metadataPath: metadataPath,
		logger:       logger,
	}
}

// Setup loads the metadata and weights and creates the inference session.
func (m *LNR) Setup() error {
	metadata, err := LoadMetadata(m.metadataPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(m.modelPath); err != nil {
		return fmt.Errorf("model weights not found: %w", err)
	}

	if lib := os.Getenv(SharedLibraryEnv); lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		m.Close()
		return fmt.Errorf("failed to create input tensor: %w", err)
	}
	m.inputTensor = inputTensor

	outputs := make([]ort.ArbitraryTensor, 0, len(metadata.Outputs))
	for _, o := range metadata.Outputs {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(o.Shape...))
		if err != nil {
			m.Close()
			return fmt.Errorf("failed to create output tensor %s: %w", o.Name, err)
		}
		m.outputTensors = append(m.outputTensors, t)
		outputs = append(outputs, t)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		m.Close()
		return fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	threads := cpuid.CPU.PhysicalCores
	if threads > 0 {
		if err := options.SetIntraOpNumThreads(threads); err != nil {
			m.Close()
			return fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(m.modelPath,
		[]string{metadata.InputName}, metadata.OutputNames(),
		[]ort.ArbitraryTensor{inputTensor}, outputs,
		options)
	if err != nil {
		m.Close()
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}
	m.session = session
	m.Metadata = metadata

	m.logger.Info("network loaded",
		"model", m.modelPath,
		"input", metadata.InputName,
		"input_shape", metadata.InputShape,
		"outputs", metadata.OutputNames(),
		"cpu", cpuid.CPU.BrandName,
		"avx2", cpuid.CPU.Supports(cpuid.AVX2),
		"threads", threads,
	)
	return nil
}

// SetInput copies one item into the input tensor.
func (m *LNR) SetInput(item dataset.Item) error {
	if m.session == nil {
		return fmt.Errorf("model is not set up")
	}
	if want := m.Metadata.InputSize(); len(item.Input) != want {
		return fmt.Errorf("item %s: expected %d values, got %d (input shape %v)",
			item.Path, want, len(item.Input), m.Metadata.InputShape)
	}
	copy(m.inputTensor.GetData(), item.Input)
	m.paths = []string{item.Path}
	return nil
}

// Test runs inference on the current input.
func (m *LNR) Test() error {
	if m.session == nil {
		return fmt.Errorf("model is not set up")
	}
	if err := m.session.Run(); err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	return nil
}

// ImagePaths returns the source paths of the current input.
func (m *LNR) ImagePaths() []string {
	return append([]string(nil), m.paths...)
}

// Results copies the outputs of the last run. The returned set does not share
// memory with the session.
func (m *LNR) Results() (*visuals.Set, error) {
	set := visuals.NewSet()
	for i, o := range m.Metadata.Outputs {
		src := m.outputTensors[i].GetData()
		data := make([]float32, len(src))
		copy(data, src)

		shape := make([]int, len(o.Shape))
		for j, d := range o.Shape {
			shape[j] = int(d)
		}
		t, err := visuals.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", o.Name, err)
		}
		set.Put(o.Name, t)
	}
	return set, nil
}

// Close releases the session, tensors and runtime environment.
func (m *LNR) Close() {
	if m.inputTensor != nil {
		m.inputTensor.Destroy()
		m.inputTensor = nil
	}
	for _, t := range m.outputTensors {
		t.Destroy()
	}
	m.outputTensors = nil
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	ort.DestroyEnvironment()
}
