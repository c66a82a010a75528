package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/cxr-api/internal/conditions"
	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

// ONNXMetadata is the optional sidecar exported next to an ONNX model.
type ONNXMetadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
}

func defaultONNXMetadata() ONNXMetadata {
	return ONNXMetadata{
		InputShape:  []int64{1, 1, 224, 224},
		OutputShape: []int64{1, conditions.Count},
	}
}

// MetadataPath is where the sidecar for modelPath is looked up.
func MetadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, ".onnx") + "_metadata.json"
}

// ReadONNXMetadata loads the sidecar, falling back to the default shapes
// when it does not exist. Class lists must match the condition order.
func ReadONNXMetadata(path string) (ONNXMetadata, error) {
	meta := defaultONNXMetadata()
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if len(meta.Classes) > 0 && !slices.Equal(meta.Classes, conditions.Names[:]) {
		return meta, fmt.Errorf("metadata classes %v do not match the condition order", meta.Classes)
	}
	if n := shapeNumel(meta.OutputShape); n != conditions.Count {
		return meta, fmt.Errorf("output shape %v holds %d values, want %d", meta.OutputShape, n, conditions.Count)
	}
	return meta, nil
}

var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		ort.DestroyEnvironment()
	}
}

// ONNX runs an exported classifier through onnxruntime. The session is
// bound to one input and one output tensor, so Forward calls are serialized.
type ONNX struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	meta         ONNXMetadata
	device       tensor.Device
}

type ONNXOptions struct {
	// LibraryPath points at the onnxruntime shared library; empty uses the
	// loader's default search.
	LibraryPath string
	Device      tensor.Device
}

func NewONNX(modelPath string, opts ONNXOptions) (*ONNX, error) {
	meta, err := ReadONNXMetadata(MetadataPath(modelPath))
	if err != nil {
		return nil, err
	}

	if err := acquireEnvironment(opts.LibraryPath); err != nil {
		return nil, err
	}
	s, err := newONNXSession(modelPath, meta, opts.Device)
	if err != nil {
		releaseEnvironment()
		return nil, err
	}
	return s, nil
}

func newONNXSession(modelPath string, meta ONNXMetadata, device tensor.Device) (*ONNX, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	sessionOpts, err := sessionOptions(device)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}
	if sessionOpts != nil {
		defer sessionOpts.Destroy()
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		sessionOpts)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	if device == "" {
		device = tensor.CPU
	}
	return &ONNX{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		meta:         meta,
		device:       device,
	}, nil
}

// sessionOptions enables the CUDA provider for cuda and cuda:N devices.
func sessionOptions(device tensor.Device) (*ort.SessionOptions, error) {
	if !device.IsCUDA() {
		return nil, nil
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to create CUDA options: %w", err)
	}
	defer cuda.Destroy()

	deviceID := "0"
	if _, id, ok := strings.Cut(string(device), ":"); ok && id != "" {
		deviceID = id
	}
	if err := cuda.Update(map[string]string{"device_id": deviceID}); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to configure CUDA device %s: %w", deviceID, err)
	}
	if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to enable CUDA provider: %w", err)
	}
	return opts, nil
}

func (s *ONNX) Name() string { return "onnx" }

func (s *ONNX) Device() tensor.Device { return s.device }

func (s *ONNX) InputShape() []int { return toInts(s.meta.InputShape) }

func (s *ONNX) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	in := s.inputTensor.GetData()
	if len(x.Data) != len(in) {
		return nil, fmt.Errorf("input holds %d values, session expects %d", len(x.Data), len(in))
	}
	copy(in, x.Data)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := tensor.Zeros(toInts(s.meta.OutputShape)...)
	out.Device = s.device
	copy(out.Data, s.outputTensor.GetData())
	return out, nil
}

func (s *ONNX) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	var errs []error
	if err := s.inputTensor.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := s.outputTensor.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := s.session.Destroy(); err != nil {
		errs = append(errs, err)
	}
	s.session = nil
	releaseEnvironment()
	return errors.Join(errs...)
}

func toInts(shape []int64) []int {
	out := make([]int, len(shape))
	for i, d := range shape {
		out[i] = int(d)
	}
	return out
}

func shapeNumel(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}
