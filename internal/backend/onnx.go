//go:build onnx
// +build onnx

package backend

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/raaihank/text2vec/internal/embeddings"
)

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment initializes the process-wide ONNX Runtime environment.
// The first caller's shared library path wins.
func initEnvironment(sharedLibraryPath string) error {
	envOnce.Do(func() {
		if sharedLibraryPath == "" {
			sharedLibraryPath = os.Getenv("ONNXRUNTIME_SHARED_LIB")
		}
		if sharedLibraryPath != "" {
			ort.SetSharedLibraryPath(sharedLibraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// ONNXModel runs a transformer graph with ONNX Runtime. Sessions are
// reentrant so Infer may be called concurrently.
type ONNXModel struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	roles      []inputRole
	outputName string
	hiddenSize int
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewONNXModel opens a session for opts.ModelPath.
func NewONNXModel(opts ONNXOptions, logger *zap.Logger) (*ONNXModel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := initEnvironment(opts.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("%w: onnx runtime init: %w", embeddings.ErrBackendUnavailable, err)
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect ONNX model IO: %w", err)
	}
	if len(inputsInfo) == 0 || len(outputsInfo) == 0 {
		return nil, fmt.Errorf("ONNX model %s declares no inputs or outputs", opts.ModelPath)
	}

	inputNames := make([]string, 0, len(inputsInfo))
	for _, info := range inputsInfo {
		inputNames = append(inputNames, info.Name)
	}
	sort.SliceStable(inputNames, func(i, j int) bool {
		return preferredRank(inputNames[i]) < preferredRank(inputNames[j])
	})

	outputName := outputsInfo[0].Name
	if opts.OutputName != "" {
		found := false
		for _, info := range outputsInfo {
			if info.Name == opts.OutputName {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: model has no output %q", embeddings.ErrInvalidInput, opts.OutputName)
		}
		outputName = opts.OutputName
	}

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessionOptions.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := sessionOptions.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}
	if opts.InterOpThreads > 0 {
		if err := sessionOptions.SetInterOpNumThreads(opts.InterOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set inter-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath, inputNames, []string{outputName}, sessionOptions)
	if err != nil {
		return nil, fmt.Errorf("ONNX Runtime session creation failed: %w", err)
	}

	logger.Info("ONNX Runtime model ready",
		zap.String("model", opts.ModelPath),
		zap.Strings("inputs", inputNames),
		zap.String("output", outputName),
		zap.Int("hidden_size", opts.HiddenSize))

	return &ONNXModel{
		session:    session,
		inputNames: inputNames,
		roles:      inputRoles(inputNames),
		outputName: outputName,
		hiddenSize: opts.HiddenSize,
		logger:     logger,
	}, nil
}

func preferredRank(name string) int {
	switch strings.ToLower(name) {
	case "input_ids":
		return 0
	case "attention_mask":
		return 1
	case "token_type_ids":
		return 2
	default:
		return 3
	}
}

// Infer runs one forward pass and returns the selected output as a dense tensor.
func (m *ONNXModel) Infer(ctx context.Context, batch *embeddings.EncodedBatch) ([]embeddings.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil, fmt.Errorf("onnx model is closed")
	}

	ids, mask, types, seqLen, err := flattenBatch(batch)
	if err != nil {
		return nil, err
	}
	shape := ort.NewShape(int64(batch.Size()), int64(seqLen))

	idsTensor, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, types)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	inputs := make([]ort.Value, len(m.roles))
	for i, role := range m.roles {
		switch role {
		case roleAttentionMask:
			inputs[i] = maskTensor
		case roleTokenTypeIDs:
			inputs[i] = typeTensor
		default:
			inputs[i] = idsTensor
		}
	}

	// nil output lets ORT allocate it
	outputs := []ort.Value{nil}
	if err := m.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("onnx returned no outputs")
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: output %s is not a float32 tensor", embeddings.ErrShapeMismatch, m.outputName)
	}

	outShape := out.GetShape()
	dims := make([]int, len(outShape))
	for i, d := range outShape {
		dims[i] = int(d)
	}
	// The ORT-owned buffer is freed with the tensor.
	data := make([]float32, len(out.GetData()))
	copy(data, out.GetData())

	hidden, err := embeddings.NewDenseTensor(dims, data)
	if err != nil {
		return nil, err
	}
	return []embeddings.Tensor{hidden}, nil
}

// HiddenSize returns the hidden dimension read from config.json, or 0.
func (m *ONNXModel) HiddenSize() int {
	return m.hiddenSize
}

// Close releases the session. The runtime environment stays initialized
// for other models in the process.
func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}
