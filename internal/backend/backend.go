// Package backend loads pretrained transformer checkpoints for the embedder:
// the WordPiece tokenizer and an ONNX Runtime model, both resolved through
// the model hub.
package backend

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/raaihank/text2vec/internal/embeddings"
)

const (
	DefaultONNXFile = "onnx/model.onnx"
	ModelConfigFile = "config.json"
)

// ModelConfig keys understood by the loader.
const (
	KeyONNXFile       = "onnx_file"
	KeyIntraOpThreads = "intra_op_threads"
	KeyInterOpThreads = "inter_op_threads"
	KeyOutputName     = "output_name"
)

// ONNXOptions configures an ONNX Runtime model.
type ONNXOptions struct {
	ModelPath         string
	SharedLibraryPath string
	// OutputName selects the hidden-state output; empty selects the first.
	OutputName     string
	IntraOpThreads int
	InterOpThreads int
	// HiddenSize comes from config.json; 0 means unknown until first inference.
	HiddenSize int
}

// optionsFromConfig reads the loader keys from cfg. Numeric values may be
// ints, floats or strings since they usually come from YAML or env vars.
func optionsFromConfig(cfg embeddings.ModelConfig) (onnxFile string, opts ONNXOptions, err error) {
	onnxFile = DefaultONNXFile
	if v, ok := cfg[KeyONNXFile]; ok {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return "", opts, fmt.Errorf("%w: %s must be a non-empty string", embeddings.ErrInvalidInput, KeyONNXFile)
		}
		onnxFile = s
	}
	if v, ok := cfg[KeyOutputName]; ok {
		s, ok := v.(string)
		if !ok {
			return "", opts, fmt.Errorf("%w: %s must be a string", embeddings.ErrInvalidInput, KeyOutputName)
		}
		opts.OutputName = s
	}
	if opts.IntraOpThreads, err = intValue(cfg, KeyIntraOpThreads); err != nil {
		return "", opts, err
	}
	if opts.InterOpThreads, err = intValue(cfg, KeyInterOpThreads); err != nil {
		return "", opts, err
	}
	return onnxFile, opts, nil
}

func intValue(cfg embeddings.ModelConfig, key string) (int, error) {
	v, ok := cfg[key]
	if !ok {
		return 0, nil
	}
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case int64:
		n = int(t)
	case float64:
		n = int(t)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", embeddings.ErrInvalidInput, key, err)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("%w: %s has unsupported type %T", embeddings.ErrInvalidInput, key, v)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", embeddings.ErrInvalidInput, key)
	}
	return n, nil
}

type inputRole int

const (
	roleInputIDs inputRole = iota
	roleAttentionMask
	roleTokenTypeIDs
)

// inputRoles maps model input names to the tensors fed into them. Unknown
// names are assigned by position: ids, then mask, then token types.
func inputRoles(names []string) []inputRole {
	roles := make([]inputRole, len(names))
	used := map[inputRole]bool{}
	var unknown []int
	for i, raw := range names {
		name := strings.ToLower(raw)
		switch {
		case strings.Contains(name, "token_type") || strings.Contains(name, "segment"):
			roles[i] = roleTokenTypeIDs
		case strings.Contains(name, "mask") || strings.Contains(name, "attention"):
			roles[i] = roleAttentionMask
		case strings.Contains(name, "ids") || name == "input":
			roles[i] = roleInputIDs
		default:
			unknown = append(unknown, i)
			continue
		}
		used[roles[i]] = true
	}
	next := roleInputIDs
	for _, i := range unknown {
		for used[next] && next < roleTokenTypeIDs {
			next++
		}
		roles[i] = next
		used[next] = true
	}
	return roles
}

// flattenBatch lays a rectangular batch out row-major for tensor creation.
func flattenBatch(batch *embeddings.EncodedBatch) (ids, mask, types []int64, seqLen int, err error) {
	size := batch.Size()
	if size == 0 {
		return nil, nil, nil, 0, fmt.Errorf("%w: empty batch", embeddings.ErrInvalidInput)
	}
	seqLen = len(batch.InputIDs[0])
	if seqLen == 0 {
		return nil, nil, nil, 0, fmt.Errorf("%w: empty sequence", embeddings.ErrShapeMismatch)
	}
	if len(batch.AttentionMask) != size {
		return nil, nil, nil, 0, fmt.Errorf("%w: %d attention mask rows for %d inputs", embeddings.ErrShapeMismatch, len(batch.AttentionMask), size)
	}

	ids = make([]int64, 0, size*seqLen)
	mask = make([]int64, 0, size*seqLen)
	types = make([]int64, 0, size*seqLen)
	for i := 0; i < size; i++ {
		if len(batch.InputIDs[i]) != seqLen || len(batch.AttentionMask[i]) != seqLen {
			return nil, nil, nil, 0, fmt.Errorf("%w: ragged batch, row %d", embeddings.ErrShapeMismatch, i)
		}
		ids = append(ids, batch.InputIDs[i]...)
		mask = append(mask, batch.AttentionMask[i]...)
		if i < len(batch.TokenTypeIDs) && len(batch.TokenTypeIDs[i]) == seqLen {
			types = append(types, batch.TokenTypeIDs[i]...)
		} else {
			types = append(types, make([]int64, seqLen)...)
		}
	}
	return ids, mask, types, seqLen, nil
}
