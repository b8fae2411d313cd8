package embeddings

import (
	"fmt"
)

// pool reduces hidden states shaped [batch, seq, hidden] to one vector per
// batch row.
func pool(hidden Tensor, batch *EncodedBatch, pooling Pooling) ([]Vector, error) {
	shape := hidden.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("%w: hidden states need rank 3, got shape %v", ErrShapeMismatch, shape)
	}
	if shape[0] != batch.Size() {
		return nil, fmt.Errorf("%w: %d hidden state rows for %d inputs", ErrShapeMismatch, shape[0], batch.Size())
	}

	switch pooling {
	case PoolingMaskedMean:
		return maskedMeanPool(hidden, batch.AttentionMask)
	case PoolingMean, "":
		pooled, err := hidden.ReduceMean(1)
		if err != nil {
			return nil, err
		}
		return pooled.Rows()
	default:
		return nil, fmt.Errorf("%w: unknown pooling %q", ErrInvalidInput, pooling)
	}
}

// maskedMeanPool averages only the positions whose attention mask is 1.
// Positions past the end of a mask row count as padding. A row without any
// real token pools to the zero vector.
func maskedMeanPool(hidden Tensor, mask [][]int64) ([]Vector, error) {
	shape := hidden.Shape()
	batchSize, seqLen, dim := shape[0], shape[1], shape[2]
	if len(mask) != batchSize {
		return nil, fmt.Errorf("%w: %d attention mask rows for batch of %d", ErrShapeMismatch, len(mask), batchSize)
	}
	data := hidden.Data()

	out := make([]Vector, batchSize)
	for b := 0; b < batchSize; b++ {
		pooled := make([]float32, dim)
		out[b] = pooled

		var count float32
		for s := 0; s < seqLen && s < len(mask[b]); s++ {
			if mask[b][s] != 1 {
				continue
			}
			count++
			offset := (b*seqLen + s) * dim
			for d := 0; d < dim; d++ {
				pooled[d] += data[offset+d]
			}
		}
		if count == 0 {
			continue
		}

		inv := 1.0 / count
		for d := range pooled {
			pooled[d] *= inv
		}
	}
	return out, nil
}
