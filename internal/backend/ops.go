// Package backend defines the primitive operator contract the encoder layers
// are sequenced over. Implementations live in sub-packages (cpu).
//
// All buffers are flat row-major slices. Unless a method says otherwise the
// output must not alias any input.
package backend

import "github.com/born-ml/encoder/internal/tensor"

// GemmConfig describes C = Alpha * op(A) * op(B) for every entry of a
// strided batch. op(A) is M x K, op(B) is K x N and C is M x N.
type GemmConfig struct {
	Batch  int
	M      int
	N      int
	K      int
	Alpha  float32
	TransA bool
	TransB bool
}

// StrideA returns the element distance between consecutive A matrices.
func (c GemmConfig) StrideA() int { return c.M * c.K }

// StrideB returns the element distance between consecutive B matrices.
func (c GemmConfig) StrideB() int { return c.K * c.N }

// StrideC returns the element distance between consecutive C matrices.
func (c GemmConfig) StrideC() int { return c.M * c.N }

// DropoutConfig controls one dropout application.
type DropoutConfig struct {
	Ratio float32
	// Training disables dropout entirely when false.
	Training bool
	// Regenerate draws a fresh mask from the device generator. When false the
	// bound mask is reused, which is how backward and recomputation replay
	// the forward decision.
	Regenerate bool
}

// Active reports whether dropout changes its input at all.
func (c DropoutConfig) Active() bool {
	return c.Training && c.Ratio > 0
}

// Scale returns the keep-probability compensation 1/(1-ratio).
func (c DropoutConfig) Scale() float32 {
	return 1 / (1 - c.Ratio)
}

// NormStats holds the per-row statistics persisted by a normalization
// forward. Mean is nil for the invertible variant, whose backward rebuilds
// the normalized value from the output instead of the input.
type NormStats struct {
	Mean   []float32
	InvStd []float32
}

// Invertible reports whether the stats belong to the invertible variant.
func (s NormStats) Invertible() bool {
	return s.Mean == nil
}

// NewNormStats allocates statistics for rows normalized rows.
func NewNormStats(rows int, invertible bool) NormStats {
	stats := NormStats{InvStd: make([]float32, rows)}
	if !invertible {
		stats.Mean = make([]float32, rows)
	}
	return stats
}

// Ops is the set of primitives an encoder layer needs from a device.
type Ops[T tensor.Float] interface {
	// Name identifies the implementation in logs.
	Name() string

	// Device returns where buffers handed to this implementation must live.
	Device() tensor.Device

	// Synchronize blocks until all previously issued work has completed.
	Synchronize() error

	// Linear computes out[rows, outDim] = in[rows, inDim] * w^T with w stored
	// as [outDim, inDim]. Bias is applied by the fused primitive that follows.
	Linear(out, in, w []T, rows, outDim, inDim int)

	// LinearBackward computes dW = dOut^T * in, dB = column sums of dOut and
	// dIn = dOut * w. Any of dW, dB, dIn may be nil to skip it.
	LinearBackward(dW, dB, dIn, dOut, in, w []T, rows, outDim, inDim int)

	// StridedBatchGemm computes C = alpha * op(A) * op(B) over cfg.Batch entries.
	StridedBatchGemm(c, a, b []T, cfg GemmConfig)

	// StridedBatchGemmBackward computes dA and dB for StridedBatchGemm. Either
	// may be nil to skip it.
	StridedBatchGemmBackward(dA, dB, dC, a, b []T, cfg GemmConfig)

	// Softmax normalizes scores [batch, heads, queries, keys] over keys in
	// place after adding mask [batch, keys]. mask may be nil.
	Softmax(scores, mask []T, batch, heads, queries, keys int)

	// SoftmaxBackward turns grad into the gradient w.r.t. the scores, in place.
	SoftmaxBackward(grad, probs []T, rows, keys int)

	// Dropout writes in * mask * scale into out. out may alias in.
	Dropout(out, in []T, mask []uint8, cfg DropoutConfig)

	// DropoutBiasResidual writes dropout(in + bias) + residual into out.
	// bias may be nil. out may alias in.
	DropoutBiasResidual(out, in, bias, residual []T, mask []uint8, rows, cols int, cfg DropoutConfig)

	// DropoutBackward writes dOut * mask * scale into dIn. dIn may alias dOut.
	DropoutBackward(dIn, dOut []T, mask []uint8, cfg DropoutConfig)

	// LayerNorm normalizes rows of in into out and fills stats. stats.Mean
	// selects the mean-centered variant.
	LayerNorm(out, in, gamma, beta []T, stats NormStats, rows, cols int, eps float32)

	// LayerNormBackward computes dIn, dGamma and dBeta. x is the forward input
	// for the mean-centered variant and the forward output for the invertible
	// one. residual, when not nil, is added into dIn.
	LayerNormBackward(dIn, dGamma, dBeta, dOut, x, gamma, beta, residual []T, stats NormStats, rows, cols int)

	// GeluBias writes gelu(in + bias) into out. out may alias in.
	GeluBias(out, in, bias []T, rows, cols int)

	// GeluBiasBackward multiplies grad in place by gelu'(in + bias).
	GeluBiasBackward(grad, in, bias []T, rows, cols int)

	// ColumnSum writes the column sums of in [rows, cols] into out.
	ColumnSum(out, in []T, rows, cols int)

	// BiasAddTransform0213 adds bias [3*heads*headDim] to in
	// [batch, seq, 3, heads, headDim] and writes out [3, batch, heads, seq, headDim].
	BiasAddTransform0213(out, in, bias []T, batch, seq, heads, headDim int)

	// Transform0213 rearranges in [batch, seq, heads, headDim] into
	// out [batch, heads, seq, headDim].
	Transform0213(out, in []T, batch, seq, heads, headDim int)

	// Transform4D0213 rearranges in [count, batch, heads, seq, headDim] into
	// out [batch, seq, count, heads, headDim].
	Transform4D0213(out, in []T, batch, heads, seq, headDim, count int)

	// Add writes a + b into out. out may alias a or b.
	Add(out, a, b []T)
}
