package cpu

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gorgonia.org/vecf32"

	"github.com/born-ml/encoder/internal/tensor"
)

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

func trans(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// Linear computes out = in * w^T.
func (cpu *CPUBackend[T]) Linear(out, in, w []T, rows, outDim, inDim int) {
	checkLen("linear", "in", len(in), rows*inDim)
	checkLen("linear", "w", len(w), outDim*inDim)
	checkLen("linear", "out", len(out), rows*outDim)

	o, flush := tensor.Store(out[:rows*outDim])
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		general(tensor.Load(in[:rows*inDim]), rows, inDim),
		general(tensor.Load(w[:outDim*inDim]), outDim, inDim),
		0, general(o, rows, outDim))
	flush()
}

// LinearBackward computes the weight, bias and input gradients of Linear.
func (cpu *CPUBackend[T]) LinearBackward(dW, dB, dIn, dOut, in, w []T, rows, outDim, inDim int) {
	checkLen("linear backward", "dOut", len(dOut), rows*outDim)
	g := general(tensor.Load(dOut[:rows*outDim]), rows, outDim)

	if dIn != nil {
		checkLen("linear backward", "dIn", len(dIn), rows*inDim)
		d, flush := tensor.Store(dIn[:rows*inDim])
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			g, general(tensor.Load(w[:outDim*inDim]), outDim, inDim),
			0, general(d, rows, inDim))
		flush()
	}
	if dW != nil {
		checkLen("linear backward", "dW", len(dW), outDim*inDim)
		d, flush := tensor.Store(dW[:outDim*inDim])
		blas32.Gemm(blas.Trans, blas.NoTrans, 1,
			g, general(tensor.Load(in[:rows*inDim]), rows, inDim),
			0, general(d, outDim, inDim))
		flush()
	}
	if dB != nil {
		checkLen("linear backward", "dB", len(dB), outDim)
		columnSum(dB[:outDim], g.Data, rows, outDim)
	}
}

// ColumnSum writes the column sums of in into out.
func (cpu *CPUBackend[T]) ColumnSum(out, in []T, rows, cols int) {
	checkLen("column sum", "in", len(in), rows*cols)
	columnSum(out[:cols], tensor.Load(in[:rows*cols]), rows, cols)
}

func columnSum[T tensor.Float](out []T, in []float32, rows, cols int) {
	acc := make([]float32, cols)
	for r := 0; r < rows; r++ {
		vecf32.Add(acc, in[r*cols:(r+1)*cols])
	}
	tensor.Narrow(out, acc)
}

// Add writes a + b into out.
func (cpu *CPUBackend[T]) Add(out, a, b []T) {
	n := len(out)
	checkLen("add", "a", len(a), n)
	checkLen("add", "b", len(b), n)

	if n > 0 && &out[0] == &b[0] {
		a, b = b, a
	}
	o, flush := tensor.Store(out)
	copy(o, tensor.Load(a[:n]))
	vecf32.Add(o, tensor.Load(b[:n]))
	flush()
}
