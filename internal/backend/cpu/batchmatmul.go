package cpu

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/parallel"
	"github.com/born-ml/encoder/internal/tensor"
)

// storedA returns the row/column count of A as laid out in memory.
func storedA(cfg backend.GemmConfig) (int, int) {
	if cfg.TransA {
		return cfg.K, cfg.M
	}
	return cfg.M, cfg.K
}

// storedB returns the row/column count of B as laid out in memory.
func storedB(cfg backend.GemmConfig) (int, int) {
	if cfg.TransB {
		return cfg.N, cfg.K
	}
	return cfg.K, cfg.N
}

func batchEntry(data []float32, i, rows, cols int) blas32.General {
	n := rows * cols
	return general(data[i*n:(i+1)*n], rows, cols)
}

// StridedBatchGemm computes C[i] = alpha * op(A[i]) * op(B[i]) for every batch entry.
func (cpu *CPUBackend[T]) StridedBatchGemm(c, a, b []T, cfg backend.GemmConfig) {
	checkLen("batch gemm", "a", len(a), cfg.Batch*cfg.StrideA())
	checkLen("batch gemm", "b", len(b), cfg.Batch*cfg.StrideB())
	checkLen("batch gemm", "c", len(c), cfg.Batch*cfg.StrideC())

	af := tensor.Load(a[:cfg.Batch*cfg.StrideA()])
	bf := tensor.Load(b[:cfg.Batch*cfg.StrideB()])
	cf, flush := tensor.Store(c[:cfg.Batch*cfg.StrideC()])
	ar, ac := storedA(cfg)
	br, bc := storedB(cfg)

	parallel.For(cfg.Batch, func(i int) {
		blas32.Gemm(trans(cfg.TransA), trans(cfg.TransB), cfg.Alpha,
			batchEntry(af, i, ar, ac), batchEntry(bf, i, br, bc),
			0, batchEntry(cf, i, cfg.M, cfg.N))
	}, cpu.par)
	flush()
}

// StridedBatchGemmBackward computes the gradients of StridedBatchGemm w.r.t.
// A and B from the upstream gradient dC.
func (cpu *CPUBackend[T]) StridedBatchGemmBackward(dA, dB, dC, a, b []T, cfg backend.GemmConfig) {
	checkLen("batch gemm backward", "dC", len(dC), cfg.Batch*cfg.StrideC())

	af := tensor.Load(a[:cfg.Batch*cfg.StrideA()])
	bf := tensor.Load(b[:cfg.Batch*cfg.StrideB()])
	gf := tensor.Load(dC[:cfg.Batch*cfg.StrideC()])
	ar, ac := storedA(cfg)
	br, bc := storedB(cfg)

	if dA != nil {
		checkLen("batch gemm backward", "dA", len(dA), cfg.Batch*cfg.StrideA())
		out, flush := tensor.Store(dA[:cfg.Batch*cfg.StrideA()])
		parallel.For(cfg.Batch, func(i int) {
			g := batchEntry(gf, i, cfg.M, cfg.N)
			bm := batchEntry(bf, i, br, bc)
			d := batchEntry(out, i, ar, ac)
			if cfg.TransA {
				// dA^T = op(B) * dC^T
				blas32.Gemm(trans(cfg.TransB), blas.Trans, cfg.Alpha, bm, g, 0, d)
			} else {
				// dA = dC * op(B)^T
				blas32.Gemm(blas.NoTrans, trans(!cfg.TransB), cfg.Alpha, g, bm, 0, d)
			}
		}, cpu.par)
		flush()
	}

	if dB != nil {
		checkLen("batch gemm backward", "dB", len(dB), cfg.Batch*cfg.StrideB())
		out, flush := tensor.Store(dB[:cfg.Batch*cfg.StrideB()])
		parallel.For(cfg.Batch, func(i int) {
			g := batchEntry(gf, i, cfg.M, cfg.N)
			am := batchEntry(af, i, ar, ac)
			d := batchEntry(out, i, br, bc)
			if cfg.TransB {
				// dB^T = dC^T * op(A)
				blas32.Gemm(blas.Trans, trans(cfg.TransA), cfg.Alpha, g, am, 0, d)
			} else {
				// dB = op(A)^T * dC
				blas32.Gemm(trans(!cfg.TransA), blas.NoTrans, cfg.Alpha, am, g, 0, d)
			}
		}, cpu.par)
		flush()
	}
}
