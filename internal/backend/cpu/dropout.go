package cpu

import (
	"gorgonia.org/vecf32"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/parallel"
	"github.com/born-ml/encoder/internal/tensor"
)

func (cpu *CPUBackend[T]) prepareMask(op string, mask []uint8, n int, cfg backend.DropoutConfig) {
	if !cfg.Active() {
		return
	}
	checkLen(op, "mask", len(mask), n)
	if cfg.Regenerate {
		cpu.gen.FillMask(mask[:n], cfg.Ratio)
	}
}

// applyMask scales x by mask*scale in place over [lo, hi).
func applyMask(x []float32, mask []uint8, scale float32, lo, hi int) {
	for i := lo; i < hi; i++ {
		if mask[i] == 0 {
			x[i] = 0
		} else {
			x[i] *= scale
		}
	}
}

// Dropout writes in * mask / (1 - ratio) into out, or copies in when dropout
// is inactive.
func (cpu *CPUBackend[T]) Dropout(out, in []T, mask []uint8, cfg backend.DropoutConfig) {
	n := len(out)
	checkLen("dropout", "in", len(in), n)
	cpu.prepareMask("dropout", mask, n, cfg)

	o, flush := tensor.Store(out)
	copy(o, tensor.Load(in[:n]))
	if cfg.Active() {
		scale := cfg.Scale()
		parallel.ForRange(n, func(lo, hi int) {
			applyMask(o, mask, scale, lo, hi)
		}, cpu.par)
	}
	flush()
}

// DropoutBiasResidual writes dropout(in + bias) + residual into out.
func (cpu *CPUBackend[T]) DropoutBiasResidual(out, in, bias, residual []T, mask []uint8, rows, cols int, cfg backend.DropoutConfig) {
	n := rows * cols
	checkLen("dropout bias residual", "in", len(in), n)
	checkLen("dropout bias residual", "residual", len(residual), n)
	checkLen("dropout bias residual", "out", len(out), n)
	cpu.prepareMask("dropout bias residual", mask, n, cfg)

	var b []float32
	if bias != nil {
		checkLen("dropout bias residual", "bias", len(bias), cols)
		b = tensor.Load(bias[:cols])
	}
	res := tensor.Load(residual[:n])
	x := tensor.Load(in[:n])
	o, flush := tensor.Store(out[:n])
	if &o[0] != &x[0] {
		copy(o, x)
	}
	scale := cfg.Scale()

	parallel.ForRange(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			row := o[r*cols : (r+1)*cols]
			if b != nil {
				vecf32.Add(row, b)
			}
			if cfg.Active() {
				applyMask(o, mask, scale, r*cols, (r+1)*cols)
			}
			vecf32.Add(row, res[r*cols:(r+1)*cols])
		}
	}, cpu.par)
	flush()
}

// DropoutBackward writes dOut * mask / (1 - ratio) into dIn.
func (cpu *CPUBackend[T]) DropoutBackward(dIn, dOut []T, mask []uint8, cfg backend.DropoutConfig) {
	n := len(dIn)
	checkLen("dropout backward", "dOut", len(dOut), n)
	replay := cfg
	replay.Regenerate = false
	cpu.prepareMask("dropout backward", mask, n, replay)

	d, flush := tensor.Store(dIn)
	g := tensor.Load(dOut[:n])
	if &d[0] != &g[0] {
		copy(d, g)
	}
	if cfg.Active() {
		scale := cfg.Scale()
		parallel.ForRange(n, func(lo, hi int) {
			applyMask(d, mask, scale, lo, hi)
		}, cpu.par)
	}
	flush()
}
