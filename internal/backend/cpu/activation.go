package cpu

import (
	"github.com/chewxy/math32"

	"github.com/born-ml/encoder/internal/parallel"
	"github.com/born-ml/encoder/internal/tensor"
)

const (
	geluSqrt2OverPi = 0.7978845608028654
	geluCoeff       = 0.044715
)

// Gelu is the tanh approximation of GELU.
func Gelu(x float32) float32 {
	t := math32.Tanh(geluSqrt2OverPi * (x + geluCoeff*x*x*x))
	return 0.5 * x * (1 + t)
}

// GeluGrad is the derivative of Gelu.
func GeluGrad(x float32) float32 {
	x2 := x * x
	t := math32.Tanh(geluSqrt2OverPi * (x + geluCoeff*x2*x))
	dt := geluSqrt2OverPi * (1 + 3*geluCoeff*x2) * (1 - t*t)
	return 0.5*(1+t) + 0.5*x*dt
}

// GeluBias writes gelu(in + bias) into out.
func (cpu *CPUBackend[T]) GeluBias(out, in, bias []T, rows, cols int) {
	n := rows * cols
	checkLen("gelu", "in", len(in), n)
	checkLen("gelu", "out", len(out), n)
	checkLen("gelu", "bias", len(bias), cols)

	x := tensor.Load(in[:n])
	b := tensor.Load(bias[:cols])
	o, flush := tensor.Store(out[:n])

	parallel.ForRange(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			for c := 0; c < cols; c++ {
				o[r*cols+c] = Gelu(x[r*cols+c] + b[c])
			}
		}
	}, cpu.par)
	flush()
}

// GeluBiasBackward multiplies grad by gelu'(in + bias) in place.
func (cpu *CPUBackend[T]) GeluBiasBackward(grad, in, bias []T, rows, cols int) {
	n := rows * cols
	checkLen("gelu backward", "in", len(in), n)
	checkLen("gelu backward", "grad", len(grad), n)
	checkLen("gelu backward", "bias", len(bias), cols)

	x := tensor.Load(in[:n])
	b := tensor.Load(bias[:cols])
	g, flush := tensor.Update(grad[:n])

	parallel.ForRange(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			for c := 0; c < cols; c++ {
				g[r*cols+c] *= GeluGrad(x[r*cols+c] + b[c])
			}
		}
	}, cpu.par)
	flush()
}
