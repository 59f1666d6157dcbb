package cpu

import (
	"github.com/chewxy/math32"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/parallel"
	"github.com/born-ml/encoder/internal/tensor"
)

// LayerNorm computes out = (in - mean) * invstd * gamma + beta per row.
// Statistics are accumulated in float32 regardless of T.
func (cpu *CPUBackend[T]) LayerNorm(out, in, gamma, beta []T, stats backend.NormStats, rows, cols int, eps float32) {
	n := rows * cols
	checkLen("layernorm", "in", len(in), n)
	checkLen("layernorm", "out", len(out), n)
	checkLen("layernorm", "gamma", len(gamma), cols)
	checkLen("layernorm", "beta", len(beta), cols)
	checkLen("layernorm", "invstd", len(stats.InvStd), rows)
	if !stats.Invertible() {
		checkLen("layernorm", "mean", len(stats.Mean), rows)
	}

	x := tensor.Load(in[:n])
	g := tensor.Load(gamma[:cols])
	b := tensor.Load(beta[:cols])
	o, flush := tensor.Store(out[:n])

	parallel.ForRange(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			xr := x[r*cols : (r+1)*cols]
			var mean float32
			for _, v := range xr {
				mean += v
			}
			mean /= float32(cols)

			var variance float32
			for _, v := range xr {
				d := v - mean
				variance += d * d
			}
			variance /= float32(cols)
			invstd := 1 / math32.Sqrt(variance+eps)

			or := o[r*cols : (r+1)*cols]
			for c, v := range xr {
				or[c] = (v-mean)*invstd*g[c] + b[c]
			}
			stats.InvStd[r] = invstd
			if stats.Mean != nil {
				stats.Mean[r] = mean
			}
		}
	}, cpu.par)
	flush()
}

// LayerNormBackward computes the input, scale and shift gradients of
// LayerNorm. For the invertible variant x is the forward output and the
// normalized value is rebuilt as (y - beta) / gamma, which requires every
// gamma entry to be nonzero.
func (cpu *CPUBackend[T]) LayerNormBackward(dIn, dGamma, dBeta, dOut, x, gamma, beta, residual []T, stats backend.NormStats, rows, cols int) {
	n := rows * cols
	checkLen("layernorm backward", "dOut", len(dOut), n)
	checkLen("layernorm backward", "x", len(x), n)
	checkLen("layernorm backward", "dIn", len(dIn), n)
	checkLen("layernorm backward", "invstd", len(stats.InvStd), rows)

	dy := tensor.Load(dOut[:n])
	xv := tensor.Load(x[:n])
	g := tensor.Load(gamma[:cols])
	b := tensor.Load(beta[:cols])
	var res []float32
	if residual != nil {
		checkLen("layernorm backward", "residual", len(residual), n)
		res = tensor.Load(residual[:n])
	}

	// xhat is needed twice: per-row for dIn and per-column for dGamma.
	xhat := make([]float32, n)
	parallel.ForRange(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			xr := xv[r*cols : (r+1)*cols]
			hr := xhat[r*cols : (r+1)*cols]
			if stats.Invertible() {
				for c, v := range xr {
					hr[c] = (v - b[c]) / g[c]
				}
			} else {
				mean, invstd := stats.Mean[r], stats.InvStd[r]
				for c, v := range xr {
					hr[c] = (v - mean) * invstd
				}
			}
		}
	}, cpu.par)

	if dGamma != nil || dBeta != nil {
		dg := make([]float32, cols)
		db := make([]float32, cols)
		for r := 0; r < rows; r++ {
			dyr := dy[r*cols : (r+1)*cols]
			hr := xhat[r*cols : (r+1)*cols]
			for c := range dyr {
				dg[c] += dyr[c] * hr[c]
				db[c] += dyr[c]
			}
		}
		if dGamma != nil {
			checkLen("layernorm backward", "dGamma", len(dGamma), cols)
			tensor.Narrow(dGamma[:cols], dg)
		}
		if dBeta != nil {
			checkLen("layernorm backward", "dBeta", len(dBeta), cols)
			tensor.Narrow(dBeta[:cols], db)
		}
	}

	d, flush := tensor.Store(dIn[:n])
	parallel.ForRange(rows, func(lo, hi int) {
		gh := make([]float32, cols)
		for r := lo; r < hi; r++ {
			dyr := dy[r*cols : (r+1)*cols]
			hr := xhat[r*cols : (r+1)*cols]
			var meanG, meanGX float32
			for c := range dyr {
				gh[c] = dyr[c] * g[c]
				meanG += gh[c]
				meanGX += gh[c] * hr[c]
			}
			meanG /= float32(cols)
			meanGX /= float32(cols)

			invstd := stats.InvStd[r]
			dr := d[r*cols : (r+1)*cols]
			for c := range dr {
				dr[c] = invstd * (gh[c] - meanG - hr[c]*meanGX)
			}
			if res != nil {
				rr := res[r*cols : (r+1)*cols]
				for c := range dr {
					dr[c] += rr[c]
				}
			}
		}
	}, cpu.par)
	flush()
}
