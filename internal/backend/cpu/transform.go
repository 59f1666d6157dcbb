package cpu

import (
	"github.com/born-ml/encoder/internal/parallel"
	"github.com/born-ml/encoder/internal/tensor"
)

// BiasAddTransform0213 splits the packed QKV projection per head:
// [batch, seq, 3, heads, headDim] + bias -> [3, batch, heads, seq, headDim].
func (cpu *CPUBackend[T]) BiasAddTransform0213(out, in, bias []T, batch, seq, heads, headDim int) {
	hidden := heads * headDim
	n := batch * seq * 3 * hidden
	checkLen("bias add transform", "in", len(in), n)
	checkLen("bias add transform", "out", len(out), n)
	checkLen("bias add transform", "bias", len(bias), 3*hidden)

	x := tensor.Load(in[:n])
	b := tensor.Load(bias[:3*hidden])
	o, flush := tensor.Store(out[:n])
	part := batch * hidden * seq

	parallel.ForRange(batch*seq, func(lo, hi int) {
		for bs := lo; bs < hi; bs++ {
			bi, s := bs/seq, bs%seq
			for p := 0; p < 3; p++ {
				src := x[(bs*3+p)*hidden:]
				bb := b[p*hidden:]
				for h := 0; h < heads; h++ {
					dst := o[p*part+((bi*heads+h)*seq+s)*headDim:]
					for d := 0; d < headDim; d++ {
						dst[d] = src[h*headDim+d] + bb[h*headDim+d]
					}
				}
			}
		}
	}, cpu.par)
	flush()
}

// Transform0213 rearranges [batch, seq, heads, headDim] into
// [batch, heads, seq, headDim].
func (cpu *CPUBackend[T]) Transform0213(out, in []T, batch, seq, heads, headDim int) {
	n := batch * seq * heads * headDim
	checkLen("transform 0213", "in", len(in), n)
	checkLen("transform 0213", "out", len(out), n)

	parallel.ForRange(batch*seq, func(lo, hi int) {
		for bs := lo; bs < hi; bs++ {
			bi, s := bs/seq, bs%seq
			for h := 0; h < heads; h++ {
				src := in[((bs*heads)+h)*headDim:]
				dst := out[((bi*heads+h)*seq+s)*headDim:]
				copy(dst[:headDim], src[:headDim])
			}
		}
	}, cpu.par)
}

// Transform4D0213 rearranges [count, batch, heads, seq, headDim] into
// [batch, seq, count, heads, headDim].
func (cpu *CPUBackend[T]) Transform4D0213(out, in []T, batch, heads, seq, headDim, count int) {
	hidden := heads * headDim
	n := count * batch * seq * hidden
	checkLen("transform 4d 0213", "in", len(in), n)
	checkLen("transform 4d 0213", "out", len(out), n)
	part := batch * hidden * seq

	parallel.ForRange(batch*seq, func(lo, hi int) {
		for bs := lo; bs < hi; bs++ {
			bi, s := bs/seq, bs%seq
			for p := 0; p < count; p++ {
				for h := 0; h < heads; h++ {
					src := in[p*part+((bi*heads+h)*seq+s)*headDim:]
					dst := out[((bs*count+p)*heads+h)*headDim:]
					copy(dst[:headDim], src[:headDim])
				}
			}
		}
	}, cpu.par)
}
