package cpu

import (
	"github.com/chewxy/math32"

	"github.com/born-ml/encoder/internal/parallel"
	"github.com/born-ml/encoder/internal/tensor"
)

// Softmax normalizes every row of scores after adding the additive mask of
// its batch entry. A row whose entries are all -Inf becomes all zeros.
func (cpu *CPUBackend[T]) Softmax(scores, mask []T, batch, heads, queries, keys int) {
	rows := batch * heads * queries
	checkLen("softmax", "scores", len(scores), rows*keys)

	var m []float32
	if mask != nil {
		checkLen("softmax", "mask", len(mask), batch*keys)
		m = tensor.Load(mask[:batch*keys])
	}
	s, flush := tensor.Update(scores[:rows*keys])
	perBatch := heads * queries

	parallel.ForRange(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			row := s[r*keys : (r+1)*keys]
			if m != nil {
				b := r / perBatch
				mrow := m[b*keys : (b+1)*keys]
				for k := range row {
					row[k] += mrow[k]
				}
			}
			softmaxRow(row)
		}
	}, cpu.par)
	flush()
}

func softmaxRow(row []float32) {
	maxVal := math32.Inf(-1)
	for _, v := range row {
		if v > maxVal {
			maxVal = v
		}
	}
	if math32.IsInf(maxVal, -1) {
		for k := range row {
			row[k] = 0
		}
		return
	}
	var sum float32
	for k, v := range row {
		if math32.IsInf(v, -1) {
			row[k] = 0
			continue
		}
		e := math32.Exp(v - maxVal)
		row[k] = e
		sum += e
	}
	inv := 1 / sum
	for k := range row {
		row[k] *= inv
	}
}

// SoftmaxBackward computes grad = probs * (grad - sum(grad * probs)) per row.
func (cpu *CPUBackend[T]) SoftmaxBackward(grad, probs []T, rows, keys int) {
	checkLen("softmax backward", "grad", len(grad), rows*keys)
	checkLen("softmax backward", "probs", len(probs), rows*keys)

	p := tensor.Load(probs[:rows*keys])
	g, flush := tensor.Update(grad[:rows*keys])

	parallel.ForRange(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			gr := g[r*keys : (r+1)*keys]
			pr := p[r*keys : (r+1)*keys]
			var dot float32
			for k := range gr {
				dot += gr[k] * pr[k]
			}
			for k := range gr {
				gr[k] = pr[k] * (gr[k] - dot)
			}
		}
	}, cpu.par)
	flush()
}
