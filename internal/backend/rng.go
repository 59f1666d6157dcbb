package backend

import (
	"math/rand/v2"
	"sync"
)

// RandState is a snapshot of a Generator.
type RandState struct {
	Seed   uint64
	Offset uint64
}

// Generator is the device dropout-mask generator. Masks are drawn from a
// counter-based stream: the same (seed, offset) always yields the same mask,
// so restoring a state replays a forward exactly.
type Generator struct {
	mu     sync.Mutex
	seed   uint64
	offset uint64
}

// NewGenerator creates a generator at offset zero.
func NewGenerator(seed uint64) *Generator {
	return &Generator{seed: seed}
}

// SetSeed reseeds the generator and rewinds it.
func (g *Generator) SetSeed(seed uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seed = seed
	g.offset = 0
}

// State returns the current position of the stream.
func (g *Generator) State() RandState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return RandState{Seed: g.seed, Offset: g.offset}
}

// Restore moves the stream back (or forward) to s.
func (g *Generator) Restore(s RandState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seed = s.Seed
	g.offset = s.Offset
}

// FillMask sets mask[i] to 1 with probability 1-ratio and to 0 otherwise,
// then advances the stream by len(mask).
func (g *Generator) FillMask(mask []uint8, ratio float32) {
	g.mu.Lock()
	seed, offset := g.seed, g.offset
	g.offset += uint64(len(mask))
	g.mu.Unlock()

	//nolint:gosec // Dropout masks are not security sensitive.
	r := rand.New(rand.NewPCG(seed, offset))
	for i := range mask {
		if r.Float32() >= ratio {
			mask[i] = 1
		} else {
			mask[i] = 0
		}
	}
}
