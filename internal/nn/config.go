package nn

import (
	"fmt"

	"github.com/born-ml/encoder/internal/workspace"
)

// DefaultLayerNormEps is the normalization epsilon used when none is set.
const DefaultLayerNormEps = 1e-12

// LayerConfig is the immutable configuration a layer is built for.
//
// BatchSize and SeqLength are upper bounds: the arena is sized for them and
// calls may use any smaller batch or sequence. The zero value of every flag
// is the common case: a post-norm training layer with stored activations.
type LayerConfig struct {
	BatchSize        int
	SeqLength        int
	HiddenSize       int
	Heads            int
	IntermediateSize int

	// AttentionSize is the Q/K/V width of the self-attention block.
	// Zero means HiddenSize. Only the self-attention layer honors it.
	AttentionSize int

	AttnDropoutRatio   float32
	HiddenDropoutRatio float32

	PreLayerNorm          bool
	NormalizeInvertible   bool
	AttnDropoutCheckpoint bool
	GeluCheckpoint        bool

	// InferenceOnly sizes the arena for forward passes alone and rejects
	// backward calls.
	InferenceOnly bool

	// StochasticMode skips the device synchronization at the start of each
	// pass. Passes are still serialized by the arena lease.
	StochasticMode bool

	// LayerNormEps defaults to DefaultLayerNormEps when zero.
	LayerNormEps float32
}

// Eps returns the normalization epsilon.
func (c LayerConfig) Eps() float32 {
	if c.LayerNormEps > 0 {
		return c.LayerNormEps
	}
	return DefaultLayerNormEps
}

// AttnSize returns the attention width.
func (c LayerConfig) AttnSize() int {
	if c.AttentionSize > 0 {
		return c.AttentionSize
	}
	return c.HiddenSize
}

// HeadDim returns the per-head width of the attention block.
func (c LayerConfig) HeadDim() int {
	return c.AttnSize() / c.Heads
}

// Flags returns the workspace flags of the configuration.
func (c LayerConfig) Flags() workspace.Flags {
	return workspace.Flags{
		PreLayerNorm:          c.PreLayerNorm,
		NormalizeInvertible:   c.NormalizeInvertible,
		AttnDropoutCheckpoint: c.AttnDropoutCheckpoint,
		GeluCheckpoint:        c.GeluCheckpoint,
		Training:              !c.InferenceOnly,
	}
}

// Dims returns the workspace dims for a call with the given batch and
// sequence length.
func (c LayerConfig) Dims(batch, seq int) workspace.Dims {
	return workspace.Dims{
		Batch:        batch,
		Seq:          seq,
		Hidden:       c.HiddenSize,
		Heads:        c.Heads,
		Intermediate: c.IntermediateSize,
		Attention:    c.AttentionSize,
	}
}

// MaxDims returns the dims of the largest call the layer accepts.
func (c LayerConfig) MaxDims() workspace.Dims {
	return c.Dims(c.BatchSize, c.SeqLength)
}

// Validate checks the fields every layer kind needs.
func (c LayerConfig) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return &ConfigError{Field: "batch size", Reason: fmt.Sprintf("%d must be positive", c.BatchSize)}
	case c.SeqLength <= 0:
		return &ConfigError{Field: "sequence length", Reason: fmt.Sprintf("%d must be positive", c.SeqLength)}
	case c.SeqLength > workspace.MaxSeqLength:
		return &ConfigError{Field: "sequence length", Reason: fmt.Sprintf("%d exceeds the limit of %d", c.SeqLength, workspace.MaxSeqLength)}
	case c.HiddenSize <= 0:
		return &ConfigError{Field: "hidden size", Reason: fmt.Sprintf("%d must be positive", c.HiddenSize)}
	case c.AttentionSize < 0:
		return &ConfigError{Field: "attention size", Reason: fmt.Sprintf("%d must not be negative", c.AttentionSize)}
	case c.LayerNormEps < 0:
		return &ConfigError{Field: "layer norm eps", Reason: "must not be negative"}
	}
	if err := validRatio("attention dropout ratio", c.AttnDropoutRatio); err != nil {
		return err
	}
	return validRatio("hidden dropout ratio", c.HiddenDropoutRatio)
}

func (c LayerConfig) validateAttention() error {
	if c.Heads <= 0 {
		return &ConfigError{Field: "heads", Reason: fmt.Sprintf("%d must be positive", c.Heads)}
	}
	if c.AttnSize()%c.Heads != 0 {
		return &ConfigError{Field: "heads", Reason: fmt.Sprintf("attention size %d is not divisible by %d heads", c.AttnSize(), c.Heads)}
	}
	return nil
}

func (c LayerConfig) validateMLP() error {
	if c.IntermediateSize <= 0 {
		return &ConfigError{Field: "intermediate size", Reason: fmt.Sprintf("%d must be positive", c.IntermediateSize)}
	}
	return nil
}

func validRatio(field string, r float32) error {
	if r < 0 || r >= 1 {
		return &ConfigError{Field: field, Reason: fmt.Sprintf("%v must be in [0, 1)", r)}
	}
	return nil
}
