// Package config loads encoder layer configurations from JSON or YAML files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/encoder/internal/envconfig"
	"github.com/born-ml/encoder/internal/nn"
	"github.com/born-ml/encoder/internal/tensor"
)

// TransformerConfig is the file form of an encoder layer configuration.
// Unset sizes stay at -1 and fail validation.
type TransformerConfig struct {
	BatchSize          int     `json:"batch_size" yaml:"batch_size"`
	MaxSeqLength       int     `json:"max_seq_length" yaml:"max_seq_length"`
	HiddenSize         int     `json:"hidden_size" yaml:"hidden_size"`
	SelfAttentionSize  int     `json:"selfattention_size" yaml:"selfattention_size"`
	IntermediateSize   int     `json:"intermediate_size" yaml:"intermediate_size"`
	Heads              int     `json:"heads" yaml:"heads"`
	AttnDropoutRatio   float32 `json:"attn_dropout_ratio" yaml:"attn_dropout_ratio"`
	HiddenDropoutRatio float32 `json:"hidden_dropout_ratio" yaml:"hidden_dropout_ratio"`
	NumHiddenLayers    int     `json:"num_hidden_layers" yaml:"num_hidden_layers"`
	InitializerRange   float64 `json:"initializer_range" yaml:"initializer_range"`
	LayerNormEps       float32 `json:"layer_norm_eps" yaml:"layer_norm_eps"`

	// Seed seeds the dropout masks. Negative defers to ENCODER_SEED.
	Seed int64 `json:"seed" yaml:"seed"`

	FP16                  bool `json:"fp16" yaml:"fp16"`
	PreLayerNorm          bool `json:"pre_layer_norm" yaml:"pre_layer_norm"`
	NormalizeInvertible   bool `json:"normalize_invertible" yaml:"normalize_invertible"`
	GeluCheckpoint        bool `json:"gelu_checkpoint" yaml:"gelu_checkpoint"`
	AttnDropoutCheckpoint bool `json:"attn_dropout_checkpoint" yaml:"attn_dropout_checkpoint"`
	AdjustInitRange       bool `json:"adjust_init_range" yaml:"adjust_init_range"`
	StochasticMode        bool `json:"stochastic_mode" yaml:"stochastic_mode"`
	Training              bool `json:"training" yaml:"training"`
}

// Default returns the configuration every file is decoded over.
func Default() TransformerConfig {
	return TransformerConfig{
		BatchSize:         -1,
		MaxSeqLength:      -1,
		HiddenSize:        -1,
		SelfAttentionSize: -1,
		IntermediateSize:  -1,
		Heads:             -1,
		NumHiddenLayers:   -1,
		InitializerRange:  -1,
		Seed:              -1,
		PreLayerNorm:      true,
		AdjustInitRange:   true,
		Training:          true,
	}
}

// Load reads path as JSON or YAML, chosen by its extension.
func Load(path string) (TransformerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TransformerConfig{}, fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return TransformerConfig{}, fmt.Errorf("read config %s: unsupported extension %q", path, ext)
	}
}

// ParseJSON decodes a JSON configuration.
func ParseJSON(data []byte) (TransformerConfig, error) {
	c := Default()
	if err := json.Unmarshal(data, &c); err != nil {
		return TransformerConfig{}, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// ParseYAML decodes a YAML configuration.
func ParseYAML(data []byte) (TransformerConfig, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return TransformerConfig{}, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// FromMap decodes a configuration from its key/value form.
func FromMap(m map[string]any) (TransformerConfig, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return TransformerConfig{}, fmt.Errorf("encode config map: %w", err)
	}
	return ParseJSON(data)
}

// LayerConfig converts c to the configuration layers are built from.
func (c TransformerConfig) LayerConfig() nn.LayerConfig {
	cfg := nn.LayerConfig{
		BatchSize:             c.BatchSize,
		SeqLength:             c.MaxSeqLength,
		HiddenSize:            c.HiddenSize,
		Heads:                 c.Heads,
		IntermediateSize:      c.IntermediateSize,
		AttnDropoutRatio:      c.AttnDropoutRatio,
		HiddenDropoutRatio:    c.HiddenDropoutRatio,
		PreLayerNorm:          c.PreLayerNorm,
		NormalizeInvertible:   c.NormalizeInvertible,
		AttnDropoutCheckpoint: c.AttnDropoutCheckpoint,
		GeluCheckpoint:        c.GeluCheckpoint,
		InferenceOnly:         !c.Training,
		StochasticMode:        c.StochasticMode || envconfig.Stochastic(),
		LayerNormEps:          c.LayerNormEps,
	}
	if c.SelfAttentionSize > 0 {
		cfg.AttentionSize = c.SelfAttentionSize
	}
	return cfg
}

// InitConfig returns the weight initialization settings of c.
func (c TransformerConfig) InitConfig() nn.InitConfig {
	ic := nn.InitConfig{
		NumLayers:       c.NumHiddenLayers,
		AdjustInitRange: c.AdjustInitRange,
		Seed:            c.GeneratorSeed(),
	}
	if c.InitializerRange > 0 {
		ic.InitializerRange = c.InitializerRange
	}
	return ic
}

// GeneratorSeed returns the dropout-mask seed.
func (c TransformerConfig) GeneratorSeed() uint64 {
	if c.Seed < 0 {
		return envconfig.Seed()
	}
	return uint64(c.Seed)
}

// DataType returns the element kind layers are created with.
func (c TransformerConfig) DataType() tensor.DataType {
	if c.FP16 {
		return tensor.Float16
	}
	return tensor.Float32
}

// Validate checks that layers can be built from c.
func (c TransformerConfig) Validate() error {
	if err := c.LayerConfig().Validate(); err != nil {
		return err
	}
	if c.AdjustInitRange && c.NumHiddenLayers <= 0 {
		return &nn.ConfigError{Field: "num_hidden_layers", Reason: "must be positive when adjust_init_range is set"}
	}
	return nil
}
