package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/encoder/internal/nn"
	"github.com/born-ml/encoder/internal/tensor"
)

const bertJSON = `{
  "batch_size": 8,
  "max_seq_length": 128,
  "hidden_size": 768,
  "intermediate_size": 3072,
  "heads": 12,
  "attn_dropout_ratio": 0.1,
  "hidden_dropout_ratio": 0.1,
  "num_hidden_layers": 12,
  "initializer_range": 0.02,
  "seed": 42,
  "fp16": true,
  "pre_layer_norm": false,
  "gelu_checkpoint": true
}`

const bertYAML = `
batch_size: 8
max_seq_length: 128
hidden_size: 768
intermediate_size: 3072
heads: 12
attn_dropout_ratio: 0.1
hidden_dropout_ratio: 0.1
num_hidden_layers: 12
initializer_range: 0.02
seed: 42
fp16: true
pre_layer_norm: false
gelu_checkpoint: true
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{"bert.json": bertJSON, "bert.yaml": bertYAML}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			c, err := Load(path)
			require.NoError(t, err)
			require.NoError(t, c.Validate())

			want := nn.LayerConfig{
				BatchSize:          8,
				SeqLength:          128,
				HiddenSize:         768,
				Heads:              12,
				IntermediateSize:   3072,
				AttnDropoutRatio:   0.1,
				HiddenDropoutRatio: 0.1,
				GeluCheckpoint:     true,
			}
			assert.Equal(t, want, c.LayerConfig())
			assert.Equal(t, tensor.Float16, c.DataType())
			assert.Equal(t, nn.InitConfig{InitializerRange: 0.02, NumLayers: 12, AdjustInitRange: true, Seed: 42}, c.InitConfig())
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)

	txt := filepath.Join(dir, "bert.txt")
	require.NoError(t, os.WriteFile(txt, []byte(bertJSON), 0o600))
	_, err = Load(txt)
	assert.ErrorContains(t, err, "unsupported extension")

	_, err = ParseJSON([]byte(`{"heads": "twelve"}`))
	assert.Error(t, err)
}

func TestFromMap(t *testing.T) {
	c, err := FromMap(map[string]any{
		"batch_size":           2,
		"max_seq_length":       16,
		"hidden_size":          64,
		"selfattention_size":   32,
		"intermediate_size":    256,
		"heads":                4,
		"training":             false,
		"normalize_invertible": true,
		"adjust_init_range":    false,
	})
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	cfg := c.LayerConfig()
	assert.True(t, cfg.PreLayerNorm, "pre_layer_norm defaults to true")
	assert.True(t, cfg.InferenceOnly)
	assert.True(t, cfg.NormalizeInvertible)
	assert.Equal(t, 32, cfg.AttentionSize)
	assert.Equal(t, tensor.Float32, c.DataType())
}

func TestValidate(t *testing.T) {
	c := Default()
	err := c.Validate()
	require.ErrorIs(t, err, nn.ErrInvalidConfig)

	c, err = ParseJSON([]byte(bertJSON))
	require.NoError(t, err)
	c.NumHiddenLayers = -1
	err = c.Validate()
	var ce *nn.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "num_hidden_layers", ce.Field)

	c.Heads = 7
	assert.ErrorIs(t, c.Validate(), nn.ErrInvalidConfig)
}

func TestGeneratorSeed(t *testing.T) {
	t.Setenv("ENCODER_SEED", "99")
	c := Default()
	assert.Equal(t, uint64(99), c.GeneratorSeed())
	c.Seed = 3
	assert.Equal(t, uint64(3), c.GeneratorSeed())
}
