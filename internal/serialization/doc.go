// Package serialization stores encoder layer weights in the .born archive
// format.
//
// Layout (all integers little-endian):
//
//	0x00  magic "BORN"
//	0x04  format version (uint32)
//	0x08  flags (uint32)
//	0x10  JSON header size (uint64)
//	0x18  tensor data size (uint64)
//	0x20  SHA-256 of the tensor data (32 bytes)
//	0x40  JSON header, zero padded to a multiple of 64 bytes
//	      tensor data, in header order
//
// Example:
//
//	w := nn.NewTransformerWeights[float32](cfg)
//	nn.InitTransformerWeights(w, initCfg)
//	err := serialization.SaveTransformerWeights("layer0.born", w, fileCfg, nil)
//	...
//	w, header, err := serialization.LoadTransformerWeights[float32]("layer0.born", cfg)
package serialization
