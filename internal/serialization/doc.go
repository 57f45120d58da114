// Package serialization stores layer parameters in the SafeTensors format.
//
//	Format Structure:
//	  [8 bytes: Header Size (uint64 LE)]
//	  [Header: JSON, padded with spaces to 8 bytes]
//	  [Tensor data: raw little-endian bytes]
//
// The header maps each tensor name to its dtype, shape and byte range in
// the data section, plus an optional "__metadata__" string map. Writers
// record a SHA-256 of the data section under the "sha256" metadata key and
// readers verify it when present.
//
// Supported dtypes are F32 and F16. Tensors are float32 in memory; F16
// files round on write and widen on read.
//
// Example usage:
//
//	err := serialization.WriteFile("conv.safetensors", tensors, serialization.WriterOptions{})
//	f, err := serialization.ReadFile("conv.safetensors", serialization.ReaderOptions{})
//	w := f.Tensors["conv1.0"]
package serialization
