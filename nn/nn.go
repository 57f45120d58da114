// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides layers that run generated convolution kernels.
//
// # Overview
//
// This package contains:
//   - Layers: Convolution (N-dimensional, grouped, dilated), Tile
//   - Net: a chain of layers described in YAML
//   - Initialization: Xavier
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/convkernel/backend"
//	    "github.com/born-ml/convkernel/backend/sim"
//	    "github.com/born-ml/convkernel/nn"
//	)
//
//	func main() {
//	    bc := backend.NewContext(sim.New(sim.Options{}))
//	    defer bc.Close()
//
//	    p, err := nn.LoadNet("net.yaml")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    net, err := nn.NewNet(p, nn.WithContext(bc))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    // fill net.Input(), then
//	    err = net.Forward(ctx)
//	}
//
// Without WithContext layers run on the host reference path.
package nn

import (
	"io"
	"log/slog"
	"math/rand/v2"

	"github.com/born-ml/convkernel/backend"
	"github.com/born-ml/convkernel/internal/nn"
	"github.com/born-ml/convkernel/internal/serialization"
)

// Layer is the lifecycle shared by all layers.
type Layer = nn.Layer

// Option configures a layer or net.
type Option = nn.Option

// Parameters

// LayerParameter describes one layer.
type LayerParameter = nn.LayerParameter

// ConvolutionParameter configures a Convolution layer.
type ConvolutionParameter = nn.ConvolutionParameter

// TileParameter configures a Tile layer.
type TileParameter = nn.TileParameter

// NetParameter describes a chain of layers.
type NetParameter = nn.NetParameter

// Layer types.
const (
	TypeConvolution = nn.TypeConvolution
	TypeTile        = nn.TypeTile
)

// ParseNet decodes a YAML net description.
func ParseNet(r io.Reader) (*NetParameter, error) {
	return nn.ParseNet(r)
}

// LoadNet reads a YAML net description from a file.
func LoadNet(path string) (*NetParameter, error) {
	return nn.LoadNet(path)
}

// Layers

// Convolution is an N-dimensional grouped convolution layer.
type Convolution = nn.Convolution

// NewConvolution creates a convolution layer.
//
// Example:
//
//	conv, err := nn.NewConvolution(nn.LayerParameter{
//	    Name: "conv1",
//	    Type: nn.TypeConvolution,
//	    Convolution: &nn.ConvolutionParameter{NumOutput: 32, KernelSize: []int{3}, Pad: []int{1}},
//	}, nn.WithContext(bc))
func NewConvolution(p LayerParameter, opts ...Option) (*Convolution, error) {
	return nn.NewConvolution(p, opts...)
}

// Tile repeats a blob along one axis.
type Tile = nn.Tile

// NewTile creates a tile layer.
func NewTile(p LayerParameter, opts ...Option) (*Tile, error) {
	return nn.NewTile(p, opts...)
}

// New creates the layer described by p.
func New(p LayerParameter, opts ...Option) (Layer, error) {
	return nn.New(p, opts...)
}

// Net chains layers.
type Net = nn.Net

// NewNet builds and sets up a net.
func NewNet(p *NetParameter, opts ...Option) (*Net, error) {
	return nn.NewNet(p, opts...)
}

// WeightsDType is the element type of a saved weights file.
type WeightsDType = serialization.DType

// Weight file element types for Net.SaveWeights.
const (
	WeightsF32 = serialization.F32
	WeightsF16 = serialization.F16
)

// Options

// WithContext runs layers on the device of bc.
func WithContext(bc *backend.Context) Option {
	return nn.WithContext(bc)
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return nn.WithLogger(l)
}

// WithSeed seeds the weight filler.
func WithSeed(seed uint64) Option {
	return nn.WithSeed(seed)
}

// Initialization

// Xavier fills data uniformly in ±sqrt(6/(fanIn+fanOut)).
func Xavier(data []float32, fanIn, fanOut int, r *rand.Rand) {
	nn.Xavier(data, fanIn, fanOut, r)
}
