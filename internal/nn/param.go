package nn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/convkernel/internal/kernel/tiling"
)

// Layer types.
const (
	TypeConvolution = "Convolution"
	TypeTile        = "Tile"
)

// LayerParameter describes one layer. Exactly the section matching Type is
// read.
type LayerParameter struct {
	Name        string                `yaml:"name"`
	Type        string                `yaml:"type"`
	Convolution *ConvolutionParameter `yaml:"convolution,omitempty"`
	Tile        *TileParameter        `yaml:"tile,omitempty"`
}

// ConvolutionParameter configures a Convolution layer.
//
// KernelSize, Stride, Pad and Dilation take either one value for every
// spatial axis or one value per axis. Stride and Dilation default to 1, Pad
// to 0.
type ConvolutionParameter struct {
	NumOutput  int   `yaml:"num_output"`
	KernelSize []int `yaml:"kernel_size,flow"`
	Stride     []int `yaml:"stride,flow,omitempty"`
	Pad        []int `yaml:"pad,flow,omitempty"`
	Dilation   []int `yaml:"dilation,flow,omitempty"`
	Group      int   `yaml:"group,omitempty"`     // 1 when zero
	BiasTerm   *bool `yaml:"bias_term,omitempty"` // true when unset
	// Axis is the channel axis of the input; every later axis is spatial.
	Axis *int `yaml:"axis,omitempty"` // 1 when unset

	// Tiling overrides the kernel blocking, tiling.Default() when nil.
	Tiling *tiling.Config `yaml:"tiling,omitempty"`
	// ForceRangeCheck keeps padding checks in unpadded kernels.
	ForceRangeCheck bool `yaml:"force_range_check,omitempty"`
}

// TileParameter configures a Tile layer.
type TileParameter struct {
	Axis  *int `yaml:"axis,omitempty"` // 1 when unset
	Tiles int  `yaml:"tiles"`
}

// NetParameter describes a chain of layers fed by one input blob.
type NetParameter struct {
	Name   string           `yaml:"name"`
	Input  []int            `yaml:"input_shape,flow"`
	Layers []LayerParameter `yaml:"layers"`
}

// ParseNet decodes a YAML net description. Unknown fields are errors.
func ParseNet(r io.Reader) (*NetParameter, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var p NetParameter
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("nn: empty net description")
		}
		return nil, fmt.Errorf("nn: decode net: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadNet reads a YAML net description from path.
func LoadNet(path string) (*NetParameter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nn: %w", err)
	}
	return ParseNet(bytes.NewReader(data))
}

// Marshal encodes p as YAML.
func (p *NetParameter) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("nn: encode net: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks the structure of the description. Geometry is checked
// when the layers are set up.
func (p *NetParameter) Validate() error {
	if len(p.Input) == 0 {
		return errors.New("nn: net has no input shape")
	}
	if len(p.Layers) == 0 {
		return errors.New("nn: net has no layers")
	}
	seen := make(map[string]bool, len(p.Layers))
	for i, l := range p.Layers {
		if l.Name == "" {
			return fmt.Errorf("nn: layer %d has no name", i)
		}
		if seen[l.Name] {
			return fmt.Errorf("nn: duplicate layer name %q", l.Name)
		}
		seen[l.Name] = true
		if err := l.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (l LayerParameter) validate() error {
	switch l.Type {
	case TypeConvolution:
		c := l.Convolution
		if c == nil {
			return fmt.Errorf("nn: layer %q: missing convolution section", l.Name)
		}
		if c.NumOutput <= 0 {
			return fmt.Errorf("nn: layer %q: num_output must be positive, got %d", l.Name, c.NumOutput)
		}
		if len(c.KernelSize) == 0 {
			return fmt.Errorf("nn: layer %q: kernel_size is required", l.Name)
		}
	case TypeTile:
		if l.Tile == nil || l.Tile.Tiles <= 0 {
			return fmt.Errorf("nn: layer %q: tiles must be positive", l.Name)
		}
	default:
		return fmt.Errorf("nn: layer %q has unknown type %q", l.Name, l.Type)
	}
	return nil
}

func axisOr(axis *int, def int) int {
	if axis == nil {
		return def
	}
	return *axis
}
