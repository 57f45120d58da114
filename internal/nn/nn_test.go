package nn_test

import (
	"bytes"
	"context"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/convkernel/internal/backend"
	"github.com/born-ml/convkernel/internal/backend/sim"
	"github.com/born-ml/convkernel/internal/geometry"
	"github.com/born-ml/convkernel/internal/kernel/tiling"
	"github.com/born-ml/convkernel/internal/nn"
	"github.com/born-ml/convkernel/internal/serialization"
	"github.com/born-ml/convkernel/internal/tensor"
)

const netYAML = `
name: tiny
input_shape: [2, 3, 7, 6]
layers:
  - name: conv1
    type: Convolution
    convolution:
      num_output: 4
      kernel_size: [3]
      stride: [2, 1]
      pad: [1]
      tiling: {tsk: 4, tsk_unroll: 2, wptm: 2, wptn: 2, vwm: 2, vwn: 2, rtsm: 4, rtsn: 4, pad_a: 1, pad_b: 1}
  - name: tile1
    type: Tile
    tile:
      axis: 1
      tiles: 2
  - name: conv2
    type: Convolution
    convolution:
      num_output: 6
      kernel_size: [1]
      group: 2
      bias_term: false
      tiling: {tsk: 4, tsk_unroll: 2, wptm: 2, wptn: 2, vwm: 2, vwn: 2, rtsm: 4, rtsn: 4, pad_a: 1, pad_b: 1}
`

func randomize(t *testing.T, b *tensor.Blob, seed uint64) []float32 {
	t.Helper()
	r := rand.New(rand.NewPCG(seed, 7))
	d, err := b.MutableCPUData()
	require.NoError(t, err)
	for i := range d {
		d[i] = r.Float32()*2 - 1
	}
	return append([]float32(nil), d...)
}

func convParam(name string, c nn.ConvolutionParameter) nn.LayerParameter {
	if c.Tiling == nil {
		small := tiling.Small()
		c.Tiling = &small
	}
	return nn.LayerParameter{Name: name, Type: nn.TypeConvolution, Convolution: &c}
}

func simContext(t *testing.T) *backend.Context {
	t.Helper()
	bc := backend.NewContext(sim.New(sim.Options{}))
	t.Cleanup(func() { _ = bc.Close() })
	return bc
}

func TestParseNet(t *testing.T) {
	p, err := nn.ParseNet(strings.NewReader(netYAML))
	require.NoError(t, err)
	assert.Equal(t, "tiny", p.Name)
	assert.Equal(t, []int{2, 3, 7, 6}, p.Input)
	require.Len(t, p.Layers, 3)
	assert.Equal(t, 4, p.Layers[0].Convolution.NumOutput)
	assert.Equal(t, tiling.Small(), *p.Layers[0].Convolution.Tiling)
	assert.Equal(t, 2, p.Layers[1].Tile.Tiles)
	require.NotNil(t, p.Layers[2].Convolution.BiasTerm)
	assert.False(t, *p.Layers[2].Convolution.BiasTerm)

	out, err := p.Marshal()
	require.NoError(t, err)
	again, err := nn.ParseNet(strings.NewReader(string(out)))
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestParseNet_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"unknown field", "name: x\ninput_shape: [1]\nlayers: []\nextra: 1\n"},
		{"no layers", "name: x\ninput_shape: [1, 2, 3]\n"},
		{"no input", "name: x\nlayers: [{name: a, type: Tile, tile: {tiles: 2}}]\n"},
		{"unknown type", "input_shape: [1]\nlayers: [{name: a, type: Pooling}]\n"},
		{"duplicate", "input_shape: [1]\nlayers: [{name: a, type: Tile, tile: {tiles: 2}}, {name: a, type: Tile, tile: {tiles: 2}}]\n"},
		{"no kernel", "input_shape: [1]\nlayers: [{name: a, type: Convolution, convolution: {num_output: 2}}]\n"},
		{"no tiles", "input_shape: [1]\nlayers: [{name: a, type: Tile, tile: {tiles: 0}}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := nn.ParseNet(strings.NewReader(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestConvolution_Setup(t *testing.T) {
	l, err := nn.NewConvolution(convParam("conv", nn.ConvolutionParameter{
		NumOutput: 4, KernelSize: []int{3}, Stride: []int{2}, Pad: []int{1},
	}), nn.WithSeed(1))
	require.NoError(t, err)

	bottom, err := tensor.NewBlob(2, 3, 7, 7)
	require.NoError(t, err)
	top := &tensor.Blob{}
	require.NoError(t, l.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{top}))

	assert.Equal(t, tensor.Shape{2, 4, 4, 4}, top.Shape())
	blobs := l.Blobs()
	require.Len(t, blobs, 2)
	assert.Equal(t, tensor.Shape{4, 3, 3, 3}, blobs[0].Shape())
	assert.Equal(t, tensor.Shape{4}, blobs[1].Shape())

	// Xavier bound for fan in 27 and fan out 36.
	w, err := blobs[0].CPUData()
	require.NoError(t, err)
	for _, v := range w {
		assert.LessOrEqual(t, v, float32(0.3087))
		assert.GreaterOrEqual(t, v, float32(-0.3087))
	}
	b, err := blobs[1].CPUData()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, b)

	defs := l.Definitions()
	require.NotNil(t, defs)
	assert.True(t, defs.Has("v_B_off"))
	assert.Equal(t, "conv_forward", l.Params().Name)
}

func TestConvolution_ChannelAxis(t *testing.T) {
	axis := 2
	l, err := nn.NewConvolution(convParam("c1d", nn.ConvolutionParameter{
		NumOutput: 2, KernelSize: []int{3}, Axis: &axis, BiasTerm: new(bool),
	}))
	require.NoError(t, err)
	bottom, err := tensor.NewBlob(2, 3, 4, 9)
	require.NoError(t, err)
	top := &tensor.Blob{}
	require.NoError(t, l.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{top}))
	assert.Equal(t, tensor.Shape{2, 3, 2, 7}, top.Shape())
	assert.Len(t, l.Blobs(), 1)
	assert.Equal(t, []int{4, 9}, l.Params().Geometry.Input)
}

func TestConvolution_SetupErrors(t *testing.T) {
	bottom, err := tensor.NewBlob(1, 6, 5, 5)
	require.NoError(t, err)

	tests := []struct {
		name  string
		param nn.ConvolutionParameter
		want  error
	}{
		{"group", nn.ConvolutionParameter{NumOutput: 4, KernelSize: []int{3}, Group: 4}, geometry.ErrGroupMismatch},
		{"kernel too large", nn.ConvolutionParameter{NumOutput: 4, KernelSize: []int{7}}, geometry.ErrNonPositiveOutput},
		{"axis count", nn.ConvolutionParameter{NumOutput: 4, KernelSize: []int{3, 3, 3}}, geometry.ErrAxisMismatch},
		{"stride", nn.ConvolutionParameter{NumOutput: 4, KernelSize: []int{3}, Stride: []int{0}}, geometry.ErrInvalidStride},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := nn.NewConvolution(convParam("bad", tt.param))
			require.NoError(t, err)
			err = l.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{{}})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	huge := tiling.Default()
	huge.RTSM, huge.RTSN = 64, 64
	p := convParam("huge", nn.ConvolutionParameter{NumOutput: 4, KernelSize: []int{3}})
	p.Convolution.Tiling = &huge
	l, err := nn.NewConvolution(p)
	require.NoError(t, err)
	assert.ErrorIs(t, l.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{{}}), tiling.ErrInvalidConfig)

	_, err = nn.NewConvolution(nn.LayerParameter{Name: "t", Type: nn.TypeTile, Tile: &nn.TileParameter{Tiles: 2}})
	assert.Error(t, err)
}

func TestConvolution_GPUMatchesCPU(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
		param nn.ConvolutionParameter
	}{
		{"2d", []int{2, 3, 6, 5}, nn.ConvolutionParameter{NumOutput: 5, KernelSize: []int{3}, Pad: []int{1}}},
		{"grouped strided", []int{1, 4, 7, 7}, nn.ConvolutionParameter{NumOutput: 6, KernelSize: []int{3, 2}, Stride: []int{2}, Group: 2}},
		{"dilated 1d", []int{3, 2, 11}, nn.ConvolutionParameter{NumOutput: 3, KernelSize: []int{3}, Dilation: []int{2}, Pad: []int{2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gpu, err := nn.NewConvolution(convParam("conv", tt.param), nn.WithSeed(5), nn.WithContext(simContext(t)))
			require.NoError(t, err)
			host, err := nn.NewConvolution(convParam("conv", tt.param), nn.WithSeed(5))
			require.NoError(t, err)

			bottom, err := tensor.NewBlob(tt.shape...)
			require.NoError(t, err)
			randomize(t, bottom, 9)
			gtop, htop := &tensor.Blob{}, &tensor.Blob{}
			require.NoError(t, gpu.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{gtop}))
			require.NoError(t, host.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{htop}))

			// A non-zero bias checks the bias binding.
			if len(gpu.Blobs()) == 2 {
				randomize(t, gpu.Blobs()[1], 3)
				randomize(t, host.Blobs()[1], 3)
			}

			ctx := context.Background()
			require.NoError(t, gpu.Forward(ctx, []*tensor.Blob{bottom}, []*tensor.Blob{gtop}))
			require.NoError(t, host.Forward(ctx, []*tensor.Blob{bottom}, []*tensor.Blob{htop}))
			assert.Equal(t, tensor.AtGPU, gtop.DataHead())

			got, err := gtop.CPUData()
			require.NoError(t, err)
			want, err := htop.CPUData()
			require.NoError(t, err)
			assert.InDeltaSlice(t, want, got, 1e-4)
		})
	}
}

func TestConvolution_DeviceWorkGroupLimit(t *testing.T) {
	// 512 work-items: over the host limit, within the simulator's.
	wide := tiling.Config{TSK: 8, TSKUnroll: 1, WPTM: 4, WPTN: 4, VWM: 4, VWN: 4, RTSM: 32, RTSN: 16, PadA: 1, PadB: 1}
	require.Equal(t, 512, wide.WorkGroupSize())
	param := nn.ConvolutionParameter{NumOutput: 8, KernelSize: []int{3}, Pad: []int{1}, Tiling: &wide}

	bottom, err := tensor.NewBlob(2, 3, 9, 9)
	require.NoError(t, err)
	randomize(t, bottom, 11)

	rejected, err := nn.NewConvolution(convParam("conv", param), nn.WithSeed(5))
	require.NoError(t, err)
	assert.ErrorIs(t, rejected.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{{}}), tiling.ErrInvalidConfig)

	gpu, err := nn.NewConvolution(convParam("conv", param), nn.WithSeed(5), nn.WithContext(simContext(t)))
	require.NoError(t, err)
	host, err := nn.NewConvolution(convParam("conv", nn.ConvolutionParameter{NumOutput: 8, KernelSize: []int{3}, Pad: []int{1}}),
		nn.WithSeed(5))
	require.NoError(t, err)

	gtop, htop := &tensor.Blob{}, &tensor.Blob{}
	require.NoError(t, gpu.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{gtop}))
	require.NoError(t, host.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{htop}))
	assert.Equal(t, sim.DefaultMaxWorkGroupSize, gpu.Params().MaxWorkGroup)
	randomize(t, gpu.Blobs()[1], 3)
	randomize(t, host.Blobs()[1], 3)

	ctx := context.Background()
	require.NoError(t, gpu.Forward(ctx, []*tensor.Blob{bottom}, []*tensor.Blob{gtop}))
	require.NoError(t, host.Forward(ctx, []*tensor.Blob{bottom}, []*tensor.Blob{htop}))
	assert.Equal(t, tensor.AtGPU, gtop.DataHead())

	got, err := gtop.CPUData()
	require.NoError(t, err)
	want, err := htop.CPUData()
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-4)
}

func TestConvolution_FailedReshapeKeepsState(t *testing.T) {
	l, err := nn.NewConvolution(convParam("conv", nn.ConvolutionParameter{NumOutput: 2, KernelSize: []int{3}}),
		nn.WithContext(simContext(t)))
	require.NoError(t, err)

	ctx := context.Background()
	bottom, err := tensor.NewBlob(1, 2, 5, 5)
	require.NoError(t, err)
	top := &tensor.Blob{}
	require.NoError(t, l.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{top}))
	fp := l.Fingerprint()
	defs := l.Definitions()

	require.NoError(t, bottom.Reshape(1, 2, 2, 5))
	assert.ErrorIs(t, l.Reshape([]*tensor.Blob{bottom}, []*tensor.Blob{top}), geometry.ErrNonPositiveOutput)
	assert.Equal(t, fp, l.Fingerprint())
	assert.Same(t, defs, l.Definitions())
	assert.Equal(t, []int{2, 5, 5}, l.Params().Geometry.Input)
	assert.Equal(t, tensor.Shape{1, 2, 3, 3}, top.Shape())

	require.NoError(t, bottom.Reshape(1, 2, 5, 5))
	require.NoError(t, l.Reshape([]*tensor.Blob{bottom}, []*tensor.Blob{top}))
	assert.Equal(t, fp, l.Fingerprint())
	require.NoError(t, l.Forward(ctx, []*tensor.Blob{bottom}, []*tensor.Blob{top}))
}

func TestConvolution_ReshapeRegeneratesOnlyOnChange(t *testing.T) {
	bc := simContext(t)
	l, err := nn.NewConvolution(convParam("conv", nn.ConvolutionParameter{NumOutput: 2, KernelSize: []int{3}}),
		nn.WithContext(bc))
	require.NoError(t, err)

	ctx := context.Background()
	bottom, err := tensor.NewBlob(1, 2, 5, 5)
	require.NoError(t, err)
	top := &tensor.Blob{}
	require.NoError(t, l.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{top}))
	require.NoError(t, l.Forward(ctx, []*tensor.Blob{bottom}, []*tensor.Blob{top}))
	fp := l.Fingerprint()
	defs := l.Definitions()

	// A batch change only changes the dispatch.
	require.NoError(t, bottom.Reshape(3, 2, 5, 5))
	require.NoError(t, l.Reshape([]*tensor.Blob{bottom}, []*tensor.Blob{top}))
	assert.Equal(t, fp, l.Fingerprint())
	assert.Same(t, defs, l.Definitions())
	assert.Equal(t, tensor.Shape{3, 2, 3, 3}, top.Shape())
	require.NoError(t, l.Forward(ctx, []*tensor.Blob{bottom}, []*tensor.Blob{top}))
	assert.Equal(t, 1, bc.Stats().Compiles)

	require.NoError(t, bottom.Reshape(3, 2, 6, 5))
	require.NoError(t, l.Reshape([]*tensor.Blob{bottom}, []*tensor.Blob{top}))
	assert.NotEqual(t, fp, l.Fingerprint())
	assert.NotSame(t, defs, l.Definitions())
	require.NoError(t, l.Forward(ctx, []*tensor.Blob{bottom}, []*tensor.Blob{top}))
	assert.Equal(t, 2, bc.Stats().Compiles)

	require.NoError(t, bottom.Reshape(3, 3, 6, 5))
	assert.Error(t, l.Reshape([]*tensor.Blob{bottom}, []*tensor.Blob{top}))
}

func TestConvolution_KernelSource(t *testing.T) {
	l, err := nn.NewConvolution(convParam("my layer", nn.ConvolutionParameter{NumOutput: 2, KernelSize: []int{3}}))
	require.NoError(t, err)
	_, err = l.KernelSource("", backend.OpenCL)
	assert.Error(t, err)

	bottom, err := tensor.NewBlob(1, 2, 5, 5)
	require.NoError(t, err)
	require.NoError(t, l.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{{}}))

	cl, err := l.KernelSource("", backend.OpenCL)
	require.NoError(t, err)
	assert.Contains(t, cl, "my_layer_forward")
	assert.Contains(t, cl, "#define v_B_off")

	wg, err := l.KernelSource("renamed", backend.WGSL)
	require.NoError(t, err)
	assert.Contains(t, wg, "fn renamed(")
}

func TestConvolution_Backward(t *testing.T) {
	l, err := nn.NewConvolution(convParam("conv", nn.ConvolutionParameter{NumOutput: 3, KernelSize: []int{2}}), nn.WithSeed(2))
	require.NoError(t, err)
	bottom, err := tensor.NewBlob(2, 2, 4, 4)
	require.NoError(t, err)
	randomize(t, bottom, 1)
	top := &tensor.Blob{}
	require.NoError(t, l.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{top}))
	topDiff, err := top.MutableCPUDiff()
	require.NoError(t, err)
	for i := range topDiff {
		topDiff[i] = float32(i%5) - 2
	}

	ctx := context.Background()
	bt, tp := []*tensor.Blob{bottom}, []*tensor.Blob{top}
	require.NoError(t, l.Backward(ctx, tp, []bool{false}, bt))
	bd, err := bottom.CPUDiff()
	require.NoError(t, err)
	assert.Equal(t, make([]float32, len(bd)), bd, "bottom diff untouched without propagation")

	w1, err := l.Blobs()[0].CPUDiff()
	require.NoError(t, err)
	w1 = append([]float32(nil), w1...)
	b1, err := l.Blobs()[1].CPUDiff()
	require.NoError(t, err)
	b1 = append([]float32(nil), b1...)

	require.NoError(t, l.Backward(ctx, tp, []bool{true}, bt))
	w2, err := l.Blobs()[0].CPUDiff()
	require.NoError(t, err)
	for i := range w1 {
		assert.InDelta(t, 2*w1[i], w2[i], 1e-4)
	}
	b2, err := l.Blobs()[1].CPUDiff()
	require.NoError(t, err)
	for i := range b1 {
		assert.InDelta(t, 2*b1[i], b2[i], 1e-4)
	}
	// Every output position contributes to the bias gradient of its channel.
	var sum float32
	for _, v := range topDiff[:9] {
		sum += v
	}
	for _, v := range topDiff[27:36] {
		sum += v
	}
	assert.InDelta(t, sum, b1[0], 1e-4)

	bd1, err := bottom.CPUDiff()
	require.NoError(t, err)
	bd1 = append([]float32(nil), bd1...)
	require.NoError(t, l.Backward(ctx, tp, []bool{true}, bt))
	bd2, err := bottom.CPUDiff()
	require.NoError(t, err)
	assert.Equal(t, bd1, bd2, "bottom diff is overwritten")
	assert.NotEqual(t, make([]float32, len(bd1)), bd1)
}

func TestTile(t *testing.T) {
	for _, gpu := range []bool{false, true} {
		name := "cpu"
		var opts []nn.Option
		if gpu {
			name = "sim"
			opts = append(opts, nn.WithContext(simContext(t)))
		}
		t.Run(name, func(t *testing.T) {
			l, err := nn.NewTile(nn.LayerParameter{Name: "tile", Type: nn.TypeTile, Tile: &nn.TileParameter{Tiles: 2}}, opts...)
			require.NoError(t, err)
			bottom, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
			require.NoError(t, err)
			top := &tensor.Blob{}
			bt, tp := []*tensor.Blob{bottom}, []*tensor.Blob{top}
			require.NoError(t, l.Setup(bt, tp))
			assert.Equal(t, tensor.Shape{2, 6}, top.Shape())
			assert.Nil(t, l.Blobs())

			require.NoError(t, l.Forward(context.Background(), bt, tp))
			got, err := top.CPUData()
			require.NoError(t, err)
			assert.Equal(t, []float32{1, 2, 3, 1, 2, 3, 4, 5, 6, 4, 5, 6}, got)

			diff, err := top.MutableCPUDiff()
			require.NoError(t, err)
			copy(diff, []float32{1, 1, 1, 2, 2, 2, 0, 1, 0, 3, 3, 3})
			require.NoError(t, l.Backward(context.Background(), tp, []bool{true}, bt))
			bd, err := bottom.CPUDiff()
			require.NoError(t, err)
			assert.Equal(t, []float32{3, 3, 3, 3, 4, 3}, bd)
		})
	}
}

func TestTile_Axis0(t *testing.T) {
	axis := 0
	l, err := nn.NewTile(nn.LayerParameter{Name: "t", Type: nn.TypeTile, Tile: &nn.TileParameter{Axis: &axis, Tiles: 3}},
		nn.WithContext(simContext(t)))
	require.NoError(t, err)
	bottom, err := tensor.FromSlice([]float32{1, 2}, 1, 2)
	require.NoError(t, err)
	top := &tensor.Blob{}
	require.NoError(t, l.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{top}))
	require.NoError(t, l.Forward(context.Background(), []*tensor.Blob{bottom}, []*tensor.Blob{top}))
	assert.Equal(t, tensor.Shape{3, 2}, top.Shape())
	got, err := top.CPUData()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 1, 2, 1, 2}, got)
}

func TestTile_KernelSource(t *testing.T) {
	l, err := nn.NewTile(nn.LayerParameter{Name: "t", Type: nn.TypeTile, Tile: &nn.TileParameter{Tiles: 2}})
	require.NoError(t, err)
	_, err = l.KernelSource("", backend.OpenCL)
	assert.Error(t, err)

	bottom, err := tensor.NewBlob(2, 3)
	require.NoError(t, err)
	require.NoError(t, l.Setup([]*tensor.Blob{bottom}, []*tensor.Blob{{}}))
	src, err := l.KernelSource("", backend.OpenCL)
	require.NoError(t, err)
	assert.Contains(t, src, "tile_forward")
	src, err = l.KernelSource("rep", backend.WGSL)
	require.NoError(t, err)
	assert.Contains(t, src, "fn rep(")
}

func TestNet_SimMatchesCPU(t *testing.T) {
	p, err := nn.ParseNet(strings.NewReader(netYAML))
	require.NoError(t, err)

	bc := simContext(t)
	gpu, err := nn.NewNet(p, nn.WithSeed(11), nn.WithContext(bc))
	require.NoError(t, err)
	host, err := nn.NewNet(p, nn.WithSeed(11))
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{2, 6, 4, 6}, gpu.Output().Shape())
	_, ok := gpu.Layer("tile1")
	assert.True(t, ok)
	_, ok = gpu.Layer("missing")
	assert.False(t, ok)

	in := randomize(t, gpu.Input(), 21)
	dst, err := host.Input().MutableCPUData()
	require.NoError(t, err)
	copy(dst, in)

	ctx := context.Background()
	require.NoError(t, gpu.Forward(ctx))
	require.NoError(t, host.Forward(ctx))
	got, err := gpu.Output().CPUData()
	require.NoError(t, err)
	want, err := host.Output().CPUData()
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-4)
	assert.Equal(t, 3, bc.Stats().Compiles)

	diff, err := host.Output().MutableCPUDiff()
	require.NoError(t, err)
	for i := range diff {
		diff[i] = 1
	}
	require.NoError(t, host.Backward(ctx, true))
	bd, err := host.Input().CPUDiff()
	require.NoError(t, err)
	assert.Len(t, bd, 2*3*7*6)

	require.NoError(t, gpu.Input().Reshape(1, 3, 9, 6))
	require.NoError(t, gpu.Reshape())
	assert.Equal(t, tensor.Shape{1, 6, 5, 6}, gpu.Output().Shape())
}

func TestNet_Weights(t *testing.T) {
	p, err := nn.ParseNet(strings.NewReader(netYAML))
	require.NoError(t, err)
	src, err := nn.NewNet(p, nn.WithSeed(1))
	require.NoError(t, err)
	for i, l := range src.Layers() {
		for j, b := range l.Blobs() {
			randomize(t, b, uint64(10*i+j))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, src.SaveWeights(&buf, serialization.F32))

	dst, err := nn.NewNet(p, nn.WithSeed(2), nn.WithContext(simContext(t)))
	require.NoError(t, err)
	require.NoError(t, dst.LoadWeights(bytes.NewReader(buf.Bytes())))
	for i, l := range dst.Layers() {
		for j, b := range l.Blobs() {
			want, err := src.Layers()[i].Blobs()[j].CPUData()
			require.NoError(t, err)
			got, err := b.CPUData()
			require.NoError(t, err)
			assert.Equal(t, want, got, "%s.%d", l.Name(), j)
		}
	}

	in := randomize(t, src.Input(), 3)
	d, err := dst.Input().MutableCPUData()
	require.NoError(t, err)
	copy(d, in)
	ctx := context.Background()
	require.NoError(t, src.Forward(ctx))
	require.NoError(t, dst.Forward(ctx))
	want, err := src.Output().CPUData()
	require.NoError(t, err)
	got, err := dst.Output().CPUData()
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-4)
}

func TestNet_WeightsHalf(t *testing.T) {
	p, err := nn.ParseNet(strings.NewReader(netYAML))
	require.NoError(t, err)
	src, err := nn.NewNet(p, nn.WithSeed(1))
	require.NoError(t, err)
	path := t.TempDir() + "/w.safetensors"
	require.NoError(t, src.SaveWeightsFile(path, serialization.F16))

	dst, err := nn.NewNet(p, nn.WithSeed(2))
	require.NoError(t, err)
	require.NoError(t, dst.LoadWeightsFile(path))
	want, err := src.Layers()[0].Blobs()[0].CPUData()
	require.NoError(t, err)
	got, err := dst.Layers()[0].Blobs()[0].CPUData()
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-3)
}

func TestNet_WeightsMismatch(t *testing.T) {
	p, err := nn.ParseNet(strings.NewReader(netYAML))
	require.NoError(t, err)
	src, err := nn.NewNet(p, nn.WithSeed(1))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, src.SaveWeights(&buf, serialization.F32))

	wider := *p
	wider.Layers = append([]nn.LayerParameter(nil), p.Layers...)
	c := *wider.Layers[0].Convolution
	c.NumOutput = 8
	wider.Layers[0].Convolution = &c
	dst, err := nn.NewNet(&wider, nn.WithSeed(1))
	require.NoError(t, err)
	err = dst.LoadWeights(bytes.NewReader(buf.Bytes()))
	assert.ErrorContains(t, err, `"conv1.0" has shape`)

	renamed := *p
	renamed.Layers = append([]nn.LayerParameter(nil), p.Layers...)
	renamed.Layers[2].Name = "conv3"
	dst, err = nn.NewNet(&renamed, nn.WithSeed(1))
	require.NoError(t, err)
	err = dst.LoadWeights(bytes.NewReader(buf.Bytes()))
	assert.ErrorContains(t, err, `missing "conv3.0"`)

	assert.Error(t, dst.LoadWeights(strings.NewReader("junk")))
}
