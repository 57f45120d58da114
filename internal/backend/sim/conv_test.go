package sim_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/convkernel/internal/backend"
	"github.com/born-ml/convkernel/internal/backend/cpu"
	"github.com/born-ml/convkernel/internal/backend/sim"
	"github.com/born-ml/convkernel/internal/geometry"
	"github.com/born-ml/convkernel/internal/kernel/conv"
	"github.com/born-ml/convkernel/internal/kernel/ir"
	"github.com/born-ml/convkernel/internal/kernel/tile"
	"github.com/born-ml/convkernel/internal/kernel/tiling"
	"github.com/born-ml/convkernel/internal/parallel"
)

func geom(in, k, s, p, d []int, out, groups int) geometry.Conv {
	return geometry.Conv{Input: in, Kernel: k, Stride: s, Pad: p, Dilation: d, NumOutput: out, Groups: groups}
}

func random(r *rand.Rand, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = r.Float32()*2 - 1
	}
	return s
}

// convRun holds the host buffers of one forward pass.
type convRun struct {
	bottom, weight, bias []float32
	batch                int
}

func newRun(t *testing.T, g geometry.Conv, batch int, bias bool, seed uint64) (*cpu.Conv, convRun) {
	t.Helper()
	ref, err := cpu.NewConv(g, parallel.DefaultConfig())
	require.NoError(t, err)
	r := rand.New(rand.NewPCG(seed, seed+1))
	run := convRun{
		bottom: random(r, batch*ref.InputCount()),
		weight: random(r, ref.WeightCount()),
		batch:  batch,
	}
	if bias {
		run.bias = random(r, g.NumOutput)
	}
	return ref, run
}

func upload(t *testing.T, dev backend.Device, vals []float32) backend.Buffer {
	t.Helper()
	b, err := dev.NewBuffer(len(vals))
	require.NoError(t, err)
	require.NoError(t, b.Write(vals))
	return b
}

// forward generates, compiles and launches the kernel for p on dev and
// returns the output buffer.
func forward(t *testing.T, dev backend.Device, p conv.Params, run convRun, outCount int) backend.Buffer {
	t.Helper()
	ctx := context.Background()
	bc := backend.NewContext(dev)
	k, err := bc.Kernel(ctx, p.Fingerprint(), func() (*ir.Kernel, error) { return conv.Generate(p) })
	require.NoError(t, err)

	top, err := dev.NewBuffer(run.batch * outCount)
	require.NoError(t, err)
	args := []backend.Buffer{upload(t, dev, run.bottom), upload(t, dev, run.weight), top}
	if p.Bias {
		args = append(args, upload(t, dev, run.bias))
	}
	global, local, err := conv.Dispatch(p, run.batch)
	require.NoError(t, err)
	require.NoError(t, bc.Launch(ctx, k, args, global, local))
	return top
}

func read(t *testing.T, b backend.Buffer) []float32 {
	t.Helper()
	out := make([]float32, b.Len())
	require.NoError(t, b.Read(out))
	return out
}

var forwardCases = []struct {
	name  string
	geom  geometry.Conv
	batch int
	bias  bool
}{
	{"1x1", geom([]int{8, 4, 4}, []int{1, 1}, []int{1, 1}, []int{0, 0}, []int{1, 1}, 8, 1), 1, false},
	{"3x3 padded", geom([]int{3, 5, 5}, []int{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1}, 4, 1), 2, true},
	{"strided dilated", geom([]int{2, 9, 8}, []int{3, 2}, []int{2, 1}, []int{1, 0}, []int{2, 3}, 5, 1), 2, true},
	{"grouped", geom([]int{6, 6, 5}, []int{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1}, 4, 2), 2, true},
	{"depthwise", geom([]int{4, 5, 5}, []int{3, 3}, []int{1, 1}, []int{0, 0}, []int{1, 1}, 4, 4), 1, false},
	{"1d", geom([]int{3, 19}, []int{5}, []int{2}, []int{2}, []int{1}, 7, 1), 2, true},
	{"3d", geom([]int{2, 4, 5, 3}, []int{2, 3, 2}, []int{1, 1, 1}, []int{1, 0, 1}, []int{1, 1, 1}, 3, 1), 1, true},
	{"ragged M and N", geom([]int{5, 7, 3}, []int{2, 2}, []int{1, 1}, []int{0, 0}, []int{1, 1}, 11, 1), 1, false},
}

func TestForward_MatchesCPU(t *testing.T) {
	for _, tc := range forwardCases {
		t.Run(tc.name, func(t *testing.T) {
			ref, run := newRun(t, tc.geom, tc.batch, tc.bias, 42)
			want := make([]float32, tc.batch*ref.OutputCount())
			require.NoError(t, ref.Forward(run.bottom, run.weight, run.bias, want, tc.batch))

			p := conv.Params{Name: "conv_forward", Geometry: tc.geom, Tiling: tiling.Small(), Bias: tc.bias}
			got := read(t, forward(t, sim.New(sim.Options{}), p, run, ref.OutputCount()))
			assert.InDeltaSlice(t, want, got, 1e-4)
		})
	}
}

func TestForward_DefaultTiling(t *testing.T) {
	g := geom([]int{3, 9, 9}, []int{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1}, 6, 1)
	ref, run := newRun(t, g, 1, true, 7)
	want := make([]float32, ref.OutputCount())
	require.NoError(t, ref.Forward(run.bottom, run.weight, run.bias, want, 1))

	p := conv.Params{Name: "conv_default", Geometry: g, Tiling: tiling.Default(), Bias: true}
	got := read(t, forward(t, sim.New(sim.Options{}), p, run, ref.OutputCount()))
	assert.InDeltaSlice(t, want, got, 1e-4)
}

func TestForward_ScalarTiling(t *testing.T) {
	g := geom([]int{2, 6, 6}, []int{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1}, 3, 1)
	cfg := tiling.Config{TSK: 4, TSKUnroll: 1, WPTM: 1, WPTN: 2, VWM: 1, VWN: 1, RTSM: 4, RTSN: 4}
	ref, run := newRun(t, g, 2, true, 9)
	want := make([]float32, 2*ref.OutputCount())
	require.NoError(t, ref.Forward(run.bottom, run.weight, run.bias, want, 2))

	p := conv.Params{Name: "conv_scalar", Geometry: g, Tiling: cfg, Bias: true}
	got := read(t, forward(t, sim.New(sim.Options{}), p, run, ref.OutputCount()))
	assert.InDeltaSlice(t, want, got, 1e-4)
}

func TestForward_OneByOneIsMatmul(t *testing.T) {
	g := geom([]int{6, 3, 5}, []int{1, 1}, []int{1, 1}, []int{0, 0}, []int{1, 1}, 4, 1)
	_, run := newRun(t, g, 1, false, 11)

	// top[M=4][N=15] = weight[4][6] * bottom[6][15]
	want := make([]float32, 4*15)
	cpu.Gemm(false, false, 4, 15, 6, 1, run.weight, run.bottom, 0, want)

	p := conv.Params{Name: "pointwise", Geometry: g, Tiling: tiling.Small()}
	got := read(t, forward(t, sim.New(sim.Options{}), p, run, 4*15))
	assert.InDeltaSlice(t, want, got, 1e-5)
}

func TestForward_WritesEachOutputOnce(t *testing.T) {
	for _, tc := range forwardCases {
		t.Run(tc.name, func(t *testing.T) {
			ref, run := newRun(t, tc.geom, tc.batch, tc.bias, 3)
			dev := sim.New(sim.Options{TrackWrites: true})
			p := conv.Params{Name: "conv_forward", Geometry: tc.geom, Tiling: tiling.Small(), Bias: tc.bias}
			top := forward(t, dev, p, run, ref.OutputCount())

			writes := top.(*sim.Buffer).Writes()
			require.Len(t, writes, tc.batch*ref.OutputCount())
			for i, w := range writes {
				if !assert.Equal(t, 1, w, "output %d", i) {
					return
				}
			}
		})
	}
}

// snapshots records the local tiles of every workgroup at every barrier.
type snapshots struct {
	mu  sync.Mutex
	all map[string]map[string][]float32
}

func (s *snapshots) record(ev sim.BarrierEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all[fmt.Sprintf("%v/%d", ev.Group, ev.Seq)] = ev.Locals
}

func TestForward_RangeCheckIsBitIdentical(t *testing.T) {
	g := geom([]int{3, 7, 6}, []int{3, 2}, []int{2, 1}, []int{0, 0}, []int{1, 2}, 5, 1)
	ref, run := newRun(t, g, 2, true, 5)

	outputs := make([][]float32, 2)
	snaps := make([]*snapshots, 2)
	for i, check := range []bool{false, true} {
		snaps[i] = &snapshots{all: map[string]map[string][]float32{}}
		dev := sim.New(sim.Options{OnBarrier: snaps[i].record})
		p := conv.Params{Name: "conv_forward", Geometry: g, Tiling: tiling.Small(), Bias: true, ForceRangeCheck: check}
		outputs[i] = read(t, forward(t, dev, p, run, ref.OutputCount()))
	}

	assert.Equal(t, outputs[0], outputs[1])
	require.NotEmpty(t, snaps[0].all)
	assert.Equal(t, snaps[0].all, snaps[1].all)
}

func TestForward_Half(t *testing.T) {
	g := geom([]int{3, 6, 6}, []int{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1}, 4, 1)
	ref, run := newRun(t, g, 1, true, 13)
	want := make([]float32, ref.OutputCount())
	require.NoError(t, ref.Forward(run.bottom, run.weight, run.bias, want, 1))

	p := conv.Params{Name: "conv_half", Geometry: g, Tiling: tiling.Small(), Bias: true, DType: ir.Float16}
	got := read(t, forward(t, sim.New(sim.Options{DType: ir.Float16}), p, run, ref.OutputCount()))
	assert.InDeltaSlice(t, want, got, 1e-1)
}

func TestTile_MatchesCopy(t *testing.T) {
	tests := []tile.Params{
		{Outer: 2, Inner: 12, Tiles: 3, AxisDim: 3},
		{Outer: 1, Inner: 5, Tiles: 4, AxisDim: 5},
		{Outer: 7, Inner: 300, Tiles: 2, AxisDim: 1},
	}
	for _, p := range tests {
		t.Run(p.Fingerprint("tile"), func(t *testing.T) {
			dev := sim.New(sim.Options{TrackWrites: true})
			k, err := tile.Generate("tile_forward", p)
			require.NoError(t, err)
			ck, err := dev.Compile(context.Background(), backend.Source{Name: k.Name, Kernel: k})
			require.NoError(t, err)

			r := rand.New(rand.NewPCG(1, 1))
			in := random(r, p.Outer*p.Inner)
			bottom := upload(t, dev, in)
			top, err := dev.NewBuffer(p.Count())
			require.NoError(t, err)
			require.NoError(t, ck.SetArg(0, bottom))
			require.NoError(t, ck.SetArg(1, top))
			global, local := tile.Dispatch(p)
			require.NoError(t, ck.Enqueue(context.Background(), global, local))

			want := make([]float32, 0, p.Count())
			for o := 0; o < p.Outer; o++ {
				for range p.Tiles {
					want = append(want, in[o*p.Inner:(o+1)*p.Inner]...)
				}
			}
			assert.Equal(t, want, read(t, top))
			for _, w := range top.(*sim.Buffer).Writes() {
				require.Equal(t, 1, w)
			}
		})
	}
}

func BenchmarkForward(b *testing.B) {
	g := geom([]int{8, 16, 16}, []int{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1}, 16, 1)
	p := conv.Params{Name: "bench_forward", Geometry: g, Tiling: tiling.Small(), Bias: true}
	ref, err := cpu.NewConv(g, parallel.DefaultConfig())
	require.NoError(b, err)

	dev := sim.New(sim.Options{})
	k, err := conv.Generate(p)
	require.NoError(b, err)
	ck, err := dev.Compile(context.Background(), backend.Source{Name: k.Name, Kernel: k})
	require.NoError(b, err)

	r := rand.New(rand.NewPCG(1, 2))
	bufs := []backend.Buffer{}
	for _, n := range []int{ref.InputCount(), ref.WeightCount(), ref.OutputCount(), g.NumOutput} {
		buf, err := dev.NewBuffer(n)
		require.NoError(b, err)
		require.NoError(b, buf.Write(random(r, n)))
		bufs = append(bufs, buf)
	}
	for i, buf := range bufs {
		require.NoError(b, ck.SetArg(i, buf))
	}
	global, local, err := conv.Dispatch(p, 1)
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := ck.Enqueue(context.Background(), global, local); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkForwardCPU(b *testing.B) {
	g := geom([]int{8, 16, 16}, []int{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1}, 16, 1)
	ref, err := cpu.NewConv(g, parallel.DefaultConfig())
	require.NoError(b, err)
	r := rand.New(rand.NewPCG(1, 2))
	bottom, weight, bias := random(r, ref.InputCount()), random(r, ref.WeightCount()), random(r, 16)
	top := make([]float32, ref.OutputCount())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := ref.Forward(bottom, weight, bias, top, 1); err != nil {
			b.Fatal(err)
		}
	}
}
