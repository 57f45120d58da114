package backend_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/convkernel/internal/backend"
	"github.com/born-ml/convkernel/internal/backend/sim"
	"github.com/born-ml/convkernel/internal/kernel/ir"
	"github.com/born-ml/convkernel/internal/kernel/tile"
)

func tileBuilder(calls *atomic.Int32) backend.Builder {
	return func() (*ir.Kernel, error) {
		calls.Add(1)
		return tile.Generate("tile_forward", tile.Params{Outer: 1, Inner: 4, Tiles: 2, AxisDim: 1})
	}
}

func quiet() backend.Option {
	return backend.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDialect(t *testing.T) {
	for _, d := range []backend.Dialect{backend.OpenCL, backend.WGSL} {
		got, err := backend.ParseDialect(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	d, err := backend.ParseDialect("cl")
	require.NoError(t, err)
	assert.Equal(t, backend.OpenCL, d)
	_, err = backend.ParseDialect("cuda")
	assert.Error(t, err)
	assert.Equal(t, "dialect(7)", backend.Dialect(7).String())
}

func TestRender(t *testing.T) {
	k, err := tile.Generate("tile_forward", tile.Params{Outer: 1, Inner: 4, Tiles: 2, AxisDim: 1})
	require.NoError(t, err)

	cl, err := backend.Render(backend.OpenCL, k)
	require.NoError(t, err)
	assert.Contains(t, cl, "__kernel")
	assert.Contains(t, cl, "tile_forward")

	wg, err := backend.Render(backend.WGSL, k)
	require.NoError(t, err)
	assert.Contains(t, wg, "@compute")

	_, err = backend.Render(backend.Dialect(9), k)
	assert.Error(t, err)
}

func TestContext_CachesKernels(t *testing.T) {
	ctx := context.Background()
	c := backend.NewContext(sim.New(sim.Options{}), quiet())
	defer c.Close()

	var calls atomic.Int32
	k1, err := c.Kernel(ctx, "tile:a", tileBuilder(&calls))
	require.NoError(t, err)
	k2, err := c.Kernel(ctx, "tile:a", tileBuilder(&calls))
	require.NoError(t, err)
	assert.Same(t, k1, k2)
	assert.Equal(t, int32(1), calls.Load())

	_, err = c.Kernel(ctx, "tile:b", tileBuilder(&calls))
	require.NoError(t, err)

	s := c.Stats()
	assert.Equal(t, 2, s.Compiles)
	assert.Equal(t, 1, s.Hits)
	assert.Equal(t, 2, s.Kernels)
}

func TestContext_ConcurrentFirstUse(t *testing.T) {
	ctx := context.Background()
	c := backend.NewContext(sim.New(sim.Options{}), quiet())
	defer c.Close()

	var calls atomic.Int32
	var wg sync.WaitGroup
	kernels := make([]backend.Kernel, 16)
	for i := range kernels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := c.Kernel(ctx, "tile:shared", tileBuilder(&calls))
			assert.NoError(t, err)
			kernels[i] = k
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, k := range kernels {
		assert.Same(t, kernels[0], k)
	}
	assert.Equal(t, 1, c.Stats().Compiles)
}

// ctxDevice fails compilation when the compile context is done.
type ctxDevice struct{ *sim.Device }

func (d ctxDevice) Compile(ctx context.Context, src backend.Source) (backend.Kernel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Device.Compile(ctx, src)
}

func TestContext_CompileOutlivesFirstCaller(t *testing.T) {
	c := backend.NewContext(ctxDevice{sim.New(sim.Options{})}, quiet())
	defer c.Close()

	started, release := make(chan struct{}), make(chan struct{})
	build := func() (*ir.Kernel, error) {
		close(started)
		<-release
		return tile.Generate("tile_forward", tile.Params{Outer: 1, Inner: 4, Tiles: 2, AxisDim: 1})
	}
	first, cancel := context.WithCancel(context.Background())
	var (
		wg           sync.WaitGroup
		firstK, next backend.Kernel
		firstErr     error
		nextErr      error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		firstK, firstErr = c.Kernel(first, "tile:slow", build)
	}()
	<-started
	go func() {
		defer wg.Done()
		next, nextErr = c.Kernel(context.Background(), "tile:slow", func() (*ir.Kernel, error) {
			return nil, errors.New("second build")
		})
	}()
	cancel()
	close(release)
	wg.Wait()

	require.NoError(t, firstErr)
	require.NoError(t, nextErr)
	assert.Same(t, firstK, next)
	assert.Equal(t, 1, c.Stats().Compiles)
}

func TestContext_BuildErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	c := backend.NewContext(sim.New(sim.Options{}), quiet())
	defer c.Close()

	boom := errors.New("boom")
	_, err := c.Kernel(ctx, "k", func() (*ir.Kernel, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	var calls atomic.Int32
	_, err = c.Kernel(ctx, "k", tileBuilder(&calls))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestContext_CompileError(t *testing.T) {
	ctx := context.Background()
	c := backend.NewContext(sim.New(sim.Options{}), quiet())
	defer c.Close()

	bad := func() (*ir.Kernel, error) {
		return &ir.Kernel{
			Name:      "bad",
			Params:    []ir.Param{{Name: "out", Writable: true}},
			WorkGroup: [3]int{1, 1, 1},
			Body:      []ir.Stmt{ir.Assign{LHS: ir.At(ir.Ref("out"), ir.Ref("missing")), RHS: ir.Float(0)}},
		}, nil
	}
	_, err := c.Kernel(ctx, "bad", bad)
	var ce *backend.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "bad", ce.Kernel)
	assert.Contains(t, ce.Error(), "compile bad")
	assert.Equal(t, 0, c.Stats().Kernels)
}

func TestContext_Launch(t *testing.T) {
	ctx := context.Background()
	dev := sim.New(sim.Options{})
	c := backend.NewContext(dev, quiet())
	defer c.Close()

	p := tile.Params{Outer: 1, Inner: 3, Tiles: 2, AxisDim: 1}
	k, err := c.Kernel(ctx, p.Fingerprint("t"), func() (*ir.Kernel, error) { return tile.Generate("t", p) })
	require.NoError(t, err)

	in, err := dev.NewBuffer(3)
	require.NoError(t, err)
	require.NoError(t, in.Write([]float32{1, 2, 3}))
	out, err := dev.NewBuffer(6)
	require.NoError(t, err)

	global, local := tile.Dispatch(p)
	require.NoError(t, c.Launch(ctx, k, []backend.Buffer{in, out}, global, local))
	got := make([]float32, 6)
	require.NoError(t, out.Read(got))
	assert.Equal(t, []float32{1, 2, 3, 1, 2, 3}, got)
	assert.Equal(t, 1, c.Stats().Launches)

	err = c.Launch(ctx, k, []backend.Buffer{in, out}, [3]int{100, 1, 1}, local)
	var ee *backend.EnqueueError
	require.ErrorAs(t, err, &ee)
	assert.ErrorIs(t, err, backend.ErrWorkGroupSize)
	assert.Equal(t, 1, c.Stats().Launches)
}

func TestContext_Close(t *testing.T) {
	ctx := context.Background()
	c := backend.NewContext(sim.New(sim.Options{}), quiet())

	var calls atomic.Int32
	_, err := c.Kernel(ctx, "k", tileBuilder(&calls))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Kernel(ctx, "k", tileBuilder(&calls))
	assert.ErrorIs(t, err, backend.ErrReleased)
	assert.Equal(t, 0, c.Stats().Kernels)

	_, err = c.Device().NewBuffer(1)
	assert.ErrorIs(t, err, backend.ErrReleased)
}

func TestErrors(t *testing.T) {
	inner := errors.New("inner")
	tests := []struct {
		err  error
		text string
	}{
		{&backend.CompileError{Kernel: "k", Err: inner}, "compile k: inner"},
		{&backend.CompileError{Kernel: "k", Log: "line 3", Err: inner}, "compile k: inner\nline 3"},
		{&backend.ArgumentError{Kernel: "k", Index: 2, Err: inner}, "set argument 2 of k: inner"},
		{&backend.EnqueueError{Kernel: "k", Global: [3]int{4, 1, 1}, Local: [3]int{2, 1, 1}, Err: inner},
			"enqueue k global=[4 1 1] local=[2 1 1]: inner"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.text, tt.err.Error())
		assert.ErrorIs(t, tt.err, inner)
	}
}
