package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"time"

	"github.com/born-ml/convkernel/backend"
	"github.com/born-ml/convkernel/backend/sim"
	"github.com/born-ml/convkernel/backend/webgpu"
	"github.com/born-ml/convkernel/nn"
)

func cmdRun(args []string, stdout, stderr io.Writer) error {
	var c common
	fs := newFlagSet("run", &c, stderr)
	device := fs.String("device", "sim", "device: sim, webgpu or cpu")
	seed := fs.Uint64("seed", 1, "seed for the weight filler")
	inputSeed := fs.Uint64("input-seed", 1, "seed for the random input")
	batch := fs.Int("batch", 0, "override the input batch size")
	check := fs.Bool("check", true, "compare with the host reference")
	tol := fs.Float64("tol", 1e-3, "largest accepted absolute difference")
	weights := fs.String("weights", "", "load parameters from a SafeTensors file")
	save := fs.String("save", "", "save parameters to a SafeTensors file")
	half := fs.Bool("half", false, "save parameters as F16")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	p, err := c.load()
	if err != nil {
		return err
	}
	if *batch > 0 {
		p.Input[0] = *batch
	}
	log := c.logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := []nn.Option{nn.WithSeed(*seed), nn.WithLogger(log)}
	var bc *backend.Context
	switch *device {
	case "cpu":
	case "sim":
		bc = backend.NewContext(sim.New(sim.Options{}), backend.WithLogger(log))
	case "webgpu":
		dev, err := webgpu.New(webgpu.Options{})
		if err != nil {
			return err
		}
		bc = backend.NewContext(dev, backend.WithLogger(log))
	default:
		return fmt.Errorf("unknown device %q", *device)
	}
	if bc != nil {
		defer bc.Close()
		opts = append(opts, nn.WithContext(bc))
	}

	net, err := nn.NewNet(p, opts...)
	if err != nil {
		return err
	}
	if *weights != "" {
		if err := net.LoadWeightsFile(*weights); err != nil {
			return err
		}
	}
	if *save != "" {
		dt := nn.WeightsF32
		if *half {
			dt = nn.WeightsF16
		}
		if err := net.SaveWeightsFile(*save, dt); err != nil {
			return err
		}
	}
	input, err := fill(net, *inputSeed)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := net.Forward(ctx); err != nil {
		return err
	}
	elapsed := time.Since(start)
	out, err := net.Output().CPUData()
	if err != nil {
		return err
	}
	sum, abs := checksum(out)
	fmt.Fprintf(stdout, "net:      %s\n", net.Name())
	fmt.Fprintf(stdout, "device:   %s\n", *device)
	fmt.Fprintf(stdout, "output:   %v\n", net.Output().Shape())
	fmt.Fprintf(stdout, "checksum: sum=%.6g abs=%.6g\n", sum, abs)
	fmt.Fprintf(stdout, "elapsed:  %v\n", elapsed)
	if bc != nil {
		st := bc.Stats()
		fmt.Fprintf(stdout, "kernels:  %d compiled, %d cache hits, %d launches\n", st.Compiles, st.Hits, st.Launches)
	}

	if !*check || bc == nil {
		return nil
	}
	host, err := nn.NewNet(p, nn.WithSeed(*seed), nn.WithLogger(log))
	if err != nil {
		return err
	}
	if *weights != "" {
		if err := host.LoadWeightsFile(*weights); err != nil {
			return err
		}
	}
	dst, err := host.Input().MutableCPUData()
	if err != nil {
		return err
	}
	copy(dst, input)
	if err := host.Forward(ctx); err != nil {
		return err
	}
	want, err := host.Output().CPUData()
	if err != nil {
		return err
	}
	diff := maxAbsDiff(out, want)
	fmt.Fprintf(stdout, "max_abs_diff: %.3g\n", diff)
	if diff > *tol {
		return fmt.Errorf("output differs from host reference by %.3g (tolerance %.3g)", diff, *tol)
	}
	return nil
}

// fill writes uniform values in [-1, 1) to the net input and returns a copy.
func fill(net *nn.Net, seed uint64) ([]float32, error) {
	r := rand.New(rand.NewPCG(seed, 0))
	d, err := net.Input().MutableCPUData()
	if err != nil {
		return nil, err
	}
	for i := range d {
		d[i] = r.Float32()*2 - 1
	}
	return append([]float32(nil), d...), nil
}

func checksum(v []float32) (sum, abs float64) {
	for _, x := range v {
		sum += float64(x)
		abs += math.Abs(float64(x))
	}
	return sum, abs
}

func maxAbsDiff(a, b []float32) float64 {
	var m float64
	for i := range a {
		if d := math.Abs(float64(a[i] - b[i])); d > m {
			m = d
		}
	}
	return m
}
