package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/convkernel/backend"
	"github.com/born-ml/convkernel/nn"
)

type sourcer interface {
	KernelSource(name string, d backend.Dialect) (string, error)
}

func cmdGen(args []string, stdout, stderr io.Writer) error {
	var c common
	fs := newFlagSet("gen", &c, stderr)
	layer := fs.String("layer", "", "only this layer")
	dialect := fs.String("dialect", "opencl", "source dialect: opencl or wgsl")
	entry := fs.String("name", "", "entry point name, requires -layer")
	out := fs.String("o", "", "write to file instead of stdout")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	d, err := backend.ParseDialect(*dialect)
	if err != nil {
		return err
	}
	if *entry != "" && *layer == "" {
		fmt.Fprintln(stderr, "gen: -name requires -layer")
		return errUsage
	}
	net, err := buildNet(&c)
	if err != nil {
		return err
	}
	layers, err := selectLayers(net, *layer)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, l := range layers {
		s, ok := l.(sourcer)
		if !ok {
			continue
		}
		src, err := s.KernelSource(*entry, d)
		if err != nil {
			return err
		}
		fmt.Fprintf(&buf, "// layer %s (%s)\n%s\n", l.Name(), l.Type(), src)
	}
	if *out == "" {
		_, err = stdout.Write(buf.Bytes())
		return err
	}
	return os.WriteFile(*out, buf.Bytes(), 0o644)
}

func cmdDefs(args []string, stdout, stderr io.Writer) error {
	var c common
	fs := newFlagSet("defs", &c, stderr)
	layer := fs.String("layer", "", "only this layer")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	net, err := buildNet(&c)
	if err != nil {
		return err
	}
	layers, err := selectLayers(net, *layer)
	if err != nil {
		return err
	}
	for _, l := range layers {
		cv, ok := l.(*nn.Convolution)
		if !ok {
			continue
		}
		fmt.Fprintf(stdout, "# %s %s\n%s", l.Name(), cv.Fingerprint(), cv.Definitions())
	}
	return nil
}

// buildNet sets up the net on the host so geometry and definitions resolve
// without a device.
func buildNet(c *common) (*nn.Net, error) {
	p, err := c.load()
	if err != nil {
		return nil, err
	}
	return nn.NewNet(p, nn.WithLogger(c.logger()))
}
