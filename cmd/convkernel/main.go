// Command convkernel generates tiled convolution kernels for the layers of a
// YAML net description and runs them against the host reference.
//
// Usage:
//
//	convkernel gen  -net net.yaml [-layer conv1] [-dialect opencl|wgsl] [-name entry] [-o file]
//	convkernel defs -net net.yaml [-layer conv1]
//	convkernel run  -net net.yaml [-device sim|webgpu|cpu] [-seed 1] [-input-seed 1] [-batch 0] [-check] [-tol 1e-3]
//	                [-weights in.safetensors] [-save out.safetensors [-half]]
//	convkernel version
//
// Every command accepts -v for debug logging on stderr.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/born-ml/convkernel/nn"
)

const version = "v0.1.0-dev"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs one command and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	var err error
	switch args[0] {
	case "version":
		fmt.Fprintf(stdout, "convkernel %s\n", version)
		return 0
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	case "gen":
		err = cmdGen(args[1:], stdout, stderr)
	case "defs":
		err = cmdDefs(args[1:], stdout, stderr)
	case "run":
		err = cmdRun(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "convkernel: unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		fmt.Fprintf(stderr, "convkernel: %v\n", err)
		return 1
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "convkernel %s - tiled convolution kernel generator\n\n", version)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  gen       print generated kernel source")
	fmt.Fprintln(w, "  defs      print the definition table of each convolution")
	fmt.Fprintln(w, "  run       run a net on a device and compare with the host")
	fmt.Fprintln(w, "  version   show version")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Run 'convkernel <command> -h' for flags.")
}

var errUsage = errors.New("usage")

// common holds the flags every command shares.
type common struct {
	net     string
	verbose bool
	stderr  io.Writer
}

func newFlagSet(name string, c *common, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&c.net, "net", "", "YAML net description (required)")
	fs.BoolVar(&c.verbose, "v", false, "debug logging")
	c.stderr = stderr
	return fs
}

// parse parses args and checks the shared flags.
func (c *common) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(c.stderr, "%s: unexpected arguments %v\n", fs.Name(), fs.Args())
		return errUsage
	}
	if c.net == "" {
		fmt.Fprintf(c.stderr, "%s: -net is required\n", fs.Name())
		return errUsage
	}
	return nil
}

func (c *common) logger() *slog.Logger {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level}))
}

func (c *common) load() (*nn.NetParameter, error) {
	return nn.LoadNet(c.net)
}

// selectLayers returns the layers of net named by name, or all of them.
func selectLayers(net *nn.Net, name string) ([]nn.Layer, error) {
	if name == "" {
		return net.Layers(), nil
	}
	l, ok := net.Layer(name)
	if !ok {
		return nil, fmt.Errorf("net %q has no layer %q", net.Name(), name)
	}
	return []nn.Layer{l}, nil
}
