package backend

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/born-ml/convkernel/internal/kernel/ir"
)

// Builder produces the kernel for a fingerprint on first use.
type Builder func() (*ir.Kernel, error)

// Stats counts registry activity.
type Stats struct {
	Compiles int // kernels built and compiled
	Hits     int // lookups served from the registry
	Launches int
	Kernels  int // kernels currently registered
}

// Context wraps one Device and the kernels compiled for it. Kernels are
// keyed by fingerprint and compiled once; concurrent first requests for the
// same fingerprint share one compilation. Launches are serialized because
// binding arguments and enqueueing must not interleave on a shared kernel.
type Context struct {
	dev Device
	log *slog.Logger

	mu      sync.Mutex
	kernels map[string]Kernel
	stats   Stats
	closed  bool

	launchMu sync.Mutex
	group    singleflight.Group
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) { c.log = l }
}

// NewContext returns a context owning dev.
func NewContext(dev Device, opts ...Option) *Context {
	c := &Context{
		dev:     dev,
		log:     slog.Default(),
		kernels: make(map[string]Kernel),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("device", dev.Name())
	return c
}

// Device returns the wrapped device.
func (c *Context) Device() Device { return c.dev }

// Kernel returns the kernel registered under fingerprint, building and
// compiling it with build on first use. Build or compile failures are not
// cached; the next call retries.
func (c *Context) Kernel(ctx context.Context, fingerprint string, build Builder) (Kernel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrReleased
	}
	if k, ok := c.kernels[fingerprint]; ok {
		c.stats.Hits++
		c.mu.Unlock()
		c.log.Debug("kernel cache hit", "kernel", k.Name())
		return k, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		c.mu.Lock()
		if k, ok := c.kernels[fingerprint]; ok {
			c.mu.Unlock()
			return k, nil
		}
		c.mu.Unlock()

		// Waiters share this compile, so it must not end with the first caller.
		k, err := c.compile(context.WithoutCancel(ctx), build)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			k.Release()
			return nil, ErrReleased
		}
		c.kernels[fingerprint] = k
		c.stats.Compiles++
		return k, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Kernel), nil
}

func (c *Context) compile(ctx context.Context, build Builder) (Kernel, error) {
	k, err := build()
	if err != nil {
		return nil, err
	}
	text, err := Render(c.dev.Dialect(), k)
	if err != nil {
		return nil, &CompileError{Kernel: k.Name, Err: err}
	}
	c.log.Debug("compiling kernel", "kernel", k.Name, "dialect", c.dev.Dialect(), "bytes", len(text))
	compiled, err := c.dev.Compile(ctx, Source{Name: k.Name, Text: text, Kernel: k})
	if err != nil {
		c.log.Error("kernel compilation failed", "kernel", k.Name, "err", err)
		return nil, err
	}
	return compiled, nil
}

// Launch binds args in order and enqueues k.
func (c *Context) Launch(ctx context.Context, k Kernel, args []Buffer, global, local [3]int) error {
	c.launchMu.Lock()
	defer c.launchMu.Unlock()

	for i, b := range args {
		if err := k.SetArg(i, b); err != nil {
			return err
		}
	}
	c.log.Debug("launching kernel", "kernel", k.Name(), "global", global, "local", local)
	if err := k.Enqueue(ctx, global, local); err != nil {
		return err
	}

	c.mu.Lock()
	c.stats.Launches++
	c.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the registry counters.
func (c *Context) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Kernels = len(c.kernels)
	return s
}

// Close releases every registered kernel and then the device.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for fp, k := range c.kernels {
		k.Release()
		delete(c.kernels, fp)
	}
	c.dev.Release()
	return nil
}
