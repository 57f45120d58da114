package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/convkernel/internal/backend"
)

// BarrierEvent describes a workgroup that has just passed a barrier.
type BarrierEvent struct {
	Kernel string
	Group  [3]int
	Seq    int                  // barriers passed by this workgroup, starting at 0
	Locals map[string][]float32 // copy of every local array
}

// Kernel is a compiled simulator kernel.
type Kernel struct {
	dev  *Device
	prog *program

	mu       sync.Mutex
	args     []*Buffer
	released bool
}

// Name returns the entry point.
func (k *Kernel) Name() string { return k.prog.name }

// SetArg binds b to argument i. b must come from the same simulator.
func (k *Kernel) SetArg(i int, b backend.Buffer) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return &backend.ArgumentError{Kernel: k.Name(), Index: i, Err: backend.ErrReleased}
	}
	if i < 0 || i >= len(k.args) {
		return &backend.ArgumentError{Kernel: k.Name(), Index: i,
			Err: fmt.Errorf("kernel takes %d arguments", len(k.args))}
	}
	sb, ok := b.(*Buffer)
	if !ok {
		return &backend.ArgumentError{Kernel: k.Name(), Index: i,
			Err: fmt.Errorf("buffer of type %T does not belong to the simulator", b)}
	}
	if sb.released.Load() {
		return &backend.ArgumentError{Kernel: k.Name(), Index: i, Err: backend.ErrReleased}
	}
	k.args[i] = sb
	return nil
}

// Release drops the compiled program.
func (k *Kernel) Release() {
	k.mu.Lock()
	k.released = true
	k.mu.Unlock()
}

// Enqueue runs the kernel and returns once every workgroup finished.
// Workgroups run concurrently up to Options.Workers; the work-items of one
// workgroup run as separate goroutines so barriers behave as on a device.
func (k *Kernel) Enqueue(ctx context.Context, global, local [3]int) error {
	k.mu.Lock()
	args := slices.Clone(k.args)
	released := k.released
	k.mu.Unlock()

	fail := func(err error) error {
		return &backend.EnqueueError{Kernel: k.Name(), Global: global, Local: local, Err: err}
	}
	if released {
		return fail(backend.ErrReleased)
	}
	for i, a := range args {
		if a == nil {
			return &backend.ArgumentError{Kernel: k.Name(), Index: i, Err: errors.New("argument not set")}
		}
		if a.released.Load() {
			return fail(backend.ErrReleased)
		}
	}
	if err := k.checkSizes(global, local); err != nil {
		return fail(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.dev.opts.Workers)
groups:
	for z := 0; z < global[2]/local[2]; z++ {
		for y := 0; y < global[1]/local[1]; y++ {
			for x := 0; x < global[0]/local[0]; x++ {
				if gctx.Err() != nil {
					break groups
				}
				wid := [3]int{x, y, z}
				g.Go(func() error { return k.runGroup(gctx, args, wid, local) })
			}
		}
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	return nil
}

func (k *Kernel) checkSizes(global, local [3]int) error {
	n := 1
	for d := range 3 {
		if local[d] <= 0 || global[d] <= 0 {
			return fmt.Errorf("%w: dimension %d is empty", backend.ErrWorkGroupSize, d)
		}
		if global[d]%local[d] != 0 {
			return fmt.Errorf("%w: global %d is not a multiple of local %d in dimension %d",
				backend.ErrWorkGroupSize, global[d], local[d], d)
		}
		n *= local[d]
	}
	if wg := k.prog.workGroup; wg != [3]int{} && wg != local {
		return fmt.Errorf("%w: kernel requires workgroup %v", backend.ErrWorkGroupSize, wg)
	}
	if limit := k.dev.MaxWorkGroupSize(); n > limit {
		return fmt.Errorf("%w: %d work-items exceed the device limit %d", backend.ErrWorkGroupSize, n, limit)
	}
	return nil
}

// workgroup is the state shared by the work-items of one group.
type workgroup struct {
	id      [3]int
	locals  [][]float32
	bufs    []*Buffer
	barrier *barrier
}

// runGroup executes one workgroup. A canceled ctx stops groups that have not
// started and breaks the barrier of running ones.
func (k *Kernel) runGroup(ctx context.Context, args []*Buffer, wid, local [3]int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := k.prog
	n := local[0] * local[1] * local[2]
	grp := &workgroup{id: wid, bufs: args}
	for _, l := range p.locals {
		grp.locals = append(grp.locals, make([]float32, l.size))
	}
	grp.barrier = newBarrier(ctx, n, k.barrierHook(grp))
	stop := context.AfterFunc(ctx, func() { grp.barrier.interrupt(ctx.Err()) })
	defer stop()

	var wg sync.WaitGroup
	for z := range local[2] {
		for y := range local[1] {
			for x := range local[0] {
				t := &thread{
					grp:      grp,
					ints:     make([]int, p.nInts),
					bools:    make([]bool, p.nBools),
					privates: make([][]float32, len(p.privates)),
					lid:      [3]int{x, y, z},
					wid:      wid,
				}
				for d := range 3 {
					t.gid[d] = wid[d]*local[d] + t.lid[d]
				}
				for i, size := range p.privates {
					t.privates[i] = make([]float32, size)
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					t.run(p.body)
				}()
			}
		}
	}
	wg.Wait()
	return grp.barrier.failure()
}

func (k *Kernel) barrierHook(grp *workgroup) func(seq int) {
	hook := k.dev.opts.OnBarrier
	if hook == nil {
		return nil
	}
	return func(seq int) {
		ev := BarrierEvent{Kernel: k.Name(), Group: grp.id, Seq: seq, Locals: map[string][]float32{}}
		for i, l := range k.prog.locals {
			ev.Locals[l.name] = slices.Clone(grp.locals[i])
		}
		hook(ev)
	}
}

// thread is one work-item.
type thread struct {
	grp      *workgroup
	ints     []int
	bools    []bool
	privates [][]float32
	lid      [3]int
	wid      [3]int
	gid      [3]int
}

func (t *thread) run(body []stmtFn) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(fault)
			if !ok {
				panic(r)
			}
			err = f.err
		}
		t.grp.barrier.exit(err)
	}()
	exec(t, body)
}

func (t *thread) sync() {
	if err := t.grp.barrier.wait(); err != nil {
		panic(fault{err})
	}
}

// barrier is a reusable barrier for a fixed set of work-items. It breaks
// when a work-item faults or finishes while others wait, so no work-item
// blocks forever.
type barrier struct {
	ctx     context.Context
	mu      sync.Mutex
	cond    *sync.Cond
	n       int
	waiting int
	exited  int
	gen     int
	err     error
	onPass  func(seq int)
}

func newBarrier(ctx context.Context, n int, onPass func(int)) *barrier {
	b := &barrier{ctx: ctx, n: n, onPass: onPass}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	if err := b.ctx.Err(); err != nil {
		b.breakWith(err)
		return b.err
	}
	if b.exited > 0 {
		b.breakWith(backend.ErrBarrierDivergence)
		return b.err
	}
	b.waiting++
	if b.waiting == b.n {
		if b.onPass != nil {
			b.onPass(b.gen)
		}
		b.waiting = 0
		b.gen++
		b.cond.Broadcast()
		return nil
	}
	gen := b.gen
	for gen == b.gen && b.err == nil {
		b.cond.Wait()
	}
	if gen != b.gen {
		return nil
	}
	return b.err
}

func (b *barrier) exit(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exited++
	switch {
	case err != nil:
		b.breakWith(err)
	case b.waiting > 0:
		b.breakWith(backend.ErrBarrierDivergence)
	}
}

// interrupt breaks the barrier from outside the workgroup.
func (b *barrier) interrupt(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breakWith(err)
}

func (b *barrier) breakWith(err error) {
	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
}

func (b *barrier) failure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func countWrite(w *int32) { atomic.AddInt32(w, 1) }
