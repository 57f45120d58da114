// Package parallel fans loops out over goroutines for the host code paths.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution.
type Config struct {
	Enabled      bool // run chunks on separate goroutines
	NumWorkers   int  // upper bound on goroutines, NumCPU when zero
	MinChunkSize int  // below this many items the loop runs inline
}

// DefaultConfig returns a configuration sized to the machine.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 64,
	}
}

// Sequential returns a copy of c with parallelism disabled. Nested loops
// use it so only the outermost level fans out.
func (c Config) Sequential() Config {
	c.Enabled = false
	return c
}

// For calls f(i) for every i in [0, n). Calls for distinct i may run
// concurrently; For returns after all of them finished.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || n < cfg.MinChunkSize || n < 2 {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	workers := cfg.NumWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	var wg sync.WaitGroup
	chunkSize := max((n+workers-1)/workers, cfg.MinChunkSize, 1)
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// ForBatch iterates the outer×inner grid, e.g. samples×tiles, as one loop.
func ForBatch(outer, inner int, f func(o, i int), cfg Config) {
	For(outer*inner, func(k int) {
		f(k/inner, k%inner)
	}, cfg)
}
