package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFor(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		n    int
	}{
		{"default", DefaultConfig(), 1000},
		{"sequential", Config{Enabled: false}, 100},
		{"below chunk size", DefaultConfig(), DefaultConfig().MinChunkSize - 1},
		{"zero workers", Config{Enabled: true, MinChunkSize: 1}, 37},
		{"one chunk per item", Config{Enabled: true, NumWorkers: 64, MinChunkSize: 1}, 5},
		{"empty", DefaultConfig(), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen := make([]int32, tt.n)
			For(tt.n, func(i int) {
				atomic.AddInt32(&seen[i], 1)
			}, tt.cfg)
			for i, c := range seen {
				assert.Equal(t, int32(1), c, "index %d", i)
			}
		})
	}
}

func TestForBatch(t *testing.T) {
	outer, inner := 4, 8
	var hits [4][8]int32
	ForBatch(outer, inner, func(o, i int) {
		atomic.AddInt32(&hits[o][i], 1)
	}, Config{Enabled: true, NumWorkers: 3, MinChunkSize: 1})

	for o := range hits {
		for i := range hits[o] {
			assert.Equal(t, int32(1), hits[o][i], "[%d][%d]", o, i)
		}
	}
}

func TestSequential(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	seq := cfg.Sequential()
	assert.False(t, seq.Enabled)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, cfg.NumWorkers, seq.NumWorkers)
}

func BenchmarkFor(b *testing.B) {
	cfg := DefaultConfig()
	n := 10000

	b.Run("parallel", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var sum int64
			For(n, func(i int) {
				atomic.AddInt64(&sum, int64(i))
			}, cfg)
		}
	})

	b.Run("sequential", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var sum int64
			For(n, func(i int) {
				atomic.AddInt64(&sum, int64(i))
			}, cfg.Sequential())
		}
	})
}
