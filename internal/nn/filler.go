package nn

import (
	"math"
	"math/rand/v2"
)

// Xavier fills data with values drawn uniformly from [-bound, bound] where
//
//	bound = sqrt(6 / (fanIn + fanOut))
//
// keeping activation variance roughly constant across layers.
func Xavier(data []float32, fanIn, fanOut int, r *rand.Rand) {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range data {
		data[i] = float32((r.Float64()*2.0 - 1.0) * bound)
	}
}
