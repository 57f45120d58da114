package conv

// Dispatch returns the NDRange of the forward kernel for a batch of samples.
// Dimension 0 covers the N tiles, dimension 1 the M tiles, and dimension 2
// enumerates every (sample, group) pair.
func Dispatch(p Params, batch int) (global, local [3]int, err error) {
	gemm, err := Shape(p.Geometry)
	if err != nil {
		return global, local, err
	}
	t := p.Tiling
	local = [3]int{t.RTSN, t.RTSM, 1}
	global = [3]int{
		ceilDiv(gemm.N, t.TSN()) * t.RTSN,
		ceilDiv(gemm.M, t.TSM()) * t.RTSM,
		batch * p.Geometry.Groups,
	}
	return global, local, nil
}

func ceilDiv(a, b int) int {
	return (a-1)/b + 1
}
