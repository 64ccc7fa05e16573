package tensor

// MatVec computes out[r] = w[r*cols:(r+1)*cols] · in for every row r.
// Rows are independent and are split across the pool.
func MatVec(p *Pool, w *Tensor, out, in []float32, rows, cols int) {
	MatMul(p, w, out, in, 1, rows, cols)
}

// MatMul applies w to n input vectors laid out back to back in in, writing
// out[t*rows+r]. Each worker sweeps its rows once for all n inputs.
func MatMul(p *Pool, w *Tensor, out, in []float32, n, rows, cols int) {
	if w.size < rows*cols {
		panic("tensor: matmul weight too small for shape")
	}
	if n == 0 || rows == 0 {
		return
	}
	_ = out[n*rows-1]
	_ = in[n*cols-1]
	p.Parallel(rows, func(start, end int) {
		for r := start; r < end; r++ {
			off := r * cols
			for t := range n {
				out[t*rows+r] = w.DotF32(off, in[t*cols:(t+1)*cols])
			}
		}
	})
}
