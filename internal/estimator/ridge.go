package estimator

import "math"

// ridgeFit solves the L2-penalized least squares problem
// (X'X + lambda*I) beta = X'y with an unpenalized intercept term.
// Returns ok=false when the normal equations are singular even after
// regularization, in which case the caller falls back to stratum means.
func ridgeFit(x [][]float64, y []float64, lambda float64) (beta []float64, ok bool) {
	n := len(x)
	if n == 0 || n != len(y) {
		return nil, false
	}
	p := len(x[0]) + 1 // leading intercept

	// Build normal equations with an augmented design [1 | X].
	a := make([][]float64, p)
	b := make([]float64, p)
	for i := range a {
		a[i] = make([]float64, p)
	}

	for r := 0; r < n; r++ {
		row := make([]float64, p)
		row[0] = 1
		copy(row[1:], x[r])
		for i := 0; i < p; i++ {
			for j := 0; j < p; j++ {
				a[i][j] += row[i] * row[j]
			}
			b[i] += row[i] * y[r]
		}
	}

	// Penalize slopes only.
	for i := 1; i < p; i++ {
		a[i][i] += lambda
	}

	return solveLinear(a, b)
}

// ridgePredict evaluates a fitted model at one covariate vector.
func ridgePredict(beta []float64, x []float64) float64 {
	pred := beta[0]
	for i, v := range x {
		if i+1 < len(beta) {
			pred += beta[i+1] * v
		}
	}
	return pred
}

// solveLinear solves a*x = b by Gaussian elimination with partial
// pivoting. a and b are clobbered.
func solveLinear(a [][]float64, b []float64) ([]float64, bool) {
	p := len(a)

	for col := 0; col < p; col++ {
		// Pivot
		pivot := col
		for r := col + 1; r < p; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		// Eliminate below
		for r := col + 1; r < p; r++ {
			factor := a[r][col] / a[col][col]
			for c := col; c < p; c++ {
				a[r][c] -= factor * a[col][c]
			}
			b[r] -= factor * b[col]
		}
	}

	// Back substitution
	x := make([]float64, p)
	for r := p - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < p; c++ {
			sum -= a[r][c] * x[c]
		}
		x[r] = sum / a[r][r]
	}

	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
	}
	return x, true
}
