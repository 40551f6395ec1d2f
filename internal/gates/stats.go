package gates

import (
	"math"
	"sort"
)

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// twoSidedP converts a z statistic into a two-sided p-value.
func twoSidedP(z float64) float64 {
	return 2 * (1 - normalCDF(math.Abs(z)))
}

// firstStageF regresses the treatment indicator on a single instrument
// by OLS and returns the F-statistic of the slope. This is the standard
// weak-instrument diagnostic: F below ~10 means the instrument barely
// moves treatment.
func firstStageF(instrument, treatment []float64) (float64, bool) {
	n := len(instrument)
	if n < 3 || n != len(treatment) {
		return 0, false
	}

	mz := mean(instrument)
	mt := mean(treatment)

	sxx, sxy := 0.0, 0.0
	for i := 0; i < n; i++ {
		dz := instrument[i] - mz
		sxx += dz * dz
		sxy += dz * (treatment[i] - mt)
	}
	if sxx == 0 {
		return 0, false // constant instrument
	}

	slope := sxy / sxx
	intercept := mt - slope*mz

	rss, tss := 0.0, 0.0
	for i := 0; i < n; i++ {
		pred := intercept + slope*instrument[i]
		r := treatment[i] - pred
		rss += r * r
		d := treatment[i] - mt
		tss += d * d
	}

	ess := tss - rss
	if rss <= 0 {
		// Perfect fit: the residual variance is zero, so report +Inf
		// rather than divide by it.
		return math.Inf(1), true
	}
	f := ess / (rss / float64(n-2))
	return f, true
}

// rosenbaumGamma computes the sensitivity bound gamma* for matched-pair
// outcome differences: the largest gamma on a fixed grid for which the
// Wilcoxon signed-rank upper-bound p-value stays below 0.05. Higher
// gamma* means the treatment effect survives stronger hypothetical
// unmeasured confounding.
func rosenbaumGamma(diffs []float64) (float64, bool) {
	nonzero := diffs[:0:0]
	for _, d := range diffs {
		if d != 0 {
			nonzero = append(nonzero, d)
		}
	}
	n := len(nonzero)
	if n < 5 {
		return 0, false
	}

	// Wilcoxon signed-rank statistic: sum of ranks of positive diffs.
	type rankedDiff struct {
		abs float64
		pos bool
	}
	ranked := make([]rankedDiff, n)
	for i, d := range nonzero {
		ranked[i] = rankedDiff{abs: math.Abs(d), pos: d > 0}
	}
	sort.Slice(ranked, func(a, b int) bool { return ranked[a].abs < ranked[b].abs })

	tPlus := 0.0
	for i, rd := range ranked {
		if rd.pos {
			tPlus += float64(i + 1)
		}
	}

	totalRank := float64(n*(n+1)) / 2

	// Under the gamma-bounded model each pair's sign is positive with
	// probability at most pPlus = gamma/(1+gamma). Normal approximation
	// to the signed-rank null under that bound.
	gammaStar := 0.0
	for gamma := 1.0; gamma <= 5.0+1e-9; gamma += 0.05 {
		pPlus := gamma / (1 + gamma)
		mu := pPlus * totalRank
		sigma2 := pPlus * (1 - pPlus) * float64(n*(n+1)*(2*n+1)) / 6
		if sigma2 <= 0 {
			break
		}
		z := (tPlus - mu) / math.Sqrt(sigma2)
		pUpper := 1 - normalCDF(z)
		if pUpper < 0.05 {
			gammaStar = gamma
		} else {
			break
		}
	}
	return gammaStar, true
}

// mccraryP is a simplified McCrary density test: it compares observation
// counts in symmetric bands on either side of the cutoff. Under no
// manipulation the side of the cutoff is a fair coin for units inside
// the band; a lopsided count is evidence of sorting.
func mccraryP(running []float64, cutoff float64) (float64, bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range running {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if !(lo < cutoff && cutoff < hi) {
		return 0, false // cutoff outside support
	}

	h := (hi - lo) / 10
	if h <= 0 {
		return 0, false
	}

	left, right := 0, 0
	for _, v := range running {
		switch {
		case v >= cutoff-h && v < cutoff:
			left++
		case v >= cutoff && v <= cutoff+h:
			right++
		}
	}
	total := left + right
	if total < 10 {
		return 0, false // band too thin to test
	}

	z := float64(right-left) / math.Sqrt(float64(total))
	return twoSidedP(z), true
}

// moranP computes Moran's I on residuals with inverse-distance weights
// and returns the two-sided p-value under the normality approximation.
func moranP(lat, lon, residuals []float64) (iStat, p float64, ok bool) {
	n := len(residuals)
	if n < 10 || n != len(lat) || n != len(lon) {
		return 0, 0, false
	}

	m := mean(residuals)
	dev := make([]float64, n)
	denom := 0.0
	for i, r := range residuals {
		dev[i] = r - m
		denom += dev[i] * dev[i]
	}
	if denom == 0 {
		return 0, 0, false // zero-variance residuals
	}

	// Inverse-distance weights; rowSums for S1/S2 moments.
	w := make([][]float64, n)
	s0 := 0.0
	for i := range w {
		w[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			dLat := lat[i] - lat[j]
			dLon := lon[i] - lon[j]
			d := math.Sqrt(dLat*dLat + dLon*dLon)
			if d < 1e-9 {
				d = 1e-9
			}
			w[i][j] = 1 / d
			s0 += w[i][j]
		}
	}
	if s0 == 0 {
		return 0, 0, false
	}

	num := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			num += w[i][j] * dev[i] * dev[j]
		}
	}
	iStat = (float64(n) / s0) * (num / denom)

	// Moments under the normality assumption.
	expected := -1.0 / float64(n-1)

	s1 := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sum := w[i][j] + w[j][i]
			s1 += sum * sum
		}
	}
	s1 /= 2

	s2 := 0.0
	for i := 0; i < n; i++ {
		rowPlusCol := 0.0
		for j := 0; j < n; j++ {
			rowPlusCol += w[i][j] + w[j][i]
		}
		s2 += rowPlusCol * rowPlusCol
	}

	nf := float64(n)
	varI := (nf*nf*s1-nf*s2+3*s0*s0)/((nf*nf-1)*s0*s0) - expected*expected
	if varI <= 0 {
		return iStat, 0, false
	}

	z := (iStat - expected) / math.Sqrt(varI)
	return iStat, twoSidedP(z), true
}

func mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}
