package scenario

import (
	"context"
	"math/rand"
	"sort"

	"github.com/openlift/openlift/internal/api"
	"github.com/openlift/openlift/internal/frame"
)

// SimulationParams bundles one simulation request.
type SimulationParams struct {
	Frame   *frame.Frame
	Mapping *api.ColumnMapping
	Spec    *api.ScenarioSpec
	Method  api.EstimatorMethod
}

// Simulator produces a pair of scenario estimates for bootstrap and
// tornado-style sweeps. The single method replaces ad-hoc simulation
// callables: every caller supplies a concrete adapter, and randomness
// flows through the explicit rng.
type Simulator interface {
	Simulate(params SimulationParams, bootstrap bool, rng *rand.Rand) (s0, s1 api.EstimateResult, err error)
}

// ComparatorSimulator adapts a Comparator to the Simulator interface.
// With bootstrap=true it resamples rows with replacement before
// estimating, so repeated calls trace out the sampling distribution.
type ComparatorSimulator struct {
	Comparator *Comparator
}

// Simulate runs one (possibly resampled) S0/S1 estimation.
func (cs *ComparatorSimulator) Simulate(params SimulationParams, bootstrap bool, rng *rand.Rand) (api.EstimateResult, api.EstimateResult, error) {
	f := params.Frame
	if bootstrap {
		n := f.Rows()
		indices := make([]int, n)
		for i := range indices {
			indices[i] = rng.Intn(n)
		}
		resampled, err := f.Sample(indices)
		if err != nil {
			return api.EstimateResult{}, api.EstimateResult{}, err
		}
		f = resampled
	}

	result, err := cs.Comparator.Compare(context.Background(), f, params.Mapping, params.Spec, params.Method, rng)
	if err != nil {
		return api.EstimateResult{}, api.EstimateResult{}, err
	}
	return result.S0, result.S1, nil
}

// BootstrapDelta estimates the delta CI by joint resampling: unlike the
// linear-difference approximation in Compare, S0 and S1 are evaluated
// on the same resample each iteration, so their covariance is captured.
func BootstrapDelta(sim Simulator, params SimulationParams, resamples int, rng *rand.Rand) (api.Interval, error) {
	if resamples < 1 {
		resamples = 1000
	}

	deltas := make([]float64, 0, resamples)
	for b := 0; b < resamples; b++ {
		s0, s1, err := sim.Simulate(params, true, rng)
		if err != nil {
			return api.Interval{}, err
		}
		if !s0.Defined() || !s1.Defined() {
			continue // degenerate resample
		}
		deltas = append(deltas, s1.Mean-s0.Mean)
	}

	if len(deltas) == 0 {
		return api.Interval{}, &api.ValidationError{Field: "bootstrap", Message: "every resample was degenerate"}
	}

	sort.Float64s(deltas)
	point := 0.0
	for _, d := range deltas {
		point += d
	}
	point /= float64(len(deltas))

	lowerIdx := int(float64(len(deltas)) * 0.025)
	upperIdx := int(float64(len(deltas)) * 0.975)
	if upperIdx >= len(deltas) {
		upperIdx = len(deltas) - 1
	}

	return api.Interval{
		Point:   point,
		CILower: deltas[lowerIdx],
		CIUpper: deltas[upperIdx],
	}, nil
}
