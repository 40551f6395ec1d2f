package estimator

import (
	"fmt"
	"math"

	"github.com/openlift/openlift/internal/api"
	"github.com/openlift/openlift/internal/frame"
)

// Estimator computes off-policy value estimates for a target policy
// against logged observational data. Three methods with different
// bias/variance tradeoffs:
//
//   - IPS: unbiased under correct propensities, high variance when
//     propensities are extreme
//   - SNIPS: self-normalized IPS; small bias for materially lower
//     variance under extreme propensities
//   - DR: doubly robust; consistent if either the outcome model or the
//     propensity model is correct
//
// Degenerate subpopulations never panic or error: the result carries
// NaN CI bounds and the Degenerate flag instead.
type Estimator struct {
	params api.EngineParams
}

// New creates an estimator with the given numeric parameters.
func New(params api.EngineParams) *Estimator {
	return &Estimator{params: params}
}

// Estimate dispatches to the requested method.
func (e *Estimator) Estimate(method api.EstimatorMethod, pol *api.Policy, f *frame.Frame, mapping *api.ColumnMapping) (api.EstimateResult, error) {
	in, err := e.inputs(pol, f, mapping)
	if err != nil {
		return api.EstimateResult{Method: method}, err
	}

	switch method {
	case api.MethodIPS:
		return e.ips(in, false), nil
	case api.MethodSNIPS:
		return e.ips(in, true), nil
	case api.MethodDR:
		return e.dr(in, f, mapping), nil
	default:
		return api.EstimateResult{Method: method}, fmt.Errorf("unknown estimator method %q", method)
	}
}

// inputs bundles the aligned column views every estimator needs.
type inputs struct {
	n          int
	treatment  []float64
	outcome    []float64
	propensity []float64 // clipped to [eps, 1-eps]
	target     []float64 // target-policy treatment probabilities
	propNote   string
}

func (e *Estimator) inputs(pol *api.Policy, f *frame.Frame, mapping *api.ColumnMapping) (*inputs, error) {
	n := f.Rows()
	if len(pol.Assign) != n {
		return nil, &api.ValidationError{Field: "policy", Message: fmt.Sprintf("policy length %d does not match %d rows", len(pol.Assign), n)}
	}

	t, ok := f.Float(mapping.Treatment)
	if !ok {
		return nil, &api.ValidationError{Field: "treatment", Message: fmt.Sprintf("column %s not found", mapping.Treatment)}
	}
	y, ok := f.Float(mapping.Outcome)
	if !ok {
		return nil, &api.ValidationError{Field: "outcome", Message: fmt.Sprintf("column %s not found", mapping.Outcome)}
	}

	in := &inputs{n: n, treatment: t, outcome: y, target: pol.Assign}

	// Propensities are supplied by an external model. Without a
	// propensity column the marginal treatment rate is used for every
	// unit; the result notes the degraded default.
	eps := e.params.PropensityEpsilon
	clipped := make([]float64, n)
	if raw, ok := f.Float(mapping.Propensity); ok {
		for i, p := range raw {
			clipped[i] = clamp(p, eps, 1-eps)
		}
	} else {
		rate := 0.0
		for _, ti := range t {
			if ti > 0 {
				rate++
			}
		}
		if n > 0 {
			rate /= float64(n)
		}
		rate = clamp(rate, eps, 1-eps)
		for i := range clipped {
			clipped[i] = rate
		}
		in.propNote = "marginal propensity: no propensity column supplied"
	}
	in.propensity = clipped

	return in, nil
}

// ips computes the inverse propensity scoring estimate; selfNormalize
// turns it into SNIPS by rescaling weights so they sum to n.
func (e *Estimator) ips(in *inputs, selfNormalize bool) api.EstimateResult {
	method := api.MethodIPS
	if selfNormalize {
		method = api.MethodSNIPS
	}

	if in.n == 0 {
		return degenerate(method, 0, "empty population")
	}

	weights := make([]float64, in.n)
	sumW := 0.0
	for i := 0; i < in.n; i++ {
		w := importanceWeight(in.treatment[i], in.target[i], in.propensity[i])
		w = clamp(w, 0, e.params.WeightClip)
		weights[i] = w
		sumW += w
	}

	if selfNormalize {
		if sumW == 0 {
			return degenerate(method, in.n, "importance weights sum to zero")
		}
		scale := float64(in.n) / sumW
		for i := range weights {
			weights[i] *= scale
		}
	}

	values := make([]float64, in.n)
	for i := range values {
		values[i] = weights[i] * in.outcome[i]
	}

	res := e.fromValues(method, values)
	res.Note = in.propNote
	return res
}

// dr computes the doubly robust estimate. Outcome models are ridge
// regressions per arm; an arm with fewer than two samples or no
// covariate columns degrades to its unconditional mean and the result
// is flagged as using the fallback path.
func (e *Estimator) dr(in *inputs, f *frame.Frame, mapping *api.ColumnMapping) api.EstimateResult {
	if in.n == 0 {
		return degenerate(api.MethodDR, 0, "empty population")
	}

	mu1, mu0, fallback, note := e.outcomeModels(in, f, mapping)

	clip := e.params.WeightClip
	values := make([]float64, in.n)
	for i := 0; i < in.n; i++ {
		pi := in.target[i]
		t := in.treatment[i]
		prop := in.propensity[i]

		// Regression prediction plus propensity-weighted residual
		// correction for the arm actually observed.
		direct := pi*mu1[i] + (1-pi)*mu0[i]
		correction := 0.0
		if t > 0 {
			correction = clamp(pi/prop, 0, clip) * (in.outcome[i] - mu1[i])
		} else {
			correction = clamp((1-pi)/(1-prop), 0, clip) * (in.outcome[i] - mu0[i])
		}
		values[i] = direct + correction
	}

	res := e.fromValues(api.MethodDR, values)
	res.Fallback = fallback
	if note != "" {
		res.Note = note
	} else {
		res.Note = in.propNote
	}
	return res
}

// outcomeModels fits mu1 on treated units and mu0 on controls,
// returning per-row predictions for both arms.
func (e *Estimator) outcomeModels(in *inputs, f *frame.Frame, mapping *api.ColumnMapping) (mu1, mu0 []float64, fallback bool, note string) {
	mu1 = make([]float64, in.n)
	mu0 = make([]float64, in.n)

	var covariates [][]float64
	if len(mapping.Covariates) > 0 {
		if rows, err := f.FloatMatrix(mapping.Covariates); err == nil {
			covariates = rows
		}
	}

	armPredict := func(want float64) ([]float64, bool) {
		var armX [][]float64
		var armY []float64
		for i := 0; i < in.n; i++ {
			if in.treatment[i] == want {
				if covariates != nil {
					armX = append(armX, covariates[i])
				}
				armY = append(armY, in.outcome[i])
			}
		}

		preds := make([]float64, in.n)
		if covariates == nil || len(armY) < 2 {
			// Stratum-mean fallback: unconditional arm mean, or the
			// overall mean when the arm is empty.
			m := mean(armY)
			if len(armY) == 0 {
				m = mean(in.outcome)
			}
			for i := range preds {
				preds[i] = m
			}
			return preds, true
		}

		beta, ok := ridgeFit(armX, armY, e.params.RidgeLambda)
		if !ok {
			m := mean(armY)
			for i := range preds {
				preds[i] = m
			}
			return preds, true
		}
		for i := 0; i < in.n; i++ {
			preds[i] = ridgePredict(beta, covariates[i])
		}
		return preds, false
	}

	var fb1, fb0 bool
	mu1, fb1 = armPredict(1)
	mu0, fb0 = armPredict(0)
	fallback = fb1 || fb0
	if fallback {
		note = "outcome model degraded to stratum means"
	}
	return mu1, mu0, fallback, note
}

// fromValues turns per-unit value contributions into an EstimateResult.
func (e *Estimator) fromValues(method api.EstimatorMethod, values []float64) api.EstimateResult {
	n := len(values)
	m := mean(values)
	se := 0.0
	if n > 1 {
		se = math.Sqrt(variance(values)) / math.Sqrt(float64(n))
	}

	z := e.params.ZCritical
	res := api.EstimateResult{
		Method:  method,
		Mean:    m,
		SE:      se,
		CILower: m - z*se,
		CIUpper: m + z*se,
		N:       n,
	}
	if math.IsNaN(m) || math.IsInf(m, 0) {
		res.Mean = math.NaN()
		res.CILower = math.NaN()
		res.CIUpper = math.NaN()
		res.Degenerate = true
		res.Note = "non-finite estimate"
	}
	return res
}

// importanceWeight is t*pi/e + (1-t)*(1-pi)/(1-e) with e already
// clipped away from 0 and 1.
func importanceWeight(t, pi, e float64) float64 {
	if t > 0 {
		return pi / e
	}
	return (1 - pi) / (1 - e)
}

func degenerate(method api.EstimatorMethod, n int, note string) api.EstimateResult {
	return api.EstimateResult{
		Method:     method,
		Mean:       math.NaN(),
		SE:         math.NaN(),
		CILower:    math.NaN(),
		CIUpper:    math.NaN(),
		N:          n,
		Degenerate: true,
		Note:       note,
	}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
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

func variance(data []float64) float64 {
	if len(data) <= 1 {
		return 0
	}
	m := mean(data)
	sumSq := 0.0
	for _, v := range data {
		diff := v - m
		sumSq += diff * diff
	}
	return sumSq / float64(len(data)-1)
}
