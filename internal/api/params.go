package api

import "time"

// EngineParams is the single immutable configuration record for the
// engine. It is constructed once and passed by reference into the policy
// generator, estimators and gate evaluator; there is no process-wide
// mutable threshold state.
type EngineParams struct {
	// Estimator numerics
	PropensityEpsilon float64 `json:"propensity_epsilon"` // clip propensities to [eps, 1-eps]
	WeightClip        float64 `json:"weight_clip"`        // upper bound on importance weights
	RidgeLambda       float64 `json:"ridge_lambda"`       // L2 penalty for DR outcome models
	ZCritical         float64 `json:"z_critical"`         // 1.96 for 95% CIs

	// Gate thresholds
	OverlapLow       float64 `json:"overlap_low"`        // common-support band lower edge
	OverlapHigh      float64 `json:"overlap_high"`       // common-support band upper edge
	OverlapMinRate   float64 `json:"overlap_min_rate"`   // min fraction of units inside the band
	IVMinFStat       float64 `json:"iv_min_f_stat"`      // weak-instrument cutoff
	CIWidthMaxRatio  float64 `json:"ci_width_max_ratio"` // (upper-lower)/|mean|
	SEMaxRatio       float64 `json:"se_max_ratio"`       // SE/|mean|
	SensitivityGamma float64 `json:"sensitivity_gamma"`  // min Rosenbaum gamma*
	DensityMinP      float64 `json:"density_min_p"`      // McCrary manipulation test
	MoranMinP        float64 `json:"moran_min_p"`        // spatial autocorrelation test

	// Decision cutoffs on pass rate
	GoPassRate     float64 `json:"go_pass_rate"`
	CanaryPassRate float64 `json:"canary_pass_rate"`

	// Serving-layer knobs
	ResultTTL time.Duration `json:"result_ttl"`
}

// DefaultEngineParams returns the standard thresholds.
func DefaultEngineParams() EngineParams {
	return EngineParams{
		PropensityEpsilon: 0.001,
		WeightClip:        100.0,
		RidgeLambda:       1.0,
		ZCritical:         1.96,

		OverlapLow:       0.05,
		OverlapHigh:      0.95,
		OverlapMinRate:   0.90,
		IVMinFStat:       10.0,
		CIWidthMaxRatio:  2.0,
		SEMaxRatio:       0.5,
		SensitivityGamma: 1.2,
		DensityMinP:      0.05,
		MoranMinP:        0.05,

		GoPassRate:     0.70,
		CanaryPassRate: 0.50,

		ResultTTL: 14 * 24 * time.Hour,
	}
}
