package gates

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/openlift/openlift/internal/api"
	"github.com/openlift/openlift/internal/frame"
)

// Evaluator runs the fixed battery of independent statistical
// diagnostics against one estimation context and aggregates them into a
// GO/CANARY/HOLD decision. Stateless and configuration-driven: all
// thresholds come from the EngineParams record passed at construction.
//
// A check whose required column is absent is reported NotApplicable and
// excluded from both the numerator and denominator of the pass rate, so
// incomplete data cannot manufacture a GO decision.
type Evaluator struct {
	params api.EngineParams
}

// NewEvaluator creates a gate evaluator.
func NewEvaluator(params api.EngineParams) *Evaluator {
	return &Evaluator{params: params}
}

// Context carries everything the battery may need. Frame and Mapping
// are required; Estimate and Cutoff are optional (the dependent checks
// skip when absent).
type Context struct {
	Frame    *frame.Frame
	Mapping  *api.ColumnMapping
	Estimate *api.EstimateResult
	Cutoff   float64 // RDD cutoff for the running variable
	HasRDD   bool
}

// Evaluate runs all checks and aggregates the report.
func (e *Evaluator) Evaluate(ctx *Context) api.QualityGateReport {
	results := []api.GateResult{
		e.checkOverlap(ctx),
		e.checkInstrumentStrength(ctx),
		e.checkCIWidth(ctx),
		e.checkSERatio(ctx),
		e.checkSensitivity(ctx),
		e.checkManipulation(ctx),
		e.checkSpatial(ctx),
	}
	return e.Aggregate(results)
}

// Aggregate folds gate results into the pass rate and decision.
// pass_rate = passed / (passed + failed); NotApplicable counts in
// neither. With nothing evaluated the decision is HOLD: no evidence is
// not a green light.
func (e *Evaluator) Aggregate(results []api.GateResult) api.QualityGateReport {
	report := api.QualityGateReport{Gates: results}

	var failed, skipped []string
	for _, r := range results {
		switch r.Status {
		case api.GatePass:
			report.Passed++
			report.Evaluated++
		case api.GateFail:
			report.Evaluated++
			failed = append(failed, r.Name)
		case api.GateNotApplicable:
			report.Skipped++
			skipped = append(skipped, r.Name)
		}
	}

	if report.Evaluated > 0 {
		report.PassRate = float64(report.Passed) / float64(report.Evaluated)
	}

	switch {
	case report.Evaluated == 0:
		report.Decision = api.DecisionHold
	case report.PassRate >= e.params.GoPassRate:
		report.Decision = api.DecisionGo
	case report.PassRate >= e.params.CanaryPassRate:
		report.Decision = api.DecisionCanary
	default:
		report.Decision = api.DecisionHold
	}

	report.Summary = buildSummary(&report, failed, skipped)
	return report
}

// buildSummary is the single user-facing explanation of the decision.
// Every failed and skipped check is listed by name.
func buildSummary(r *api.QualityGateReport, failed, skipped []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "decision=%s pass_rate=%.2f (%d/%d evaluated, %d skipped)",
		r.Decision, r.PassRate, r.Passed, r.Evaluated, r.Skipped)
	if len(failed) > 0 {
		sort.Strings(failed)
		fmt.Fprintf(&b, "; failed: %s", strings.Join(failed, ", "))
	}
	if len(skipped) > 0 {
		sort.Strings(skipped)
		fmt.Fprintf(&b, "; skipped: %s", strings.Join(skipped, ", "))
	}
	return b.String()
}

// checkOverlap verifies common support: the fraction of propensities
// inside the [low, high] band must reach the configured minimum.
func (e *Evaluator) checkOverlap(ctx *Context) api.GateResult {
	r := api.GateResult{
		Name:      "overlap",
		Threshold: e.params.OverlapMinRate,
		Operator:  ">=",
		Severity:  "critical",
	}

	props, ok := ctx.Frame.Float(ctx.Mapping.Propensity)
	if !ok || len(props) == 0 {
		r.Status = api.GateNotApplicable
		r.Message = "no propensity column: overlap not assessable"
		return r
	}

	inside := 0
	for _, p := range props {
		if p >= e.params.OverlapLow && p <= e.params.OverlapHigh {
			inside++
		}
	}
	r.Observed = float64(inside) / float64(len(props))
	r.Status = passIf(r.Observed >= r.Threshold)
	r.Message = fmt.Sprintf("%.1f%% of propensities inside [%.2f, %.2f]",
		100*r.Observed, e.params.OverlapLow, e.params.OverlapHigh)
	return r
}

// checkInstrumentStrength runs the IV first-stage F test when an
// instrument column is mapped.
func (e *Evaluator) checkInstrumentStrength(ctx *Context) api.GateResult {
	r := api.GateResult{
		Name:      "iv_first_stage",
		Threshold: e.params.IVMinFStat,
		Operator:  ">=",
		Severity:  "warning",
	}

	instrument, okZ := ctx.Frame.Float(ctx.Mapping.Instrument)
	treatment, okT := ctx.Frame.Float(ctx.Mapping.Treatment)
	if !okZ || !okT {
		r.Status = api.GateNotApplicable
		r.Message = "no instrument column"
		return r
	}

	f, ok := firstStageF(instrument, treatment)
	if !ok {
		r.Status = api.GateNotApplicable
		r.Message = "instrument degenerate (constant or too few rows)"
		return r
	}
	r.Observed = f
	r.Status = passIf(f >= r.Threshold)
	r.Message = fmt.Sprintf("first-stage F=%.1f", f)
	return r
}

// checkCIWidth bounds the relative width of the confidence interval.
func (e *Evaluator) checkCIWidth(ctx *Context) api.GateResult {
	r := api.GateResult{
		Name:      "ci_width_ratio",
		Threshold: e.params.CIWidthMaxRatio,
		Operator:  "<=",
		Severity:  "warning",
	}

	est := ctx.Estimate
	if est == nil || !est.Defined() {
		r.Status = api.GateNotApplicable
		r.Message = "no defined estimate"
		return r
	}
	if est.Mean == 0 {
		r.Observed = math.Inf(1)
		r.Status = api.GateFail
		r.Message = "zero point estimate: relative CI width unbounded"
		return r
	}

	r.Observed = (est.CIUpper - est.CILower) / math.Abs(est.Mean)
	r.Status = passIf(r.Observed <= r.Threshold)
	r.Message = fmt.Sprintf("CI width / |estimate| = %.2f", r.Observed)
	return r
}

// checkSERatio bounds the standard error relative to the estimate.
func (e *Evaluator) checkSERatio(ctx *Context) api.GateResult {
	r := api.GateResult{
		Name:      "se_ratio",
		Threshold: e.params.SEMaxRatio,
		Operator:  "<=",
		Severity:  "warning",
	}

	est := ctx.Estimate
	if est == nil || !est.Defined() {
		r.Status = api.GateNotApplicable
		r.Message = "no defined estimate"
		return r
	}
	if est.Mean == 0 {
		r.Observed = math.Inf(1)
		r.Status = api.GateFail
		r.Message = "zero point estimate: relative SE unbounded"
		return r
	}

	r.Observed = est.SE / math.Abs(est.Mean)
	r.Status = passIf(r.Observed <= r.Threshold)
	r.Message = fmt.Sprintf("SE / |estimate| = %.2f", r.Observed)
	return r
}

// checkSensitivity computes the Rosenbaum gamma* bound on matched-pair
// outcome differences. Pairs are built greedily by nearest propensity.
func (e *Evaluator) checkSensitivity(ctx *Context) api.GateResult {
	r := api.GateResult{
		Name:      "sensitivity_gamma",
		Threshold: e.params.SensitivityGamma,
		Operator:  ">=",
		Severity:  "warning",
	}

	diffs, ok := matchedPairDiffs(ctx)
	if !ok {
		r.Status = api.GateNotApplicable
		r.Message = "too few matched pairs for sensitivity analysis"
		return r
	}

	gamma, ok := rosenbaumGamma(diffs)
	if !ok {
		r.Status = api.GateNotApplicable
		r.Message = "too few nonzero pair differences"
		return r
	}
	r.Observed = gamma
	r.Status = passIf(gamma >= r.Threshold)
	r.Message = fmt.Sprintf("robust to unmeasured confounding up to gamma=%.2f", gamma)
	return r
}

// matchedPairDiffs greedily pairs each treated unit with the unused
// control nearest in propensity and returns treated-minus-control
// outcome differences.
func matchedPairDiffs(ctx *Context) ([]float64, bool) {
	treatment, okT := ctx.Frame.Float(ctx.Mapping.Treatment)
	outcome, okY := ctx.Frame.Float(ctx.Mapping.Outcome)
	props, okP := ctx.Frame.Float(ctx.Mapping.Propensity)
	if !okT || !okY || !okP {
		return nil, false
	}

	type unit struct {
		prop, outcome float64
	}
	var treated, control []unit
	for i := range treatment {
		u := unit{prop: props[i], outcome: outcome[i]}
		if treatment[i] > 0 {
			treated = append(treated, u)
		} else {
			control = append(control, u)
		}
	}
	if len(treated) < 5 || len(control) < 5 {
		return nil, false
	}

	sort.Slice(treated, func(a, b int) bool { return treated[a].prop < treated[b].prop })
	sort.Slice(control, func(a, b int) bool { return control[a].prop < control[b].prop })

	used := make([]bool, len(control))
	var diffs []float64
	for _, t := range treated {
		best := -1
		bestDist := math.Inf(1)
		for j, c := range control {
			if used[j] {
				continue
			}
			d := math.Abs(t.prop - c.prop)
			if d < bestDist {
				bestDist = d
				best = j
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		diffs = append(diffs, t.outcome-control[best].outcome)
	}

	if len(diffs) < 5 {
		return nil, false
	}
	return diffs, true
}

// checkManipulation runs the McCrary density test around the running
// variable cutoff when a running variable is mapped.
func (e *Evaluator) checkManipulation(ctx *Context) api.GateResult {
	r := api.GateResult{
		Name:      "density_manipulation",
		Threshold: e.params.DensityMinP,
		Operator:  ">=",
		Severity:  "warning",
	}

	running, ok := ctx.Frame.Float(ctx.Mapping.Running)
	if !ok || !ctx.HasRDD {
		r.Status = api.GateNotApplicable
		r.Message = "no running variable"
		return r
	}

	p, ok := mccraryP(running, ctx.Cutoff)
	if !ok {
		r.Status = api.GateNotApplicable
		r.Message = "cutoff band too thin for density test"
		return r
	}
	r.Observed = p
	r.Status = passIf(p >= r.Threshold)
	r.Message = fmt.Sprintf("density discontinuity p=%.3f at cutoff %.3g", p, ctx.Cutoff)
	return r
}

// checkSpatial runs Moran's I on outcome residuals when coordinates are
// mapped. Residuals are outcome minus the observed-arm mean.
func (e *Evaluator) checkSpatial(ctx *Context) api.GateResult {
	r := api.GateResult{
		Name:      "spatial_autocorrelation",
		Threshold: e.params.MoranMinP,
		Operator:  ">=",
		Severity:  "warning",
	}

	lat, okLat := ctx.Frame.Float(ctx.Mapping.Latitude)
	lon, okLon := ctx.Frame.Float(ctx.Mapping.Longitude)
	if !okLat || !okLon {
		r.Status = api.GateNotApplicable
		r.Message = "no coordinate columns"
		return r
	}

	residuals, ok := armResiduals(ctx)
	if !ok {
		r.Status = api.GateNotApplicable
		r.Message = "residuals unavailable"
		return r
	}

	iStat, p, ok := moranP(lat, lon, residuals)
	if !ok {
		r.Status = api.GateNotApplicable
		r.Message = "too few units or degenerate residuals for Moran's I"
		return r
	}
	r.Observed = p
	r.Status = passIf(p >= r.Threshold)
	r.Message = fmt.Sprintf("Moran's I=%.3f p=%.3f", iStat, p)
	return r
}

// armResiduals computes outcome minus the observed treatment arm's mean.
func armResiduals(ctx *Context) ([]float64, bool) {
	treatment, okT := ctx.Frame.Float(ctx.Mapping.Treatment)
	outcome, okY := ctx.Frame.Float(ctx.Mapping.Outcome)
	if !okT || !okY || len(outcome) == 0 {
		return nil, false
	}

	var sum1, sum0 float64
	var n1, n0 int
	for i, t := range treatment {
		if t > 0 {
			sum1 += outcome[i]
			n1++
		} else {
			sum0 += outcome[i]
			n0++
		}
	}

	m1, m0 := mean(outcome), mean(outcome)
	if n1 > 0 {
		m1 = sum1 / float64(n1)
	}
	if n0 > 0 {
		m0 = sum0 / float64(n0)
	}

	residuals := make([]float64, len(outcome))
	for i, t := range treatment {
		if t > 0 {
			residuals[i] = outcome[i] - m1
		} else {
			residuals[i] = outcome[i] - m0
		}
	}
	return residuals, true
}

func passIf(cond bool) api.GateStatus {
	if cond {
		return api.GatePass
	}
	return api.GateFail
}
