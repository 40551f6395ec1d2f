package scenario

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/openlift/openlift/internal/api"
	"github.com/openlift/openlift/internal/estimator"
	"github.com/openlift/openlift/internal/frame"
	"github.com/openlift/openlift/internal/gates"
	"github.com/openlift/openlift/internal/policy"
)

// Comparator orchestrates a full S0-vs-S1 evaluation: the observed
// assignment (S0) against a candidate policy (S1), estimated with the
// same method, gated independently, with delta and monetary value.
//
// Each Compare call is purely functional over its inputs: no state
// survives between calls, so concurrent invocations need no locking.
type Comparator struct {
	params    api.EngineParams
	generator *policy.Generator
	estimator *estimator.Estimator
	gates     *gates.Evaluator
}

// NewComparator creates a comparator with all engine components.
func NewComparator(params api.EngineParams) *Comparator {
	return &Comparator{
		params:    params,
		generator: policy.NewGenerator(params),
		estimator: estimator.New(params),
		gates:     gates.NewEvaluator(params),
	}
}

// Compare runs the comparison for a single estimator method. rng feeds
// the policy generator's random fallback; pass a seeded source for
// reproducible runs.
func (c *Comparator) Compare(ctx context.Context, f *frame.Frame, mapping *api.ColumnMapping, spec *api.ScenarioSpec, method api.EstimatorMethod, rng *rand.Rand) (*api.ComparisonResult, error) {
	start := time.Now()

	if err := ValidateMapping(f, mapping); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// S0: the logged assignment evaluated as a policy.
	observed, _ := f.Float(mapping.Treatment)
	s0Policy := &api.Policy{Assign: observed}
	s0Policy.NumTreated = s0Policy.Treated()

	s0, err := c.estimator.Estimate(method, s0Policy, f, mapping)
	if err != nil {
		return nil, fmt.Errorf("S0 estimation failed: %w", err)
	}

	// S1: candidate policy from the spec.
	s1Policy, err := c.generator.Generate(spec, f, *mapping, rng)
	if err != nil {
		return nil, fmt.Errorf("policy generation failed: %w", err)
	}
	s1, err := c.estimator.Estimate(method, s1Policy, f, mapping)
	if err != nil {
		return nil, fmt.Errorf("S1 estimation failed: %w", err)
	}

	delta := deltaInterval(&s0, &s1)
	money := c.moneyInterval(spec, delta, f.Rows(), s0Policy, s1Policy)

	gateCtx := gates.Context{
		Frame:   f,
		Mapping: mapping,
		Cutoff:  spec.RuleCutoff,
		HasRDD:  mapping.Running != "",
	}

	s0Ctx := gateCtx
	s0Ctx.Estimate = &s0
	s1Ctx := gateCtx
	s1Ctx.Estimate = &s1

	result := &api.ComparisonResult{
		RunID:     uuid.NewString(),
		Timestamp: start.UTC(),
		Method:    method,
		Spec:      *spec,
		S0:        s0,
		S1:        s1,
		Policy:    s1Policy,
		Delta:     delta,
		Money:     money,
		S0Gates:   c.gates.Evaluate(&s0Ctx),
		S1Gates:   c.gates.Evaluate(&s1Ctx),
	}
	result.RuntimeMs = float64(time.Since(start).Microseconds()) / 1000
	return result, nil
}

// CompareAll runs one comparison per method. A failure in one method is
// recorded in its slot and does not abort the siblings. Each method
// gets an rng seeded identically so the generated S1 policy is the same
// across slots.
func (c *Comparator) CompareAll(ctx context.Context, f *frame.Frame, mapping *api.ColumnMapping, spec *api.ScenarioSpec, methods []api.EstimatorMethod, seed int64) []api.EstimatorSlot {
	slots := make([]api.EstimatorSlot, len(methods))
	for i, method := range methods {
		slots[i].Method = method
		result, err := c.compareRecovered(ctx, f, mapping, spec, method, rand.New(rand.NewSource(seed)))
		if err != nil {
			slots[i].Err = err.Error()
			continue
		}
		slots[i].Result = result
	}
	return slots
}

// compareRecovered converts a panic inside one estimator run into an
// error so sibling estimators keep running.
func (c *Comparator) compareRecovered(ctx context.Context, f *frame.Frame, mapping *api.ColumnMapping, spec *api.ScenarioSpec, method api.EstimatorMethod, rng *rand.Rand) (result *api.ComparisonResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("estimator %s panicked: %v", method, r)
		}
	}()
	return c.Compare(ctx, f, mapping, spec, method, rng)
}

// ValidateMapping checks that every required role resolves to an
// existing column before any numeric work: treatment, outcome, and
// either a propensity column or at least one covariate column.
func ValidateMapping(f *frame.Frame, mapping *api.ColumnMapping) error {
	if mapping.Treatment == "" || !f.HasColumn(mapping.Treatment) {
		return &api.ValidationError{Field: "treatment", Message: fmt.Sprintf("column %q not found", mapping.Treatment)}
	}
	if mapping.Outcome == "" || !f.HasColumn(mapping.Outcome) {
		return &api.ValidationError{Field: "outcome", Message: fmt.Sprintf("column %q not found", mapping.Outcome)}
	}

	if mapping.Propensity != "" {
		if !f.HasColumn(mapping.Propensity) {
			return &api.ValidationError{Field: "propensity", Message: fmt.Sprintf("column %q not found", mapping.Propensity)}
		}
		return nil
	}

	if len(mapping.Covariates) == 0 {
		return &api.ValidationError{Field: "propensity", Message: "either a propensity column or covariates are required"}
	}
	for _, cov := range mapping.Covariates {
		if !f.HasColumn(cov) {
			return &api.ValidationError{Field: "covariates", Message: fmt.Sprintf("column %q not found", cov)}
		}
	}
	return nil
}

// deltaInterval applies the linear-difference rule to the point and to
// each CI bound independently. This ignores covariance between the S0
// and S1 estimates over the shared logged population; it is an
// approximation, not a rigorous propagation (a joint bootstrap would
// be, see BootstrapDelta).
func deltaInterval(s0, s1 *api.EstimateResult) api.Interval {
	lower := s1.CILower - s0.CILower
	upper := s1.CIUpper - s0.CIUpper
	if lower > upper {
		lower, upper = upper, lower
	}
	return api.Interval{
		Point:   s1.Mean - s0.Mean,
		CILower: lower,
		CIUpper: upper,
	}
}

// moneyInterval converts the ATE delta to money:
// value_per_outcome_unit * delta * n_units - incremental_cost, with the
// CI carried through the same linear scaling (valid because the
// transform is linear in the ATE).
func (c *Comparator) moneyInterval(spec *api.ScenarioSpec, delta api.Interval, n int, s0Pol, s1Pol *api.Policy) api.Interval {
	incremental := spec.CostPerUnit * float64(s1Pol.NumTreated-s0Pol.NumTreated)
	scale := spec.ValuePerUnit * float64(n)

	lower := scale*delta.CILower - incremental
	upper := scale*delta.CIUpper - incremental
	if lower > upper {
		lower, upper = upper, lower // negative value_per_unit flips the bounds
	}
	out := api.Interval{
		Point:   scale*delta.Point - incremental,
		CILower: lower,
		CIUpper: upper,
	}
	if math.IsNaN(delta.Point) {
		out.Point = math.NaN()
		out.CILower = math.NaN()
		out.CIUpper = math.NaN()
	}
	return out
}
