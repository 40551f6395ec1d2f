package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// InterventionType selects how a ScenarioSpec resolves into a Policy.
type InterventionType string

const (
	// InterventionDo forces a constant assignment (do(T=0) or do(T=1)).
	InterventionDo InterventionType = "do"
	// InterventionPolicy derives assignment from a score rule and/or
	// coverage target subject to budget and geographic constraints.
	InterventionPolicy InterventionType = "policy"
)

// EstimatorMethod identifies an off-policy value estimator.
type EstimatorMethod string

const (
	MethodIPS   EstimatorMethod = "IPS"
	MethodSNIPS EstimatorMethod = "SNIPS"
	MethodDR    EstimatorMethod = "DR"
)

// ColumnMapping binds logical roles to column names in the input frame.
// Treatment, Outcome and either Propensity or Covariates are required;
// everything else enables optional constraints and diagnostics.
type ColumnMapping struct {
	Treatment  string   `json:"treatment"`
	Outcome    string   `json:"outcome"`
	Covariates []string `json:"covariates,omitempty"`
	Propensity string   `json:"propensity,omitempty"`
	Cost       string   `json:"cost,omitempty"`
	Score      string   `json:"score,omitempty"`
	Instrument string   `json:"instrument,omitempty"`
	Running    string   `json:"running,omitempty"`
	Region     string   `json:"region,omitempty"`
	Group      string   `json:"group,omitempty"`
	Latitude   string   `json:"latitude,omitempty"`
	Longitude  string   `json:"longitude,omitempty"`
}

// ScenarioSpec is the declarative description of a candidate intervention.
// Authored externally; the engine treats it as read-only.
type ScenarioSpec struct {
	Name          string           `json:"name,omitempty"`
	Intervention  InterventionType `json:"intervention"`
	DoValue       int              `json:"do_value,omitempty"` // 0 or 1 for do-interventions
	RuleThreshold *float64         `json:"rule_threshold,omitempty"`
	Coverage      *float64         `json:"coverage,omitempty"`   // fraction of units to treat
	BudgetCap     *float64         `json:"budget_cap,omitempty"` // total spend ceiling
	CostColumn    string           `json:"cost_column,omitempty"`
	FairnessGroup string           `json:"fairness_group,omitempty"`
	FairnessGap   float64          `json:"fairness_gap,omitempty"` // max treated-rate gap between groups
	Regions       []string         `json:"regions,omitempty"`      // allow-list; empty = no filter
	ValuePerUnit  float64          `json:"value_per_outcome_unit,omitempty"`
	CostPerUnit   float64          `json:"cost_per_treated_unit,omitempty"`
	RuleCutoff    float64          `json:"rule_cutoff,omitempty"` // RDD cutoff for the running variable
}

// Policy is the resolved per-unit assignment vector for a scenario.
// Assign has exactly one entry per frame row. Derived once from
// ScenarioSpec + data and never mutated afterward.
type Policy struct {
	Assign []float64 `json:"assign"`

	NumTreated int  `json:"num_treated"`
	Infeasible bool `json:"infeasible,omitempty"` // constraints excluded every unit
	RandomFill bool `json:"random_fill,omitempty"` // uniform random fallback was used
}

// Treated reports the number of units with assignment > 0.
func (p *Policy) Treated() int {
	n := 0
	for _, a := range p.Assign {
		if a > 0 {
			n++
		}
	}
	return n
}

// EstimateResult is the value estimate for one policy under one method.
type EstimateResult struct {
	Method  EstimatorMethod `json:"method"`
	Mean    float64         `json:"mean"`
	SE      float64         `json:"se"`
	CILower float64         `json:"ci_lower"`
	CIUpper float64         `json:"ci_upper"`
	N       int             `json:"n"`

	// Degenerate marks results recovered from boundary data (empty
	// subpopulation, zero variance). CI bounds are NaN in that case.
	Degenerate bool   `json:"degenerate,omitempty"`
	Fallback   bool   `json:"fallback,omitempty"` // DR degraded to stratum means
	Note       string `json:"note,omitempty"`
}

// Defined reports whether the point estimate is usable.
func (e *EstimateResult) Defined() bool {
	return !math.IsNaN(e.Mean)
}

// GateStatus is the tri-state outcome of a single diagnostic.
// NotApplicable checks (required column absent) are excluded from the
// pass-rate denominator so incomplete data cannot manufacture a GO.
type GateStatus string

const (
	GatePass          GateStatus = "pass"
	GateFail          GateStatus = "fail"
	GateNotApplicable GateStatus = "not_applicable"
)

// GateResult records one diagnostic check.
type GateResult struct {
	Name      string     `json:"name"`
	Status    GateStatus `json:"status"`
	Observed  float64    `json:"observed"`
	Threshold float64    `json:"threshold"`
	Operator  string     `json:"operator"` // ">=" or "<="
	Severity  string     `json:"severity"` // "critical" or "warning"
	Message   string     `json:"message"`
}

// Decision is the aggregate deployment recommendation.
type Decision string

const (
	DecisionGo     Decision = "GO"
	DecisionCanary Decision = "CANARY"
	DecisionHold   Decision = "HOLD"
)

// QualityGateReport aggregates the diagnostic battery into one decision.
type QualityGateReport struct {
	Gates     []GateResult `json:"gates"`
	Evaluated int          `json:"evaluated"` // pass + fail
	Passed    int          `json:"passed"`
	Skipped   int          `json:"skipped"` // not_applicable
	PassRate  float64      `json:"pass_rate"`
	Decision  Decision     `json:"decision"`
	Summary   string       `json:"summary"`
}

// Interval is a point estimate with a 95% CI.
type Interval struct {
	Point   float64 `json:"point"`
	CILower float64 `json:"ci_lower"`
	CIUpper float64 `json:"ci_upper"`
}

// ComparisonResult is the full S0-vs-S1 comparison artifact. It is a
// one-way value object: persistence and visualization consume it, nothing
// holds a reference back into the engine.
type ComparisonResult struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	RuntimeMs float64   `json:"runtime_ms"`

	Method EstimatorMethod `json:"method"`
	Spec   ScenarioSpec    `json:"spec"`

	S0     EstimateResult `json:"s0"`
	S1     EstimateResult `json:"s1"`
	Policy *Policy        `json:"policy,omitempty"`

	// Delta CI is the independent difference of the marginal CIs; it
	// ignores S0/S1 covariance over the shared logged population.
	Delta Interval `json:"delta"`
	Money Interval `json:"money"`

	S0Gates QualityGateReport `json:"s0_gates"`
	S1Gates QualityGateReport `json:"s1_gates"`

	Tags []string `json:"tags,omitempty"`
}

// EstimatorSlot holds one method's outcome in a multi-estimator run.
// A fit failure is recorded here instead of aborting sibling estimators.
type EstimatorSlot struct {
	Method EstimatorMethod   `json:"method"`
	Result *ComparisonResult `json:"result,omitempty"`
	Err    string            `json:"error,omitempty"`
}

// ValidationError reports a structural problem with the request
// (missing column, malformed spec). Raised before any numeric work.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error [%s]: %s", e.Field, e.Message)
}

// ComputeRequestID computes a stable request fingerprint used for
// dedup/caching: sha256 over the spec, mapping, method and row count.
func ComputeRequestID(spec *ScenarioSpec, mapping *ColumnMapping, method EstimatorMethod, rows int) string {
	payload := struct {
		Spec    *ScenarioSpec   `json:"spec"`
		Mapping *ColumnMapping  `json:"mapping"`
		Method  EstimatorMethod `json:"method"`
		Rows    int             `json:"rows"`
	}{spec, mapping, method, rows}

	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%v|%v|%s|%d", spec, mapping, method, rows))
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Validate performs basic structural validation of a spec.
func (s *ScenarioSpec) Validate() error {
	switch s.Intervention {
	case InterventionDo:
		if s.DoValue != 0 && s.DoValue != 1 {
			return &ValidationError{Field: "do_value", Message: "must be 0 or 1"}
		}
	case InterventionPolicy:
		// rule/coverage are both optional; generator falls back to
		// random selection when neither resolves.
	default:
		return &ValidationError{Field: "intervention", Message: fmt.Sprintf("unknown intervention type %q", s.Intervention)}
	}

	if s.Coverage != nil && (*s.Coverage < 0 || *s.Coverage > 1) {
		return &ValidationError{Field: "coverage", Message: "must be in [0, 1]"}
	}
	if s.BudgetCap != nil && *s.BudgetCap < 0 {
		return &ValidationError{Field: "budget_cap", Message: "must be non-negative"}
	}
	if s.FairnessGap < 0 || s.FairnessGap > 1 {
		return &ValidationError{Field: "fairness_gap", Message: "must be in [0, 1]"}
	}
	return nil
}
