package policy

import (
	"fmt"
	"math/rand"

	"github.com/openlift/openlift/internal/api"
	"github.com/openlift/openlift/internal/frame"
)

// Generator resolves a ScenarioSpec into a concrete per-unit assignment
// vector. It is stateless: every call reads the spec and frame, applies
// the constraint pipeline and returns a fresh Policy. Randomness for the
// uniform fallback comes from the injected rng, never from a package
// global, so identical inputs and seed reproduce identical policies.
type Generator struct {
	params api.EngineParams
}

// NewGenerator creates a policy generator.
func NewGenerator(params api.EngineParams) *Generator {
	return &Generator{params: params}
}

// Generate builds the assignment vector for a spec.
//
// Constraint pipeline for policy interventions:
//  1. base selection: coverage top-k by score (takes precedence), else
//     score > rule threshold, else uniform random fallback via rng
//  2. budget: greedy by descending score while cumulative cost fits;
//     composed with the base selection by elementwise minimum
//  3. geographic allow-list: zero out units outside listed regions
//  4. fairness: trim treated units until the treated-rate gap across
//     groups is within the allowed maximum
//
// A spec that excludes every unit yields an all-zero Policy with the
// Infeasible flag, not an error. coverage=0 and budget_cap=0 are valid
// requests for an all-zero policy and are not flagged.
func (g *Generator) Generate(spec *api.ScenarioSpec, f *frame.Frame, mapping api.ColumnMapping, rng *rand.Rand) (*api.Policy, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	scoreColumn := mapping.Score
	n := f.Rows()
	assign := make([]float64, n)

	if spec.Intervention == api.InterventionDo {
		if spec.DoValue == 1 {
			for i := range assign {
				assign[i] = 1
			}
		}
		p := &api.Policy{Assign: assign}
		p.NumTreated = p.Treated()
		return p, nil
	}

	// Explicit zero requests short-circuit the pipeline.
	if (spec.Coverage != nil && *spec.Coverage == 0) || (spec.BudgetCap != nil && *spec.BudgetCap == 0) {
		return &api.Policy{Assign: assign}, nil
	}

	randomFill, err := g.baseSelection(spec, f, scoreColumn, rng, assign)
	if err != nil {
		return nil, err
	}

	if spec.BudgetCap != nil {
		if err := g.applyBudget(spec, f, mapping, assign); err != nil {
			return nil, err
		}
	}

	if len(spec.Regions) > 0 {
		if err := g.applyRegions(spec, f, mapping.Region, assign); err != nil {
			return nil, err
		}
	}

	// The spec may name the group column directly; otherwise it comes
	// from the mapping.
	groupColumn := spec.FairnessGroup
	if groupColumn == "" {
		groupColumn = mapping.Group
	}
	if groupColumn != "" && spec.FairnessGap > 0 {
		if err := g.applyFairness(spec, f, groupColumn, scoreColumn, assign); err != nil {
			return nil, err
		}
	}

	p := &api.Policy{Assign: assign, RandomFill: randomFill}
	p.NumTreated = p.Treated()
	if p.NumTreated == 0 {
		// The caller asked for a nonzero intervention and constraints
		// excluded everyone.
		p.Infeasible = true
	}
	return p, nil
}

// baseSelection fills assign with the rule/coverage indicator and
// reports whether the random fallback was used.
func (g *Generator) baseSelection(spec *api.ScenarioSpec, f *frame.Frame, scoreColumn string, rng *rand.Rand, assign []float64) (bool, error) {
	n := f.Rows()
	hasScore := f.HasColumn(scoreColumn)

	// Coverage takes precedence over the rule when both are supplied:
	// the final policy is bounded above by the requested coverage.
	if spec.Coverage != nil && hasScore {
		k := int(*spec.Coverage * float64(n))
		ranked, err := f.RankDescending(scoreColumn)
		if err != nil {
			return false, err
		}
		for i := 0; i < k && i < n; i++ {
			assign[ranked[i]] = 1
		}
		return false, nil
	}

	if spec.RuleThreshold != nil && hasScore {
		scores, _ := f.Float(scoreColumn)
		for i, s := range scores {
			if s > *spec.RuleThreshold {
				assign[i] = 1
			}
		}
		return false, nil
	}

	// No usable score and no rule: uniform random selection sized to
	// the coverage fraction.
	cov := 1.0
	if spec.Coverage != nil {
		cov = *spec.Coverage
	}
	k := int(cov * float64(n))
	if k >= n {
		for i := range assign {
			assign[i] = 1
		}
		return true, nil
	}
	if rng == nil {
		return false, &api.ValidationError{Field: "rng", Message: "random source required for fallback selection"}
	}
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		assign[perm[i]] = 1
	}
	return true, nil
}

// applyBudget keeps the highest-scoring units whose cumulative cost fits
// under the cap and intersects that set with the current selection.
func (g *Generator) applyBudget(spec *api.ScenarioSpec, f *frame.Frame, mapping api.ColumnMapping, assign []float64) error {
	n := f.Rows()

	costs, err := g.unitCosts(spec, f, mapping.Cost)
	if err != nil {
		return err
	}

	var order []int
	if f.HasColumn(mapping.Score) {
		order, err = f.RankDescending(mapping.Score)
		if err != nil {
			return err
		}
	} else {
		order = make([]int, n)
		for i := range order {
			order[i] = i
		}
	}

	feasible := make([]float64, n)
	spent := 0.0
	for _, i := range order {
		if assign[i] == 0 {
			continue
		}
		if spent+costs[i] > *spec.BudgetCap {
			continue
		}
		feasible[i] = 1
		spent += costs[i]
	}

	// Elementwise minimum: treated only if both selection and budget allow.
	for i := range assign {
		if feasible[i] < assign[i] {
			assign[i] = feasible[i]
		}
	}
	return nil
}

// unitCosts resolves per-unit costs: the spec's cost_column wins, then
// the mapped cost column, then a flat CostPerUnit.
func (g *Generator) unitCosts(spec *api.ScenarioSpec, f *frame.Frame, mappedCost string) ([]float64, error) {
	costColumn := spec.CostColumn
	if costColumn == "" {
		costColumn = mappedCost
	}
	if costColumn != "" {
		col, ok := f.Float(costColumn)
		if !ok {
			return nil, &api.ValidationError{Field: "cost_column", Message: fmt.Sprintf("column %s not found", costColumn)}
		}
		return col, nil
	}

	unit := spec.CostPerUnit
	if unit <= 0 {
		unit = 1.0
	}
	costs := make([]float64, f.Rows())
	for i := range costs {
		costs[i] = unit
	}
	return costs, nil
}

// applyRegions zeroes out units outside the allow-listed region set.
// The mapped region column is preferred; the conventional "region"
// column is the default.
func (g *Generator) applyRegions(spec *api.ScenarioSpec, f *frame.Frame, regionColumn string, assign []float64) error {
	if regionColumn == "" {
		regionColumn = "region"
	}
	regions, ok := f.String(regionColumn)
	if !ok {
		return &api.ValidationError{Field: "regions", Message: fmt.Sprintf("region column %s not found", regionColumn)}
	}

	allowed := make(map[string]bool, len(spec.Regions))
	for _, r := range spec.Regions {
		allowed[r] = true
	}
	for i, r := range regions {
		if !allowed[r] {
			assign[i] = 0
		}
	}
	return nil
}

// applyFairness trims treated units from over-represented groups until
// the max/min treated-rate gap is within the allowed maximum. Trimming
// removes the lowest-scoring treated units first so the highest-value
// selection survives.
func (g *Generator) applyFairness(spec *api.ScenarioSpec, f *frame.Frame, groupColumn, scoreColumn string, assign []float64) error {
	groups, ok := f.String(groupColumn)
	if !ok {
		return &api.ValidationError{Field: "fairness_group", Message: fmt.Sprintf("column %s not found", groupColumn)}
	}

	// Ascending-score trim order; without scores fall back to reverse
	// row order so trimming stays deterministic.
	n := f.Rows()
	trimOrder := make([]int, n)
	if f.HasColumn(scoreColumn) {
		ranked, err := f.RankDescending(scoreColumn)
		if err != nil {
			return err
		}
		for i, idx := range ranked {
			trimOrder[n-1-i] = idx
		}
	} else {
		for i := range trimOrder {
			trimOrder[i] = n - 1 - i
		}
	}

	for iter := 0; iter < n; iter++ {
		rates, sizes := groupTreatedRates(groups, assign)
		maxGroup, gap := widestGap(rates)
		if gap <= spec.FairnessGap || maxGroup == "" || sizes[maxGroup] == 0 {
			return nil
		}

		trimmed := false
		for _, idx := range trimOrder {
			if assign[idx] > 0 && groups[idx] == maxGroup {
				assign[idx] = 0
				trimmed = true
				break
			}
		}
		if !trimmed {
			return nil
		}
	}
	return nil
}

func groupTreatedRates(groups []string, assign []float64) (map[string]float64, map[string]int) {
	treated := make(map[string]int)
	sizes := make(map[string]int)
	for i, grp := range groups {
		sizes[grp]++
		if assign[i] > 0 {
			treated[grp]++
		}
	}
	rates := make(map[string]float64, len(sizes))
	for grp, size := range sizes {
		rates[grp] = float64(treated[grp]) / float64(size)
	}
	return rates, sizes
}

// widestGap returns the group with the highest treated rate and the gap
// between the highest and lowest rates.
func widestGap(rates map[string]float64) (string, float64) {
	if len(rates) < 2 {
		return "", 0
	}
	maxGroup := ""
	maxRate, minRate := -1.0, 2.0
	for grp, r := range rates {
		if r > maxRate {
			maxRate = r
			maxGroup = grp
		}
		if r < minRate {
			minRate = r
		}
	}
	return maxGroup, maxRate - minRate
}
