package policy

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/openlift/openlift/internal/api"
	"github.com/openlift/openlift/internal/frame"
)

func floatPtr(v float64) *float64 { return &v }

func scoreMapping() api.ColumnMapping { return api.ColumnMapping{Score: "score"} }

func scoreFrame(t *testing.T, n int) *frame.Frame {
	t.Helper()
	f := frame.New(n)
	scores := make([]float64, n)
	for i := range scores {
		scores[i] = float64(i)
	}
	if err := f.AddFloat("score", scores); err != nil {
		t.Fatalf("AddFloat failed: %v", err)
	}
	return f
}

func TestCoverageTopK(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := scoreFrame(t, 1000)

	spec := &api.ScenarioSpec{
		Intervention: api.InterventionPolicy,
		Coverage:     floatPtr(0.3),
	}

	pol, err := g.Generate(spec, f, scoreMapping(), nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if pol.NumTreated != 300 {
		t.Errorf("coverage 0.3 over 1000 units treated %d, want 300", pol.NumTreated)
	}

	// With distinct ascending scores the treated set is exactly the top 300.
	for i := 0; i < 700; i++ {
		if pol.Assign[i] != 0 {
			t.Fatalf("low-score unit %d treated", i)
		}
	}
	for i := 700; i < 1000; i++ {
		if pol.Assign[i] != 1 {
			t.Fatalf("top-score unit %d untreated", i)
		}
	}
}

func TestZeroRequests(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := scoreFrame(t, 50)

	tests := []struct {
		name string
		spec *api.ScenarioSpec
	}{
		{"zero_budget", &api.ScenarioSpec{Intervention: api.InterventionPolicy, BudgetCap: floatPtr(0)}},
		{"zero_coverage", &api.ScenarioSpec{Intervention: api.InterventionPolicy, Coverage: floatPtr(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pol, err := g.Generate(tt.spec, f, scoreMapping(), nil)
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if pol.NumTreated != 0 {
				t.Errorf("treated %d units, want 0", pol.NumTreated)
			}
			if pol.Infeasible {
				t.Error("explicit zero request flagged infeasible")
			}
		})
	}
}

func TestDoInterventions(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := scoreFrame(t, 20)

	tests := []struct {
		name    string
		doValue int
		treated int
	}{
		{"do_one", 1, 20},
		{"do_zero", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := &api.ScenarioSpec{Intervention: api.InterventionDo, DoValue: tt.doValue}
			pol, err := g.Generate(spec, f, scoreMapping(), nil)
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if pol.NumTreated != tt.treated {
				t.Errorf("do(%d) treated %d units, want %d", tt.doValue, pol.NumTreated, tt.treated)
			}
		})
	}
}

func TestCoveragePrecedenceOverRule(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := scoreFrame(t, 100)

	// The rule alone would treat all scores > 10 (89 units); coverage
	// bounds the result to the top 10.
	spec := &api.ScenarioSpec{
		Intervention:  api.InterventionPolicy,
		RuleThreshold: floatPtr(10),
		Coverage:      floatPtr(0.1),
	}

	pol, err := g.Generate(spec, f, scoreMapping(), nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if pol.NumTreated != 10 {
		t.Errorf("treated %d units, want coverage-bounded 10", pol.NumTreated)
	}
}

func TestRuleThreshold(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := scoreFrame(t, 100)

	spec := &api.ScenarioSpec{
		Intervention:  api.InterventionPolicy,
		RuleThreshold: floatPtr(89.5),
	}

	pol, err := g.Generate(spec, f, scoreMapping(), nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if pol.NumTreated != 10 {
		t.Errorf("rule > 89.5 treated %d units, want 10", pol.NumTreated)
	}
	for i := 90; i < 100; i++ {
		if pol.Assign[i] != 1 {
			t.Fatalf("unit %d above threshold untreated", i)
		}
	}
}

func TestRandomFallbackDeterminism(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := frame.New(200)
	if err := f.AddFloat("y", make([]float64, 200)); err != nil {
		t.Fatalf("AddFloat failed: %v", err)
	}

	spec := &api.ScenarioSpec{
		Intervention: api.InterventionPolicy,
		Coverage:     floatPtr(0.5),
	}

	// No score column: selection falls back to the seeded rng.
	first, err := g.Generate(spec, f, scoreMapping(), rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	second, err := g.Generate(spec, f, scoreMapping(), rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !first.RandomFill || !second.RandomFill {
		t.Error("expected random fallback selection")
	}
	if first.NumTreated != 100 {
		t.Errorf("treated %d units, want 100", first.NumTreated)
	}
	for i := range first.Assign {
		if first.Assign[i] != second.Assign[i] {
			t.Fatalf("same seed diverged at unit %d", i)
		}
	}
}

func TestRandomFallbackRequiresRNG(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := frame.New(10)
	if err := f.AddFloat("y", make([]float64, 10)); err != nil {
		t.Fatalf("AddFloat failed: %v", err)
	}

	spec := &api.ScenarioSpec{
		Intervention: api.InterventionPolicy,
		Coverage:     floatPtr(0.5),
	}

	_, err := g.Generate(spec, f, scoreMapping(), nil)
	var verr *api.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError without rng, got %v", err)
	}
}

func TestBudgetGreedy(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := scoreFrame(t, 10)
	costs := []float64{1, 1, 1, 1, 1, 1, 1, 5, 5, 5}
	if err := f.AddFloat("cost", costs); err != nil {
		t.Fatalf("AddFloat failed: %v", err)
	}

	// Everyone selected by the rule; the cap of 10 funds exactly the
	// two most expensive top-scoring units and nothing after them.
	spec := &api.ScenarioSpec{
		Intervention:  api.InterventionPolicy,
		RuleThreshold: floatPtr(-1),
		BudgetCap:     floatPtr(10),
		CostColumn:    "cost",
	}

	pol, err := g.Generate(spec, f, scoreMapping(), nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	spent := 0.0
	for i, a := range pol.Assign {
		if a > 0 {
			spent += costs[i]
		}
	}
	if spent > 10 {
		t.Errorf("budget exceeded: spent %.1f over cap 10", spent)
	}
	// Greedy order starts from the highest scores, so units 9, 8 and 7
	// are funded before the cheap tail.
	for _, i := range []int{9, 8} {
		if pol.Assign[i] != 1 {
			t.Errorf("high-score unit %d not funded", i)
		}
	}
}

func TestRegionAllowList(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := scoreFrame(t, 6)
	regions := []string{"north", "south", "north", "west", "north", "south"}
	if err := f.AddString("region", regions); err != nil {
		t.Fatalf("AddString failed: %v", err)
	}

	spec := &api.ScenarioSpec{
		Intervention:  api.InterventionPolicy,
		RuleThreshold: floatPtr(-1),
		Regions:       []string{"north"},
	}

	pol, err := g.Generate(spec, f, scoreMapping(), nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	for i, a := range pol.Assign {
		want := 0.0
		if regions[i] == "north" {
			want = 1.0
		}
		if a != want {
			t.Errorf("unit %d (region %s): assign %v, want %v", i, regions[i], a, want)
		}
	}
}

func TestMappedRegionColumn(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := scoreFrame(t, 4)
	markets := []string{"emea", "apac", "emea", "amer"}
	if err := f.AddString("market", markets); err != nil {
		t.Fatalf("AddString failed: %v", err)
	}

	spec := &api.ScenarioSpec{
		Intervention:  api.InterventionPolicy,
		RuleThreshold: floatPtr(-1),
		Regions:       []string{"emea"},
	}
	mapping := api.ColumnMapping{Score: "score", Region: "market"}

	pol, err := g.Generate(spec, f, mapping, nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	for i, a := range pol.Assign {
		want := 0.0
		if markets[i] == "emea" {
			want = 1.0
		}
		if a != want {
			t.Errorf("unit %d (market %s): assign %v, want %v", i, markets[i], a, want)
		}
	}
}

func TestMappedCostColumn(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := scoreFrame(t, 4)
	if err := f.AddFloat("unit_price", []float64{4, 4, 4, 4}); err != nil {
		t.Fatalf("AddFloat failed: %v", err)
	}

	// A cap of 8 over flat 4-unit prices funds exactly the two
	// highest-scoring units.
	spec := &api.ScenarioSpec{
		Intervention:  api.InterventionPolicy,
		RuleThreshold: floatPtr(-1),
		BudgetCap:     floatPtr(8),
	}
	mapping := api.ColumnMapping{Score: "score", Cost: "unit_price"}

	pol, err := g.Generate(spec, f, mapping, nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if pol.NumTreated != 2 {
		t.Fatalf("treated %d units, want 2 under the mapped prices", pol.NumTreated)
	}
	if pol.Assign[3] != 1 || pol.Assign[2] != 1 {
		t.Errorf("assign = %v, want the two highest scores funded", pol.Assign)
	}
}

func TestMappedGroupColumn(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := scoreFrame(t, 10)
	segments := []string{"a", "a", "a", "a", "a", "b", "b", "b", "b", "b"}
	if err := f.AddString("segment", segments); err != nil {
		t.Fatalf("AddString failed: %v", err)
	}

	// No fairness_group in the spec; the mapped group column drives
	// the trim instead.
	spec := &api.ScenarioSpec{
		Intervention: api.InterventionPolicy,
		Coverage:     floatPtr(0.5),
		FairnessGap:  0.4,
	}
	mapping := api.ColumnMapping{Score: "score", Group: "segment"}

	pol, err := g.Generate(spec, f, mapping, nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	treated := map[string]float64{}
	for i, a := range pol.Assign {
		if a > 0 {
			treated[segments[i]]++
		}
	}
	gap := treated["b"]/5 - treated["a"]/5
	if gap > 0.4+1e-9 {
		t.Errorf("treated-rate gap %.2f exceeds allowed 0.40", gap)
	}
}

func TestRegionExclusionInfeasible(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := scoreFrame(t, 4)
	if err := f.AddString("region", []string{"east", "east", "east", "east"}); err != nil {
		t.Fatalf("AddString failed: %v", err)
	}

	spec := &api.ScenarioSpec{
		Intervention:  api.InterventionPolicy,
		RuleThreshold: floatPtr(-1),
		Regions:       []string{"north"},
	}

	pol, err := g.Generate(spec, f, scoreMapping(), nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if pol.NumTreated != 0 {
		t.Errorf("treated %d units outside allow-list", pol.NumTreated)
	}
	if !pol.Infeasible {
		t.Error("fully excluded selection not flagged infeasible")
	}
}

func TestFairnessTrim(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := scoreFrame(t, 10)
	groups := []string{"a", "a", "a", "a", "a", "b", "b", "b", "b", "b"}
	if err := f.AddString("group", groups); err != nil {
		t.Fatalf("AddString failed: %v", err)
	}

	// Top 5 scores all sit in group b: treated rates 0.0 vs 1.0 before
	// trimming.
	spec := &api.ScenarioSpec{
		Intervention:  api.InterventionPolicy,
		Coverage:      floatPtr(0.5),
		FairnessGroup: "group",
		FairnessGap:   0.4,
	}

	pol, err := g.Generate(spec, f, scoreMapping(), nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	treated := map[string]float64{}
	sizes := map[string]float64{}
	for i, a := range pol.Assign {
		sizes[groups[i]]++
		if a > 0 {
			treated[groups[i]]++
		}
	}
	gap := treated["b"]/sizes["b"] - treated["a"]/sizes["a"]
	if gap > 0.4+1e-9 {
		t.Errorf("treated-rate gap %.2f exceeds allowed 0.40", gap)
	}
	// The lowest-scoring treated units go first, so the top scorer stays.
	if pol.Assign[9] != 1 {
		t.Error("fairness trim removed the highest-value unit")
	}
}

func TestGenerateRejectsInvalidSpec(t *testing.T) {
	g := NewGenerator(api.DefaultEngineParams())
	f := scoreFrame(t, 10)

	tests := []struct {
		name string
		spec *api.ScenarioSpec
	}{
		{"bad_coverage", &api.ScenarioSpec{Intervention: api.InterventionPolicy, Coverage: floatPtr(1.5)}},
		{"negative_budget", &api.ScenarioSpec{Intervention: api.InterventionPolicy, BudgetCap: floatPtr(-1)}},
		{"bad_do_value", &api.ScenarioSpec{Intervention: api.InterventionDo, DoValue: 2}},
		{"unknown_intervention", &api.ScenarioSpec{Intervention: "mystery"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Generate(tt.spec, f, scoreMapping(), nil)
			var verr *api.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}
