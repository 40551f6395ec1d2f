package scenario

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/openlift/openlift/internal/api"
	"github.com/openlift/openlift/internal/frame"
)

func floatPtr(v float64) *float64 { return &v }

func loggedFrame(t *testing.T, n int) *frame.Frame {
	t.Helper()
	f := frame.New(n)

	treatment := make([]float64, n)
	outcome := make([]float64, n)
	propensity := make([]float64, n)
	score := make([]float64, n)
	for i := 0; i < n; i++ {
		treatment[i] = float64(i % 2)
		outcome[i] = 2 + 5*treatment[i] + 0.1*float64(i%10)
		propensity[i] = 0.5
		score[i] = float64(i)
	}

	for name, col := range map[string][]float64{
		"t": treatment, "y": outcome, "e": propensity, "score": score,
	} {
		if err := f.AddFloat(name, col); err != nil {
			t.Fatalf("AddFloat(%s) failed: %v", name, err)
		}
	}
	return f
}

func loggedMapping() *api.ColumnMapping {
	return &api.ColumnMapping{Treatment: "t", Outcome: "y", Propensity: "e", Score: "score"}
}

func TestCompareMissingColumnFailsFast(t *testing.T) {
	c := NewComparator(api.DefaultEngineParams())
	f := loggedFrame(t, 40)
	spec := &api.ScenarioSpec{Intervention: api.InterventionDo, DoValue: 1}

	tests := []struct {
		name    string
		mapping *api.ColumnMapping
		field   string
	}{
		{"missing_treatment", &api.ColumnMapping{Treatment: "nope", Outcome: "y", Propensity: "e"}, "treatment"},
		{"missing_outcome", &api.ColumnMapping{Treatment: "t", Outcome: "nope", Propensity: "e"}, "outcome"},
		{"missing_propensity", &api.ColumnMapping{Treatment: "t", Outcome: "y", Propensity: "nope"}, "propensity"},
		{"no_adjustment_inputs", &api.ColumnMapping{Treatment: "t", Outcome: "y"}, "propensity"},
		{"missing_covariate", &api.ColumnMapping{Treatment: "t", Outcome: "y", Covariates: []string{"nope"}}, "covariates"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compare(context.Background(), f, tt.mapping, spec, api.MethodIPS, nil)
			var verr *api.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("error field %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestCompareDeltaAndMoney(t *testing.T) {
	c := NewComparator(api.DefaultEngineParams())
	f := loggedFrame(t, 100)
	spec := &api.ScenarioSpec{
		Intervention: api.InterventionDo,
		DoValue:      1,
		ValuePerUnit: 2.0,
		CostPerUnit:  1.5,
	}

	result, err := c.Compare(context.Background(), f, loggedMapping(), spec, api.MethodIPS, nil)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	wantDelta := result.S1.Mean - result.S0.Mean
	if math.Abs(result.Delta.Point-wantDelta) > 1e-9 {
		t.Errorf("delta point %.6f, want %.6f", result.Delta.Point, wantDelta)
	}
	if result.Delta.CILower > result.Delta.CIUpper {
		t.Errorf("delta CI inverted: [%.4f, %.4f]", result.Delta.CILower, result.Delta.CIUpper)
	}

	// do(T=1) treats everyone; the observed log treats half.
	incremental := 1.5 * float64(result.Policy.NumTreated-result.S0.N/2)
	wantMoney := 2.0*wantDelta*float64(f.Rows()) - incremental
	if math.Abs(result.Money.Point-wantMoney) > 1e-9 {
		t.Errorf("money point %.4f, want %.4f", result.Money.Point, wantMoney)
	}
	if result.Money.CILower > result.Money.CIUpper {
		t.Errorf("money CI inverted: [%.4f, %.4f]", result.Money.CILower, result.Money.CIUpper)
	}
}

func TestCompareRunMetadata(t *testing.T) {
	c := NewComparator(api.DefaultEngineParams())
	f := loggedFrame(t, 40)
	spec := &api.ScenarioSpec{Intervention: api.InterventionDo, DoValue: 0}

	result, err := c.Compare(context.Background(), f, loggedMapping(), spec, api.MethodSNIPS, nil)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	if result.RunID == "" {
		t.Error("run id not assigned")
	}
	if result.Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
	if result.Method != api.MethodSNIPS {
		t.Errorf("method %s, want SNIPS", result.Method)
	}
	if result.RuntimeMs < 0 {
		t.Errorf("runtime %.3fms is negative", result.RuntimeMs)
	}
	if result.Policy == nil || result.Policy.NumTreated != 0 {
		t.Error("do(T=0) policy should treat nobody")
	}
}

func TestCompareCancelledContext(t *testing.T) {
	c := NewComparator(api.DefaultEngineParams())
	f := loggedFrame(t, 40)
	spec := &api.ScenarioSpec{Intervention: api.InterventionDo, DoValue: 1}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Compare(ctx, f, loggedMapping(), spec, api.MethodIPS, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCompareAllSharesPolicyAcrossMethods(t *testing.T) {
	c := NewComparator(api.DefaultEngineParams())

	// No score column: the generator must fall back to seeded random
	// selection, and every method slot must still see the same policy.
	n := 80
	f := frame.New(n)
	treatment := make([]float64, n)
	outcome := make([]float64, n)
	propensity := make([]float64, n)
	for i := 0; i < n; i++ {
		treatment[i] = float64(i % 2)
		outcome[i] = float64(i)
		propensity[i] = 0.5
	}
	for name, col := range map[string][]float64{"t": treatment, "y": outcome, "e": propensity} {
		if err := f.AddFloat(name, col); err != nil {
			t.Fatalf("AddFloat(%s) failed: %v", name, err)
		}
	}

	mapping := &api.ColumnMapping{Treatment: "t", Outcome: "y", Propensity: "e"}
	spec := &api.ScenarioSpec{Intervention: api.InterventionPolicy, Coverage: floatPtr(0.25)}
	methods := []api.EstimatorMethod{api.MethodIPS, api.MethodSNIPS, api.MethodDR}

	slots := c.CompareAll(context.Background(), f, mapping, spec, methods, 7)
	if len(slots) != 3 {
		t.Fatalf("got %d slots, want 3", len(slots))
	}

	base := slots[0]
	if base.Err != "" {
		t.Fatalf("IPS slot failed: %s", base.Err)
	}
	for _, slot := range slots[1:] {
		if slot.Err != "" {
			t.Fatalf("%s slot failed: %s", slot.Method, slot.Err)
		}
		for i := range base.Result.Policy.Assign {
			if slot.Result.Policy.Assign[i] != base.Result.Policy.Assign[i] {
				t.Fatalf("%s slot policy diverged from IPS at unit %d", slot.Method, i)
			}
		}
	}
}

func TestCompareAllIsolatesFailures(t *testing.T) {
	c := NewComparator(api.DefaultEngineParams())
	f := loggedFrame(t, 40)
	spec := &api.ScenarioSpec{Intervention: api.InterventionDo, DoValue: 1}

	slots := c.CompareAll(context.Background(), f, loggedMapping(), spec,
		[]api.EstimatorMethod{api.MethodDR, "BOGUS"}, 1)

	if slots[0].Err != "" || slots[0].Result == nil {
		t.Errorf("DR slot should succeed, got err=%q", slots[0].Err)
	}
	if slots[1].Err == "" || slots[1].Result != nil {
		t.Error("unknown-method slot should carry an error, not a result")
	}
}

func TestCompareSeededReproducibility(t *testing.T) {
	c := NewComparator(api.DefaultEngineParams())

	n := 60
	f := frame.New(n)
	for name := range map[string]bool{"t": true, "y": true, "e": true} {
		col := make([]float64, n)
		for i := range col {
			col[i] = 0.5
			if name != "e" {
				col[i] = float64(i % 2)
			}
		}
		if err := f.AddFloat(name, col); err != nil {
			t.Fatalf("AddFloat(%s) failed: %v", name, err)
		}
	}

	mapping := &api.ColumnMapping{Treatment: "t", Outcome: "y", Propensity: "e"}
	spec := &api.ScenarioSpec{Intervention: api.InterventionPolicy, Coverage: floatPtr(0.5)}

	first, err := c.Compare(context.Background(), f, mapping, spec, api.MethodIPS, rand.New(rand.NewSource(99)))
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	second, err := c.Compare(context.Background(), f, mapping, spec, api.MethodIPS, rand.New(rand.NewSource(99)))
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	for i := range first.Policy.Assign {
		if first.Policy.Assign[i] != second.Policy.Assign[i] {
			t.Fatalf("same seed produced different policies at unit %d", i)
		}
	}
	if first.S1.Mean != second.S1.Mean {
		t.Errorf("same seed produced different estimates: %.6f vs %.6f", first.S1.Mean, second.S1.Mean)
	}
}

func TestBootstrapDelta(t *testing.T) {
	c := NewComparator(api.DefaultEngineParams())
	f := loggedFrame(t, 50)

	params := SimulationParams{
		Frame:   f,
		Mapping: loggedMapping(),
		Spec:    &api.ScenarioSpec{Intervention: api.InterventionDo, DoValue: 1},
		Method:  api.MethodIPS,
	}

	delta, err := BootstrapDelta(&ComparatorSimulator{Comparator: c}, params, 100, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("BootstrapDelta failed: %v", err)
	}
	if math.IsNaN(delta.Point) {
		t.Fatal("bootstrap delta undefined")
	}
	if delta.CILower > delta.CIUpper {
		t.Errorf("bootstrap CI inverted: [%.4f, %.4f]", delta.CILower, delta.CIUpper)
	}
}
