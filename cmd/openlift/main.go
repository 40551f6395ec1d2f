package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"

	"github.com/openlift/openlift/internal/api"
	"github.com/openlift/openlift/internal/frame"
	"github.com/openlift/openlift/internal/gates"
	"github.com/openlift/openlift/internal/scenario"
)

var (
	// Global flags
	dataFile    string
	mappingFile string
	specFile    string
	method      string
	seed        int64
	pretty      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "openlift",
		Short: "Counterfactual policy evaluation from the command line",
		Long: `Evaluates a candidate treatment policy against logged observational
data: resolves the policy, estimates its causal value (IPS/SNIPS/DR),
runs the quality-gate battery and prints the comparison as JSON.`,
	}

	rootCmd.PersistentFlags().StringVarP(&dataFile, "data", "d", "", "CSV file with the logged records")
	rootCmd.PersistentFlags().StringVarP(&mappingFile, "mapping", "m", "", "JSON file with the column-role mapping")
	rootCmd.PersistentFlags().StringVarP(&specFile, "spec", "s", "", "JSON file with the scenario spec")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 42, "Seed for the policy generator's random fallback")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", true, "Indent JSON output")

	rootCmd.AddCommand(compareCmd())
	rootCmd.AddCommand(gatesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// compareCmd runs the full S0-vs-S1 comparison
func compareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare a candidate policy against the logged assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, mapping, spec, err := loadInputs()
			if err != nil {
				return err
			}

			comparator := scenario.NewComparator(api.DefaultEngineParams())
			rng := rand.New(rand.NewSource(seed))

			result, err := comparator.Compare(context.Background(), f, mapping, spec, api.EstimatorMethod(method), rng)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&method, "method", string(api.MethodDR), "Estimator method (IPS, SNIPS, DR)")
	return cmd
}

// gatesCmd runs the diagnostic battery only, without estimating
func gatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gates",
		Short: "Run the quality-gate diagnostics without estimation",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, mapping, spec, err := loadInputs()
			if err != nil {
				return err
			}

			evaluator := gates.NewEvaluator(api.DefaultEngineParams())
			report := evaluator.Evaluate(&gates.Context{
				Frame:   f,
				Mapping: mapping,
				Cutoff:  spec.RuleCutoff,
				HasRDD:  mapping.Running != "",
			})
			return printJSON(report)
		},
	}
}

func loadInputs() (*frame.Frame, *api.ColumnMapping, *api.ScenarioSpec, error) {
	if dataFile == "" || mappingFile == "" || specFile == "" {
		return nil, nil, nil, fmt.Errorf("--data, --mapping and --spec are required")
	}

	dataF, err := os.Open(dataFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer dataF.Close()

	f, err := frame.FromCSV(dataF)
	if err != nil {
		return nil, nil, nil, err
	}

	var mapping api.ColumnMapping
	if err := loadJSON(mappingFile, &mapping); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load mapping: %w", err)
	}

	var spec api.ScenarioSpec
	if err := loadJSON(specFile, &spec); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load spec: %w", err)
	}

	return f, &mapping, &spec, nil
}

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
