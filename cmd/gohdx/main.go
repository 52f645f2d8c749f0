package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	_ "github.com/lib/pq"

	"gohdx/adapters/memstore"
	"gohdx/adapters/postgres"
	"gohdx/adapters/report"
	"gohdx/app"
	"gohdx/domain/core"
	"gohdx/domain/hdx"
	"gohdx/domain/kinetics"
	"gohdx/domain/stats"
	"gohdx/internal/analysis"
	"gohdx/internal/config"
	"gohdx/internal/fit"
	"gohdx/internal/migration"
	"gohdx/internal/testkit"
	"gohdx/ports"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	rootCmd := &cobra.Command{
		Use:   "gohdx",
		Short: "Differential HDX uptake-kinetics testing engine",
	}

	rootCmd.AddCommand(
		newDemoCmd(),
		newAnalyzeCmd(),
		newCurveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// analysisFlags are the solver and testing overrides shared by the demo and
// analyze commands. Unset flags defer to the environment configuration.
type analysisFlags struct {
	concurrency  int
	alpha        float64
	fdr          string
	maxIter      int
	tol          float64
	noModeration bool
}

func addAnalysisFlags(cmd *cobra.Command, f *analysisFlags) {
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "Worker pool size (0 = one per CPU)")
	cmd.Flags().Float64Var(&f.alpha, "alpha", 0.05, "Significance level in (0,1)")
	cmd.Flags().StringVar(&f.fdr, "fdr", "BH", "Multiplicity correction: BH|BY")
	cmd.Flags().IntVar(&f.maxIter, "max-iter", 200, "Solver iteration cap per fit")
	cmd.Flags().Float64Var(&f.tol, "tol", 1e-8, "Solver convergence tolerance")
	cmd.Flags().BoolVar(&f.noModeration, "no-moderation", false, "Disable empirical-Bayes variance moderation")
}

// loadConfig layers explicit flags over the environment configuration
func loadConfig(cmd *cobra.Command, f *analysisFlags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Batch.Concurrency = f.concurrency
	}
	if cmd.Flags().Changed("alpha") {
		cfg.Significance.Alpha = f.alpha
	}
	if cmd.Flags().Changed("fdr") {
		cfg.Significance.Method = stats.FDRMethod(strings.ToUpper(f.fdr))
		if !cfg.Significance.Method.Valid() {
			return nil, fmt.Errorf("invalid --fdr %q (expected BH or BY)", f.fdr)
		}
	}
	if cmd.Flags().Changed("max-iter") {
		cfg.Solver.MaxIterations = f.maxIter
	}
	if cmd.Flags().Changed("tol") {
		cfg.Solver.Tolerance = f.tol
	}
	if f.noModeration {
		cfg.Significance.Moderation = false
	}
	if cfg.Significance.Alpha <= 0 || cfg.Significance.Alpha >= 1 {
		return nil, fmt.Errorf("invalid --alpha %g (expected a value in (0,1))", f.alpha)
	}
	return cfg, nil
}

// openLedger connects the optional result ledger. An empty DATABASE_URL
// keeps results in memory; a set one gets the schema ensured before use.
func openLedger(ctx context.Context, cfg *config.Config) (ports.LedgerWriterPort, func(), error) {
	if cfg.Database.URL == "" {
		return nil, func() {}, nil
	}
	db, err := postgres.Connect(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to result ledger: %w", err)
	}
	if err := migration.NewRunner().Run(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ensure ledger schema: %w", err)
	}
	return postgres.NewResultLedger(db, nil), func() { db.Close() }, nil
}

func newDemoCmd() *cobra.Command {
	var flags analysisFlags
	var seed int64
	var features, differential, corrupted int
	var outDir string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Generate a synthetic two-condition dataset and analyze it",
		Long: `Generate a seeded synthetic uptake dataset with planted differential and
corrupted features, run the full pipeline on it, and write the dataset plus
the result reports to the output directory.

Example: gohdx demo --seed 42 --features 60 --differential 8 --out demo-out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &flags)
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), cfg, seed, features, differential, corrupted, outDir)
		},
	}

	cmd.Flags().Int64Var(&seed, "seed", 42, "Random seed for the synthetic dataset")
	cmd.Flags().IntVar(&features, "features", 60, "Total synthetic features")
	cmd.Flags().IntVar(&differential, "differential", 8, "Features with a planted protection difference")
	cmd.Flags().IntVar(&corrupted, "corrupted", 3, "Features with deliberately unusable series")
	cmd.Flags().StringVar(&outDir, "out", "gohdx-demo", "Output directory")
	addAnalysisFlags(cmd, &flags)

	return cmd
}

func newAnalyzeCmd() *cobra.Command {
	var flags analysisFlags
	var outDir string

	cmd := &cobra.Command{
		Use:   "analyze [input.json]",
		Short: "Run differential testing on an uptake dataset",
		Long: `Analyze a JSON uptake document: fit the pooled and per-condition kinetic
models for every feature, moderate the residual variances across the batch,
and write the corrected result table, effect estimates, and fit diagnostics
to the output directory.

Sample labels follow <condition>_<seconds>s_r<replicate>. The document holds
the design labels and one values map per feature:

  {
    "design": ["apo_0s_r1", "apo_60s_r1", "bound_0s_r1", ...],
    "features": [
      {"feature": "PEP-0001", "values": {"apo_0s_r1": 0.31, ...}}
    ]
  }

With DATABASE_URL set, the run is also recorded in the postgres ledger.

Example: gohdx analyze uptake.json --alpha 0.01 --fdr BY --out results`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &flags)
			if err != nil {
				return err
			}
			return runAnalyze(cmd.Context(), cfg, args[0], outDir)
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "gohdx-results", "Output directory")
	addAnalysisFlags(cmd, &flags)

	return cmd
}

func newCurveCmd() *cobra.Command {
	var points int
	var maxIter int
	var tol float64

	cmd := &cobra.Command{
		Use:   "curve [input.json] [feature]",
		Short: "Fit one feature and print its curves over a time grid",
		Long: `Fit the pooled and per-condition models for a single feature and print
the fitted uptake curves over an even time grid as CSV, for external
plotting tools.

Example: gohdx curve uptake.json PEP-0001 --points 100`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCurve(cmd.Context(), args[0], args[1], points, maxIter, tol)
		},
	}

	cmd.Flags().IntVar(&points, "points", 50, "Grid points per condition")
	cmd.Flags().IntVar(&maxIter, "max-iter", 200, "Solver iteration cap per fit")
	cmd.Flags().Float64Var(&tol, "tol", 1e-8, "Solver convergence tolerance")

	return cmd
}

func runDemo(ctx context.Context, cfg *config.Config, seed int64, features, differential, corrupted int, outDir string) error {
	fmt.Printf("Generating synthetic uptake dataset (%d features, %d differential, %d corrupted, seed %d)...\n",
		features, differential, corrupted, seed)

	genCfg := testkit.DefaultConfig()
	genCfg.Features = features
	genCfg.Differential = differential
	genCfg.Corrupted = corrupted
	genCfg.Seed = seed

	ds, err := testkit.Generate(genCfg)
	if err != nil {
		return fmt.Errorf("dataset generation failed: %w", err)
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := testkit.WriteCSV(filepath.Join(outDir, "dataset.csv"), ds); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	if err := testkit.WriteXLSX(filepath.Join(outDir, "dataset.xlsx"), ds); err != nil {
		return fmt.Errorf("failed to write dataset workbook: %w", err)
	}
	fmt.Printf("Dataset fingerprint: %s\n", ds.Fingerprint())

	result, err := analyze(ctx, cfg, nil, ds.Features, ds.Table)
	if err != nil {
		return err
	}
	if err := writeReports(outDir, result); err != nil {
		return err
	}
	printRunSummary(result, cfg)

	// Score the calls against the planted truth.
	sig := make(map[core.FeatureID]bool)
	for _, f := range result.Table.Significant() {
		sig[f] = true
	}
	var hits int
	for _, f := range ds.DifferentialFeatures() {
		if sig[f] {
			hits++
		}
	}
	falsePositives := len(sig) - hits

	fmt.Printf("\n=== TRUTH RECOVERY ===\n")
	fmt.Printf("Planted differential: %d\n", differential)
	fmt.Printf("Recovered:            %d\n", hits)
	fmt.Printf("False positives:      %d\n", falsePositives)
	fmt.Printf("Corrupted diagnosed:  %d of %d\n", len(result.Diagnostics), corrupted)

	fmt.Printf("\nOutputs written to %s\n", outDir)
	return nil
}

func runAnalyze(ctx context.Context, cfg *config.Config, inputPath, outDir string) error {
	features, table, err := loadDocument(inputPath)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d features from %s\n", len(features), inputPath)

	ledger, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	result, err := analyze(ctx, cfg, ledger, features, table)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := writeReports(outDir, result); err != nil {
		return err
	}
	printRunSummary(result, cfg)
	if ledger != nil {
		dataset := core.NewArtifact(core.ArtifactDataset, result.RunID, map[string]interface{}{
			"path":     inputPath,
			"features": len(features),
		})
		if err := ledger.StoreArtifact(ctx, dataset); err != nil {
			return fmt.Errorf("failed to record dataset artifact: %w", err)
		}
		fmt.Printf("Run recorded in ledger as %s\n", result.RunID)
	}
	fmt.Printf("\nOutputs written to %s\n", outDir)
	return nil
}

func runCurve(ctx context.Context, inputPath, featureName string, points, maxIter int, tol float64) error {
	features, table, err := loadDocument(inputPath)
	if err != nil {
		return err
	}
	feature, err := core.ParseFeatureID(featureName)
	if err != nil {
		return err
	}
	found := false
	for _, f := range features {
		if f == feature {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("feature %s not present in %s", feature, inputPath)
	}

	series, err := table.Series(ctx, feature)
	if err != nil {
		return err
	}

	fitter := fit.NewModelFitter(fit.Config{MaxIterations: maxIter, Tolerance: tol}, nil)
	unit := analysis.BuildUnit(fitter, series, kinetics.PooledUptake(), kinetics.ConditionUptake(), nil)
	fmt.Print(unit.Summary())
	if !unit.Tested() {
		return fmt.Errorf("feature %s could not be fitted", feature)
	}

	times := series.DistinctTimes()
	maxTime := times[len(times)-1]
	if points < 2 {
		points = 2
	}
	grid := make([]float64, points)
	for i := range grid {
		grid[i] = maxTime * float64(i) / float64(points-1)
	}

	fmt.Println("\ncondition,time,null_uptake,alt_uptake")
	for _, cond := range series.Conditions() {
		nullCurve, err := unit.Null.PredictAt(cond, grid)
		if err != nil {
			return err
		}
		altCurve, err := unit.Alt.PredictAt(cond, grid)
		if err != nil {
			return err
		}
		for i, t := range grid {
			fmt.Printf("%s,%g,%.6g,%.6g\n", cond, t, nullCurve[i], altCurve[i])
		}
	}
	return nil
}

// analyze assembles the service and runs the default nested pair
func analyze(ctx context.Context, cfg *config.Config, ledger ports.LedgerWriterPort, features []core.FeatureID, table *memstore.FeatureTable) (*app.AnalysisResult, error) {
	svc, err := app.NewAnalysisService(cfg, ledger, nil)
	if err != nil {
		return nil, err
	}
	result, err := svc.Run(ctx, app.AnalysisRequest{
		Features:    features,
		Source:      table,
		NullFormula: kinetics.PooledUptake(),
		AltFormula:  kinetics.ConditionUptake(),
	})
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}
	return result, nil
}

func writeReports(outDir string, result *app.AnalysisResult) error {
	if err := report.WriteTableCSV(filepath.Join(outDir, "results.csv"), result.Table); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	if err := report.WriteEffectsCSV(filepath.Join(outDir, "effects.csv"), result.Table); err != nil {
		return fmt.Errorf("failed to write effects: %w", err)
	}
	if err := report.WriteDiagnosticsCSV(filepath.Join(outDir, "diagnostics.csv"), result.Diagnostics); err != nil {
		return fmt.Errorf("failed to write diagnostics: %w", err)
	}
	if err := report.WriteWorkbook(filepath.Join(outDir, "results.xlsx"), result.Table, result.Diagnostics, result.Moderation); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func printRunSummary(result *app.AnalysisResult, cfg *config.Config) {
	table := result.Table
	sig := table.Significant()

	fmt.Printf("\n=== RUN %s ===\n", result.RunID)
	fmt.Printf("Features:    %d requested, %d tested, %d not tested\n",
		table.Len(), table.TestedCount(), table.NotTestedCount())
	fmt.Printf("Testing:     alpha=%g fdr=%s moderated=%t\n",
		cfg.Significance.Alpha, cfg.Significance.Method, result.Moderation != nil)
	if result.Moderation != nil {
		fmt.Printf("Prior:       var=%.6g df=%g from %d features\n",
			result.Moderation.PriorVar, float64(result.Moderation.PriorDF), result.Moderation.UsedFeatures)
	}
	fmt.Printf("Significant: %d\n", len(sig))
	for i, f := range sig {
		if i == 10 {
			fmt.Printf("  ... and %d more\n", len(sig)-10)
			break
		}
		if row, ok := table.Row(f); ok {
			fmt.Printf("  %s  LR=%.4g  p=%.3g  q=%.3g\n", f, float64(row.LRStat), float64(row.PValue), float64(row.QValue))
		}
	}
	if len(result.Diagnostics) > 0 {
		counts := make(map[stats.ReasonCode]int)
		for _, d := range result.Diagnostics {
			counts[d.Reason]++
		}
		reasons := make([]string, 0, len(counts))
		for r, n := range counts {
			reasons = append(reasons, fmt.Sprintf("%s=%d", r, n))
		}
		sort.Strings(reasons)
		fmt.Printf("Not tested:  %s\n", strings.Join(reasons, " "))
	}
	fmt.Printf("Fingerprint: %s\n", result.Manifest.Fingerprint)
	fmt.Printf("Runtime:     %d ms\n", result.RuntimeMs)
}

// document is the analyze/curve input format: design labels plus one wide
// values map per feature, keyed by sample label.
type document struct {
	Design   []string          `json:"design"`
	Features []documentFeature `json:"features"`
}

type documentFeature struct {
	Feature string             `json:"feature"`
	Values  map[string]float64 `json:"values"`
}

func loadDocument(path string) ([]core.FeatureID, *memstore.FeatureTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("invalid input document: %w", err)
	}
	if len(doc.Design) == 0 {
		return nil, nil, fmt.Errorf("input document has no design labels")
	}
	if len(doc.Features) == 0 {
		return nil, nil, fmt.Errorf("input document has no features")
	}

	design, err := hdx.DesignFromLabels(doc.Design)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid design: %w", err)
	}

	features := make([]core.FeatureID, len(doc.Features))
	records := make([]memstore.Record, len(doc.Features))
	for i, f := range doc.Features {
		id, err := core.ParseFeatureID(f.Feature)
		if err != nil {
			return nil, nil, fmt.Errorf("feature %d: %w", i, err)
		}
		features[i] = id
		records[i] = memstore.Record{Feature: id, Values: f.Values}
	}

	table, err := memstore.FromRecords(design, records)
	if err != nil {
		return nil, nil, err
	}
	return features, table, nil
}
