package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/aggregate"
	"github.com/opensource-finance/kestrel/internal/classifier"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/generator"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/segment"
)

func generateCmd() *cobra.Command {
	var (
		out     string
		records int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic transaction dataset to CSV",
		Long: `Generate a seeded synthetic dataset and write it as CSV.

Examples:
  kestrel generate --records 100000 --out ./data/ecommerce_transactions.csv
  kestrel generate --seed 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			gen := cfg.Generator
			if records > 0 {
				gen.Records = records
			}
			if out == "" {
				out = cfg.Pipeline.CSVPath
			}

			start := time.Now()
			txs := generator.New(gen, cfg.Pipeline.Seed).Generate()
			if err := ingest.WriteFile(out, txs); err != nil {
				return err
			}

			slog.Info("dataset generated",
				"records", len(txs),
				"seed", cfg.Pipeline.Seed,
				"path", out,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			fmt.Printf("wrote %d transactions to %s\n", len(txs), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output CSV path (default pipeline.csv_path)")
	cmd.Flags().IntVarP(&records, "records", "n", 0, "number of records (default generator.records)")

	return cmd
}

func loadCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load a CSV dataset into the transaction store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = cfg.Pipeline.CSVPath
			}

			txs, err := ingest.ReadFile(path)
			if err != nil {
				return err
			}

			repo, err := openRepository()
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.SaveTransactions(cmd.Context(), cfg.Pipeline.DatasetID, txs); err != nil {
				return err
			}

			fmt.Printf("loaded %d transactions into dataset %s\n", len(txs), cfg.Pipeline.DatasetID)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "csv", "", "CSV path (default pipeline.csv_path)")

	return cmd
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print the aggregation summary of the stored dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository()
			if err != nil {
				return err
			}
			defer repo.Close()

			txs, err := repo.ScanTransactions(cmd.Context(), cfg.Pipeline.DatasetID)
			if err != nil {
				return err
			}

			meta := report.Meta{
				DatasetID:   cfg.Pipeline.DatasetID,
				Seed:        cfg.Pipeline.Seed,
				GeneratedAt: time.Now().UTC(),
			}
			rep := report.Build(meta, aggregate.Summarize(txs), nil, cfg.Pipeline.TopN)
			fmt.Print(rep.Text())
			return nil
		},
	}
}

func analyzeCmd() *cobra.Command {
	var trees int

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Train the fraud classifier and print its evaluation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p := cfg.Pipeline
			if trees > 0 {
				p.NumTrees = trees
			}

			repo, err := openRepository()
			if err != nil {
				return err
			}
			defer repo.Close()

			txs, err := repo.ScanTransactions(ctx, p.DatasetID)
			if err != nil {
				return err
			}
			if len(txs) == 0 {
				return &domain.InsufficientDataError{Reason: "dataset is empty"}
			}

			schema, err := features.Fit(txs)
			if err != nil {
				return err
			}
			x, err := schema.Encode(txs)
			if err != nil {
				return err
			}
			y, err := features.Labels(txs)
			if err != nil {
				return err
			}

			start := time.Now()
			res, err := classifier.Train(ctx, x, y, classifier.ConfigFromPipeline(p))
			if err != nil {
				return err
			}
			slog.Info("classifier trained",
				"trees", len(res.Forest.Trees),
				"features", len(schema.Columns),
				"duration_ms", time.Since(start).Milliseconds(),
			)

			var b strings.Builder
			b.WriteString("Classification Report\n")
			report.WriteClassification(&b, res.Report)
			fmt.Fprintf(&b, "\nTop %d Feature Importances\n", p.TopN)
			report.WriteImportances(&b, res.Top(p.TopN))
			fmt.Print(b.String())
			return nil
		},
	}

	cmd.Flags().IntVar(&trees, "trees", 0, "number of trees (default pipeline.num_trees)")

	return cmd
}

func runCmd() *cobra.Command {
	var (
		skipGenerate bool
		records      int
		quiet        bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline: generate, load, summary, analysis, report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			repo, err := openRepository()
			if err != nil {
				return err
			}
			defer repo.Close()

			store, err := openArtifacts(ctx)
			if err != nil {
				return err
			}

			plan := pipeline.PlanFor(cfg, "", domain.RunRequest{
				Records:      records,
				SkipGenerate: skipGenerate,
			})

			run, st, err := pipeline.NewRunner(repo, store, nil).Run(ctx, plan)
			if run != nil {
				printStages(run)
			}
			if err != nil {
				return err
			}

			if !quiet && st.Report != nil {
				fmt.Print(st.Report.Text())
			}
			for _, obj := range st.Artifacts {
				fmt.Printf("artifact: %s\n", obj.URL)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipGenerate, "skip-generate", false, "load pipeline.csv_path instead of generating")
	cmd.Flags().IntVarP(&records, "records", "n", 0, "number of generated records (default generator.records)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print the report")

	return cmd
}

func printStages(run *domain.PipelineRun) {
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "run %s (%s)\n", run.ID, run.Status)
	fmt.Fprintln(w, "STAGE\tSTATUS\tELAPSED")
	for _, s := range run.Stages {
		elapsed := (time.Duration(s.DurationMs) * time.Millisecond).String()
		if s.Status == pipeline.StatusSkipped {
			elapsed = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Stage, s.Status, elapsed)
	}
	w.Flush()
}

func queryCmd() *cobra.Command {
	var (
		by      string
		measure string
		where   string
		inStore bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a single aggregation over the stored dataset",
		Long: `Group the stored dataset and print counts or means per group.

Examples:
  kestrel query --by country --measure fraud_flag
  kestrel query --by age_group,user_gender --measure fraud_flag
  kestrel query --by device_type --measure transaction_amount --where 'country == "Kenya"'
  kestrel query --by verification_method --measure verification_success --in-store`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			repo, err := openRepository()
			if err != nil {
				return err
			}
			defer repo.Close()

			if inStore {
				if where != "" {
					return fmt.Errorf("%w: --where cannot be combined with --in-store", domain.ErrInvalidInput)
				}
				rates, err := repo.GroupRates(ctx, cfg.Pipeline.DatasetID, by, measure)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "%s\tCOUNT\tMEAN(%s)\n", strings.ToUpper(by), measure)
				for _, r := range rates {
					fmt.Fprintf(w, "%s\t%d\t%s\n", r.Key, r.Count, formatMean(r.Mean, r.Defined))
				}
				return w.Flush()
			}

			grouping, err := aggregate.Parse(by)
			if err != nil {
				return err
			}

			txs, err := repo.ScanTransactions(ctx, cfg.Pipeline.DatasetID)
			if err != nil {
				return err
			}

			if where != "" {
				engine, err := segment.NewEngine(cfg.Pipeline.Workers)
				if err != nil {
					return err
				}
				p, err := engine.Compile(where)
				if err != nil {
					return err
				}
				if txs, err = engine.Filter(ctx, p, txs); err != nil {
					return err
				}
			}

			var res *aggregate.Result
			if measure == "" {
				res = aggregate.Count(txs, grouping)
			} else {
				m, err := aggregate.MeasureColumn(measure)
				if err != nil {
					return err
				}
				res = aggregate.Mean(txs, grouping, m)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			header := strings.ToUpper(strings.Join(res.Dimensions, " × ")) + "\tROWS"
			if measure != "" {
				header += fmt.Sprintf("\tMEAN(%s)", measure)
			}
			fmt.Fprintln(w, header)
			for _, g := range res.Groups {
				line := fmt.Sprintf("%s\t%d", g.Label(), g.Rows)
				if measure != "" {
					line += "\t" + formatMean(g.Mean, g.Defined)
				}
				fmt.Fprintln(w, line)
			}
			fmt.Fprintf(w, "(%d rows matched)\n", len(txs))
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "grouping dimensions, comma separated (e.g. country or age_group,user_gender)")
	cmd.Flags().StringVar(&measure, "measure", "", "column to average; omit to count rows")
	cmd.Flags().StringVar(&where, "where", "", "CEL segment predicate applied before grouping")
	cmd.Flags().BoolVar(&inStore, "in-store", false, "compute a single-column mean in the database")
	_ = cmd.MarkFlagRequired("by")

	return cmd
}

func formatMean(mean float64, defined bool) string {
	if !defined {
		return "undefined"
	}
	return fmt.Sprintf("%.4f", mean)
}
