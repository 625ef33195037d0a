package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/eval"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/retrieval"
)

var evalFlags struct {
	cases      string
	retrievers []string
	k          int
	csvPath    string
	reportPath string
	jsonOut    bool
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Score retrieval and policy against a golden set",
	Long: `Replay golden cases through the ask stage once per retriever and report
Recall@K, MRR@K, ACL pass rate, triage accuracy and approval-gate
accuracy. Exits non-zero when a threshold check fails.`,
	Args: cobra.NoArgs,
	RunE: runEval,
}

func init() {
	def := eval.DefaultEvalConfig()
	f := evalCmd.Flags()
	f.StringVar(&evalFlags.cases, "cases", "golden_set/golden_set.yaml", "Golden cases (YAML list)")
	f.StringSliceVar(&evalFlags.retrievers, "retrievers", []string{string(retrieval.StrategyKeyword)}, "Strategies to compare")
	f.IntVar(&evalFlags.k, "k", def.K, "Cutoff for Recall@K and MRR@K")
	f.StringVar(&evalFlags.csvPath, "out-csv", "", "Write per-case rows as CSV")
	f.StringVar(&evalFlags.reportPath, "out-report", "", "Write a markdown summary")
	f.BoolVar(&evalFlags.jsonOut, "json", false, "Print the full result as JSON instead of the summary")
}

func runEval(cmd *cobra.Command, _ []string) error {
	cases, err := eval.LoadCases(evalFlags.cases)
	if err != nil {
		return err
	}
	config := eval.DefaultEvalConfig()
	config.K = evalFlags.k
	config.Strategies = config.Strategies[:0]
	for _, r := range evalFlags.retrievers {
		config.Strategies = append(config.Strategies, retrieval.Strategy(r))
	}

	a, err := newApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := eval.NewEvalHarness(a.deps, config).Run(cmd.Context(), cases)
	if err != nil {
		return err
	}

	if evalFlags.csvPath != "" {
		if err := writeFile(evalFlags.csvPath, func(f *os.File) error { return eval.WriteCSV(f, res) }); err != nil {
			return err
		}
	}
	if evalFlags.reportPath != "" {
		if err := writeFile(evalFlags.reportPath, func(f *os.File) error { return eval.WriteReport(f, res, config.K) }); err != nil {
			return err
		}
	}

	if evalFlags.jsonOut {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else if err := eval.WriteReport(cmd.OutOrStdout(), res, config.K); err != nil {
		return err
	}
	if !res.Passed {
		return errors.New(res.Reason)
	}
	return nil
}

func writeFile(path string, write func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
