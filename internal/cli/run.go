package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/cityledger/internal/pipeline"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <source.md|url>",
	Short: "Extract every class, then map and audit the result",
	Long: `Run is extract followed by map over the same source document.
Mapping runs even when some classes failed, over what they accumulated.

Example:
  cityledger run contract.md
  cityledger run contract.md --classes City,Sector,EmissionRecord -o ./out`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addExtractFlags(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	e, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()
	if extractWorkers > 0 {
		e.cfg.Concurrency.Workers = extractWorkers
	}

	opts, err := extractOptions()
	if err != nil {
		return err
	}
	p, err := e.pipeline(true)
	if err != nil {
		return err
	}
	source, err := e.loadSource(ctx, args[0])
	if err != nil {
		return err
	}

	report, err := p.Run(ctx, source, opts)
	r := pipeline.NewRenderer(os.Stderr)
	if report != nil {
		r.RenderExtraction(report.Extract)
		r.RenderMapping(report.Map)
	}
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	fmt.Fprintf(os.Stderr, "\n  Output:     %s\n\n", p.Layout().Root)
	return nil
}
