package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/cityledger/internal/pipeline"
	"github.com/ppiankov/cityledger/internal/worker"
)

var (
	extractClasses     []string
	extractClassesFile string
	extractFresh       bool
	extractWorkers     int
)

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:   "extract <source.md|url>",
	Short: "Extract records of every class from an OCR markdown document",
	Long: `Extract runs one bounded tool-calling loop per record class:
- The model records instances in batches with record_instances
- Numeric and date values are kept only with a quote found in the source
- Repeated instances are collapsed, across rounds and across runs
- Each class is checkpointed after every round and resumed on the next run

Classes run in parallel; a failure in one class does not stop the others.

Example:
  cityledger extract contract.md
  cityledger extract contract.md --classes Sector,EmissionRecord
  cityledger extract https://example.org/contract.md --classes-file classes.txt --workers 5
  cityledger extract contract.md --fresh`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)
	addExtractFlags(extractCmd)
}

func addExtractFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&extractClasses, "classes", nil, "record classes to extract (default: all)")
	cmd.Flags().StringVar(&extractClassesFile, "classes-file", "", "file listing record classes, one per line")
	cmd.Flags().BoolVar(&extractFresh, "fresh", false, "ignore existing checkpoints")
	cmd.Flags().IntVar(&extractWorkers, "workers", 0, "classes extracted in parallel (default: config)")
}

func extractOptions() (pipeline.ExtractOptions, error) {
	classes := extractClasses
	if extractClassesFile != "" {
		fromFile, err := worker.ReadClassesFromFile(extractClassesFile)
		if err != nil {
			return pipeline.ExtractOptions{}, fmt.Errorf("read classes file: %w", err)
		}
		classes = append(classes, fromFile...)
	}
	return pipeline.ExtractOptions{Classes: classes, Fresh: extractFresh}, nil
}

func runExtract(cmd *cobra.Command, args []string) error {
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

	report, err := p.Extract(ctx, source, opts)
	pipeline.NewRenderer(os.Stderr).RenderExtraction(report)
	if err != nil {
		return fmt.Errorf("extraction interrupted: %w", err)
	}
	fmt.Fprintf(os.Stderr, "\n  Output:     %s\n\n", p.Layout().Dir(pipeline.ExtractionDir))
	if report.Failed() > 0 {
		return fmt.Errorf("%d of %d classes failed", report.Failed(), len(report.Classes))
	}
	return nil
}
