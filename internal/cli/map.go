package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/cityledger/internal/pipeline"
)

var mapTable string

// mapCmd represents the map command
var mapCmd = &cobra.Command{
	Use:   "map <source.md|url>",
	Short: "Resolve foreign keys between extracted records",
	Long: `Map runs the staged foreign-key pipeline over the extraction output:
  step 1  clear every extracted foreign key
  step 2  pick one canonical city and point every cityId at it
  step 3  ask the model to choose the referenced record for each remaining key

Choices are only accepted when they name one of the offered candidates.
Problems found afterwards (null, dangling or colliding keys) are sent back
to the model with feedback for up to mapping.retry_passes passes, and the
result is audited against the source text.

Example:
  cityledger map contract.md
  cityledger map contract.md --table EmissionRecord`,
	Args: cobra.ExactArgs(1),
	RunE: runMap,
}

func init() {
	rootCmd.AddCommand(mapCmd)
	mapCmd.Flags().StringVar(&mapTable, "table", "", "remap only this class on top of the last mapping run")
}

func runMap(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	e, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	p, err := e.pipeline(true)
	if err != nil {
		return err
	}
	source, err := e.loadSource(ctx, args[0])
	if err != nil {
		return err
	}

	report, err := p.Map(ctx, source, pipeline.MapOptions{Table: mapTable})
	pipeline.NewRenderer(os.Stderr).RenderMapping(report)
	if err != nil {
		return fmt.Errorf("mapping failed: %w", err)
	}
	fmt.Fprintf(os.Stderr, "\n  Output:     %s\n\n", p.Layout().Dir(pipeline.MappedDir))
	return nil
}
