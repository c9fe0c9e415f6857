package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/cityledger/internal/pipeline"
	"github.com/ppiankov/cityledger/internal/store"
)

var loadStage string

// loadCmd represents the load command
var loadCmd = &cobra.Command{
	Use:   "load [database]",
	Short: "Load mapped records into a SQLite database",
	Long: `Load creates one table per record class and upserts the records of a
stage (the final mapping stage by default) in a single transaction.
Records missing an identifier or a required value are skipped; foreign keys
that reference no loaded record are stored as NULL.

Example:
  cityledger load
  cityledger load ./city.db --stage extraction`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLoad,
}

func init() {
	rootCmd.AddCommand(loadCmd)
	loadCmd.Flags().StringVar(&loadStage, "stage", pipeline.MappedDir, "stage directory to load, relative to the output directory")
}

func runLoad(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	e, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	layout := pipeline.Layout{Root: e.cfg.Output.Dir}
	dbPath := filepath.Join(e.cfg.Output.Dir, "cityledger.db")
	if len(args) == 1 {
		dbPath = args[0]
	}

	data, err := layout.ReadDataset(loadStage)
	if err != nil {
		return err
	}
	db, err := store.Open(ctx, dbPath, e.registry, e.log)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	report, err := db.Load(ctx, data)
	if err != nil {
		return fmt.Errorf("load failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "\n")
	for _, class := range data.Classes() {
		fmt.Fprintf(os.Stderr, "✓ %-28s %4d loaded", class, report.Loaded[class])
		if n := report.Skipped[class]; n > 0 {
			fmt.Fprintf(os.Stderr, "  %d skipped", n)
		}
		if n := report.Nulled[class]; n > 0 {
			fmt.Fprintf(os.Stderr, "  %d references nulled", n)
		}
		fmt.Fprintf(os.Stderr, "\n")
	}
	fmt.Fprintf(os.Stderr, "\n  Database:   %s\n\n", dbPath)
	return nil
}
