package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/cityledger/internal/pipeline"
)

var auditJSON bool

// auditCmd represents the audit command
var auditCmd = &cobra.Command{
	Use:   "audit <source.md|url>",
	Short: "Verify foreign-key presence and evidence in the mapped records",
	Long: `Audit re-reads the last mapping output and reports, per class:
- expected foreign keys that are still null
- foreign-key values that name no existing record
- the evidence tier of every resolved link
- records colliding on a unique column group

No model calls are made. The report is written to mapping/audit.json.

Example:
  cityledger audit contract.md
  cityledger audit contract.md --json > audit.json`,
	Args: cobra.ExactArgs(1),
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "print the report as JSON on stdout")
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	e, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	p, err := e.pipeline(false)
	if err != nil {
		return err
	}
	source, err := e.loadSource(ctx, args[0])
	if err != nil {
		return err
	}

	report, err := p.Audit(source)
	if err != nil {
		return fmt.Errorf("audit failed: %w", err)
	}
	if auditJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	pipeline.NewRenderer(os.Stdout).RenderAudit(report)
	fmt.Println()
	return nil
}
