package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// schemaCmd represents the schema command
var schemaCmd = &cobra.Command{
	Use:   "schema [class]",
	Short: "List record classes or print the JSON schema of one",
	Long: `Without arguments, schema lists every record class with its foreign keys
in load order. With a class name it prints the JSON schema the extraction
model is asked to follow.

Example:
  cityledger schema
  cityledger schema EmissionRecord`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSchema,
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}

func runSchema(cmd *cobra.Command, args []string) error {
	reg, err := loadRegistry()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		c, err := reg.Get(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(c.JSONSchema())
	}

	order, err := reg.DependencyOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		c, _ := reg.Get(name)
		var refs []string
		for _, f := range c.ForeignKeys() {
			refs = append(refs, f.Name+"->"+f.Target)
		}
		line := fmt.Sprintf("%-28s %2d fields", c.Name, len(c.Fields))
		if verified := c.VerifiedFields(); len(verified) > 0 {
			line += fmt.Sprintf("  verified: %s", strings.Join(verified, ","))
		}
		if len(refs) > 0 {
			line += fmt.Sprintf("  refs: %s", strings.Join(refs, ","))
		}
		fmt.Println(line)
	}
	return nil
}
