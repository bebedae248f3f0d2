package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/tern/internal/script"
)

var checkCmd = &cobra.Command{
	Use:   "check <scenario.yaml>",
	Short: "Validate a scenario file without playing it",
	Long: `Parse and validate a scenario file, reporting the first problem found.

Examples:
  tern check demo.yaml
  tern check .tern/scenario.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := script.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d steps ok\n", s.Name, len(s.Steps))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
