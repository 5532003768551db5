package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the tool version, stamped into scrape_run rows.
const Version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dwarfscan %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
