package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("queryforged %s\n", version)
	},
}
