// version.go prints the build version.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the coxswain version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("coxswain %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
