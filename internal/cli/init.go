// init.go bootstraps a config file with defaults.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coxswain-dev/coxswain/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default coxswain.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = "coxswain.yaml"
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.Write(path, config.Default()); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
