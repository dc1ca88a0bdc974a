// Package cli implements the agpoold command tree: serve, login,
// accounts, and service (background-service management).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agpool/agpool/internal/cli/service"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agpoold",
	Short: "OAuth account pool and request router for the Code Assist proxy",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: $XDG_CONFIG_HOME/antigravity/config.yaml)")
	rootCmd.AddCommand(service.ServiceCmd)
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
