// Package service manages agpoold as a background service: install/
// uninstall a platform launch entry (launchd on macOS, systemd --user on
// Linux), and start/stop/restart/status/logs against it.
package service

import "github.com/spf13/cobra"

// ServiceCmd is the "service" command group; its subcommands are
// registered by this package's other files' init funcs.
var ServiceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the agpoold background service",
}
