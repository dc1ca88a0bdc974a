package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agpool/agpool/internal/bootstrap"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect and manage the account pool",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every account in the pool",
	RunE: func(c *cobra.Command, args []string) error {
		result, err := bootstrap.Bootstrap(cfgFile)
		if err != nil {
			return err
		}
		defer result.Shutdown(context.Background())

		accounts := result.Manager.All()
		if len(accounts) == 0 {
			fmt.Println("pool is empty")
			return nil
		}
		for _, a := range accounts {
			status := "enabled"
			if !a.Enabled {
				status = "disabled"
			}
			coolingDown := ""
			if a.CoolingDownUntilMs > time.Now().UnixMilli() {
				coolingDown = " cooling-down"
			}
			fmt.Printf("%d\t%s\t%s%s\n", a.Index, a.Email, status, coolingDown)
		}
		return nil
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <index>",
	Short: "Remove an account from the pool by index",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid account index %q: %w", args[0], err)
		}

		result, err := bootstrap.Bootstrap(cfgFile)
		if err != nil {
			return err
		}
		defer result.Shutdown(context.Background())

		result.Manager.RemoveAccount(index)
		fmt.Printf("removed account %d\n", index)
		return nil
	},
}

func init() {
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
	rootCmd.AddCommand(accountsCmd)
}
