package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agpool/agpool/internal/bootstrap"
	oauthpkg "github.com/agpool/agpool/internal/oauth"
	"github.com/agpool/agpool/internal/pool"
)

var loginNoBrowser bool

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Add a Google account to the pool via OAuth",
	Long: `Run the PKCE authorization-code flow against Google, add the
resulting account to the persisted pool, and save it immediately.`,
	RunE: func(c *cobra.Command, args []string) error {
		result, err := bootstrap.Bootstrap(cfgFile)
		if err != nil {
			return err
		}
		defer result.Shutdown(context.Background())

		oauthCfg := oauthpkg.NewGoogleOAuthConfig(
			result.Config.OAuthClientID,
			result.Config.OAuthClientSecret,
			result.Config.OAuthCallbackPort,
		)

		loginResult, err := oauthpkg.Login(c.Context(), oauthCfg, oauthpkg.LoginOptions{
			NoBrowser:    loginNoBrowser,
			CallbackPort: result.Config.OAuthCallbackPort,
		})
		if err != nil {
			return err
		}

		account := result.Manager.AddOrMerge(&pool.Account{
			Email:        loginResult.Email,
			RefreshToken: loginResult.RefreshToken,
			AccessToken:  loginResult.AccessToken,
			ExpiresAtMs:  loginResult.ExpiresAt.UnixMilli(),
			AddedAtMs:    time.Now().UnixMilli(),
			Enabled:      true,
		})

		fmt.Printf("Added account %d (%s) to the pool\n", account.Index, account.Email)
		return nil
	},
}

func init() {
	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "print the authorization URL instead of opening a browser")
	rootCmd.AddCommand(loginCmd)
}
