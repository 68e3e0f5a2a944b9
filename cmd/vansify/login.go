package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaanskii/vansify"
)

var (
	loginRefreshToken string
	loginUsername     string
	loginBaseURL      string
)

func init() {
	loginCmd.Flags().StringVar(&loginRefreshToken, "refresh-token", "", "Refresh token used when the access token expires")
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "Username, required when the access token carries none")
	loginCmd.Flags().StringVar(&loginBaseURL, "base-url", "", "API base URL to store alongside the login")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <access-token>",
	Short: "Store an access token in ~/.vansify/config.toml",
	Long:  "Store the session tokens issued by the Vansify API. The username and expiry are read from the token's claims.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		auth := vansify.NewSession()
		if err := auth.SetToken(args[0], loginRefreshToken, loginUsername); err != nil {
			return err
		}
		if !auth.IsAuthenticated() {
			return fmt.Errorf("access token for %s already expired at %s", auth.Username(), auth.ExpiresAt().Format("2006-01-02 15:04:05"))
		}

		storeLogin(cfg, auth)
		if loginBaseURL != "" {
			cfg.Default.BaseURL = loginBaseURL
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Logged in as %s, session saved to %s\n", auth.Username(), path)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.AccessToken == "" {
			fmt.Println("Not logged in.")
			return nil
		}
		user := cfg.Auth.Username
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Logged out %s.\n", valueOrDefault(user, "(unknown user)"))
		return nil
	},
}
