package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaanskii/vansify"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check if the access token is expired, and fetch live unread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, vansify.DefaultBaseURL+" (default)"))
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Cache.Path, "~/.vansify/cache.db"))
		if cfg.Metrics.Addr != "" {
			fmt.Printf("  Metrics:     %s\n", cfg.Metrics.Addr)
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Username:    %s\n", valueOrDefault(cfg.Auth.Username, "(not logged in)"))

		// Check token expiry.
		tokenStatus := "none"
		if cfg.Auth.AccessToken != "" {
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				if err == nil {
					if time.Now().Before(expires) {
						tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
					} else {
						tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
					}
				} else {
					tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				}
			} else {
				tokenStatus = "present (no expiry set)"
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)
		if cfg.Auth.RefreshToken != "" {
			fmt.Printf("  Refresh:     %s\n", maskKey(cfg.Auth.RefreshToken))
		}

		if cfg.Auth.AccessToken == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		bus := vansify.NewEventBus(s.logger)
		chats := vansify.NewChatListReconciler(s.client, bus, s.auth, s.reconcilerOptions(nil)...)
		notes := vansify.NewNotificationReconciler(s.client, bus, s.auth, s.reconcilerOptions(nil)...)
		presence := vansify.NewPresenceReconciler(s.client, bus, s.auth, s.reconcilerOptions(nil)...)

		if err := chats.LoadSnapshot(ctx); err != nil {
			fmt.Printf("  Chats:         error: %v\n", err)
		} else {
			fmt.Printf("  Chats:         %d (%d unread messages)\n", chats.Len(), chats.TotalUnread())
		}
		if err := notes.LoadSnapshot(ctx); err != nil {
			fmt.Printf("  Notifications: error: %v\n", err)
		} else {
			fmt.Printf("  Notifications: %d (%d unread)\n", notes.Len(), notes.UnreadCount())
		}
		if err := presence.LoadSnapshot(ctx); err != nil {
			fmt.Printf("  Active users:  error: %v\n", err)
		} else {
			fmt.Printf("  Active users:  %d\n", presence.Len())
		}
		return nil
	},
}
