package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaanskii/vansify"
)

var (
	notificationsJSON    bool
	notificationsUnread  bool
	notificationsOffline bool
)

func withNotifications(timeout time.Duration, fn func(ctx context.Context, r *vansify.NotificationReconciler) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.logger.Sync()

	cache, err := openCache(s.cfg)
	if err != nil {
		return err
	}
	defer cache.Close()

	r := vansify.NewNotificationReconciler(s.client, vansify.NewEventBus(s.logger), s.auth, s.reconcilerOptions(cache)...)
	if notificationsOffline {
		r.Hydrate(ctx)
	} else if err := r.LoadSnapshot(ctx); err != nil {
		return err
	}
	return fn(ctx, r)
}

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notifs"},
	Short:   "List account notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNotifications(15*time.Second, func(ctx context.Context, r *vansify.NotificationReconciler) error {
			items := r.Notifications()
			if notificationsUnread {
				unread := items[:0]
				for _, n := range items {
					if !n.IsRead {
						unread = append(unread, n)
					}
				}
				items = unread
			}
			if notificationsJSON {
				return printJSON(items)
			}
			if len(items) == 0 {
				fmt.Println("No notifications.")
				return nil
			}
			for _, n := range items {
				mark := " "
				if !n.IsRead {
					mark = "*"
				}
				fmt.Printf(" %s %s  [%s] %s\n", mark, n.ID, formatTime(n.CreatedAt), n.Message)
			}
			return nil
		})
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read [notification-id]",
	Short: "Mark a notification as read (all when no id is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNotifications(30*time.Second, func(ctx context.Context, r *vansify.NotificationReconciler) error {
			if len(args) == 0 {
				if err := r.MarkAllRead(ctx); err != nil {
					return err
				}
				fmt.Println("All notifications marked as read.")
				return nil
			}
			id := vansify.ID(args[0])
			if err := r.MarkRead(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Notification %s marked as read.\n", id)
			return nil
		})
	},
}

var notificationsDeleteCmd = &cobra.Command{
	Use:   "delete <notification-id>",
	Short: "Delete a notification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := vansify.ID(args[0])
		return withNotifications(10*time.Second, func(ctx context.Context, r *vansify.NotificationReconciler) error {
			if err := r.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Notification %s deleted.\n", id)
			return nil
		})
	},
}

func init() {
	notificationsCmd.PersistentFlags().BoolVar(&notificationsOffline, "offline", false, "Use the local cache instead of the server")
	notificationsCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output JSON")
	notificationsCmd.Flags().BoolVar(&notificationsUnread, "unread", false, "Show only unread notifications")

	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsDeleteCmd)
	rootCmd.AddCommand(notificationsCmd)
}
