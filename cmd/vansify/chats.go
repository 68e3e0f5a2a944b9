package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaanskii/vansify"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatsJSON      bool
	chatsShowEmpty bool
	chatsOffline   bool

	chatsDeleteMessagesOnly bool
)

// withChats opens the session and cache, loads the chat list and hands the
// reconciler to fn.
func withChats(timeout time.Duration, fn func(ctx context.Context, r *vansify.ChatListReconciler) error) error {
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

	opts := s.reconcilerOptions(cache)
	if chatsShowEmpty {
		opts = append(opts, vansify.WithShowEmptyChats(true))
	}
	r := vansify.NewChatListReconciler(s.client, vansify.NewEventBus(s.logger), s.auth, opts...)

	if chatsOffline {
		r.Hydrate(ctx)
	} else if err := r.LoadSnapshot(ctx); err != nil {
		return err
	}
	return fn(ctx, r)
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withChats(15*time.Second, func(ctx context.Context, r *vansify.ChatListReconciler) error {
			chats := r.Chats()
			if chatsJSON {
				return printJSON(chats)
			}
			if len(chats) == 0 {
				fmt.Println("No chats found.")
				return nil
			}
			for _, c := range chats {
				unread := ""
				if c.UnreadCount > 0 {
					unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
				}
				fmt.Printf("  %s: %s%s  [%s] %s\n", c.ChatID, c.Counterpart, unread, formatTime(c.LastMessageTime), c.LastMessage)
			}
			return nil
		})
	},
}

// ============================================================================
// chats read
// ============================================================================

var chatsReadCmd = &cobra.Command{
	Use:   "read <chat-id>",
	Short: "Mark a chat as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := vansify.ID(args[0])
		return withChats(10*time.Second, func(ctx context.Context, r *vansify.ChatListReconciler) error {
			if err := r.MarkRead(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Chat %s marked as read.\n", id)
			return nil
		})
	},
}

// ============================================================================
// chats delete
// ============================================================================

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <chat-id>",
	Short: "Delete a chat for yourself",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := vansify.ID(args[0])
		return withChats(10*time.Second, func(ctx context.Context, r *vansify.ChatListReconciler) error {
			if chatsDeleteMessagesOnly {
				if err := r.DeleteMessages(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Messages of chat %s deleted.\n", id)
				return nil
			}
			if err := r.DeleteChat(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Chat %s deleted.\n", id)
			return nil
		})
	},
}

func init() {
	chatsCmd.PersistentFlags().BoolVar(&chatsOffline, "offline", false, "Use the local cache instead of the server")
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output JSON")
	chatsCmd.Flags().BoolVar(&chatsShowEmpty, "show-empty", false, "Include chats without messages")

	chatsDeleteCmd.Flags().BoolVar(&chatsDeleteMessagesOnly, "messages-only", false, "Only clear the chat history")

	chatsCmd.AddCommand(chatsReadCmd)
	chatsCmd.AddCommand(chatsDeleteCmd)
	rootCmd.AddCommand(chatsCmd)
}
