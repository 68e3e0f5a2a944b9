package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaanskii/vansify"
)

var activeJSON bool

func init() {
	activeCmd.Flags().BoolVar(&activeJSON, "json", false, "Output JSON")
	rootCmd.AddCommand(activeCmd)
}

var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "List users who are online now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		r := vansify.NewPresenceReconciler(s.client, vansify.NewEventBus(s.logger), s.auth, s.reconcilerOptions(nil)...)
		if err := r.LoadSnapshot(ctx); err != nil {
			return err
		}

		users := r.ActiveUsers()
		if activeJSON {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("Nobody is online.")
			return nil
		}
		for _, u := range users {
			me := ""
			if u.Username == s.auth.Username() {
				me = " (you)"
			}
			fmt.Printf("  %s%s\n", u.Username, me)
		}
		return nil
	},
}
