package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrachat-io/terrachat/internal/conversation"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage stored conversation sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		entries, err := a.store.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No stored sessions.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  (updated %s)\n", e.ID, e.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's transcript and state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		data, err := a.store.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", args[0], err)
		}
		sess, err := conversation.DecodeSession(data)
		if err != nil {
			return err
		}

		fmt.Printf("Session %s\n", sess.ID)
		fmt.Printf("State:   %s\n", sess.State)
		if sess.ActiveIntent != nil {
			fmt.Printf("Intent:  %s %s\n", sess.ActiveIntent.Action, sess.ActiveIntent.ResourceType)
		}
		if sess.LastError != "" {
			fmt.Printf("Last failure: %s\n", sess.LastError)
		}
		if len(sess.ResourceHistory) > 0 {
			fmt.Println("Resources:")
			for _, r := range sess.ResourceHistory {
				fmt.Printf("  %s (%s, provisioned %s)\n", r.Name, r.ResourceType, r.ProvisionedAt.Format("2006-01-02 15:04"))
			}
		}
		fmt.Println("Transcript:")
		for _, t := range sess.Turns {
			fmt.Printf("  [%s] %s: %s\n", t.Time.Format("15:04:05"), t.Speaker, t.Text)
		}
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a stored session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.store.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", args[0], err)
		}
		fmt.Printf("Deleted session %s\n", args[0])
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
}
