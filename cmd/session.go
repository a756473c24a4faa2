package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage the persisted session",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the persisted session for the configured embed id",
	RunE:  runSessionShow,
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the persisted session for the configured embed id",
	RunE:  runSessionClear,
}

func init() {
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionClearCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSessionShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer st.Close()

	sess, err := st.Load(context.Background(), scopeID(cfg))
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		fmt.Println(infoStyle.Render("no persisted session"))
		return nil
	}

	fmt.Printf("Session ID: %s\n", sess.SessionID)
	fmt.Printf("Status:     %s\n", sess.Status)
	fmt.Printf("Started:    %s\n", time.UnixMilli(sess.StartTime).Format("2006-01-02 15:04:05"))
	fmt.Printf("Messages:   %d\n", len(sess.Messages))
	fmt.Printf("Tool calls: %d\n", len(sess.ToolCalls))
	fmt.Println()

	for _, msg := range sess.Messages {
		printMessage("Assistant", msg)
	}
	for _, tc := range sess.ToolCalls {
		fmt.Println(toolStyle.Render(fmt.Sprintf("⚙ %s [%s] → %v", tc.Name, tc.Status, tc.Result)))
	}
	return nil
}

func runSessionClear(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer st.Close()

	if err := st.Delete(context.Background(), scopeID(cfg)); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	fmt.Println(infoStyle.Render("persisted session cleared"))
	return nil
}
