package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tasksync/internal/session"
	"github.com/steveyegge/tasksync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login <user>",
	GroupID: "session",
	Short:   "Sign in as a user",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := session.NewManager().Login(args[0])
		if err != nil {
			return err
		}
		if err := session.Save(cfg.Session.File, s); err != nil {
			return err
		}
		fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), ui.RenderAccent(s.UserID))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "session",
	Short:   "Sign out",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.Remove(cfg.Session.File); err != nil {
			return err
		}
		fmt.Printf("%s Signed out\n", ui.RenderPass("✓"))
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	GroupID: "session",
	Short:   "Show the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := session.Load(cfg.Session.File)
		if errors.Is(err, session.ErrAuthRequired) {
			fmt.Println(ui.RenderMuted("Not signed in"))
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", ui.RenderAccent(s.UserID), ui.RenderMuted("since "+s.StartedAt.Local().Format(time.RFC1123)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
}
