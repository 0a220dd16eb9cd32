package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/tasksync/internal/config"
	"github.com/steveyegge/tasksync/internal/ui"
)

var (
	cfgFile string
	verbose bool

	cfg     *config.Config
	logging *config.Logging
)

var rootCmd = &cobra.Command{
	Use:   "tasks",
	Short: "A personal task list that stays in sync across devices",
	Long: `tasks keeps a signed-in user's task list in a shared document store.

Every client subscribed to the same user's document sees changes made by the
others. The store is a local SQLite file by default; MongoDB or a remote
'tasks serve' instance can be configured instead.

Configuration is read from $HOME/.tasksync/config.yaml (or --config) and
TASKSYNC_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(viper.New(), cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		logging, err = config.OpenLogging(cfg.Log, verbose)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.tasksync/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "session", Title: "Session:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	_ = logging.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
