package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/steveyegge/tasksync/internal/config"
	"github.com/steveyegge/tasksync/internal/docstore"
	"github.com/steveyegge/tasksync/internal/task"
	"github.com/steveyegge/tasksync/internal/tasksync"
	"github.com/steveyegge/tasksync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "tasks",
	Short:   "Create the signed-in user's task list",
	Long: `Create an empty task document for the signed-in user.

Syncing never creates the document itself: run this once per user before
using the other task commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := sessionUser()
		if err != nil {
			return err
		}

		store, err := config.OpenStore(cmd.Context(), cfg.Store, logging)
		if err != nil {
			return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
		}
		defer store.Close()

		err = store.CreateDocument(cmd.Context(), key, map[string]any{task.Field: []any{}})
		if errors.Is(err, docstore.ErrAlreadyExists) {
			fmt.Printf("%s Task list for %s already exists\n", ui.RenderWarn("⚠"), key)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s Created task list for %s\n", ui.RenderPass("✓"), ui.RenderAccent(key))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "tasks",
	Short:   "Show tasks",
	Long: `Show the signed-in user's tasks in stored order.

With --watch the list is redrawn whenever any client changes it, until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if incomplete, _ := cmd.Flags().GetBool("incomplete"); incomplete {
			a.core.SetFilter(task.FilterIncomplete)
		} else if all, _ := cmd.Flags().GetBool("all"); all {
			a.core.SetFilter(task.FilterAll)
		}

		v := a.core.View()
		ui.RenderTasks(os.Stdout, v.Tasks, time.Now())

		watch, _ := cmd.Flags().GetBool("watch")
		if !watch {
			return nil
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		last := v.Revision
		fmt.Println(ui.RenderMuted("\nWatching for changes (Ctrl+C to stop)..."))
		for {
			select {
			case <-ctx.Done():
				return nil
			case v, ok := <-a.core.Updates():
				if !ok {
					return nil
				}
				switch v.State {
				case tasksync.StateFailed:
					return v.Err
				case tasksync.StateReady:
					if v.Revision == last {
						continue
					}
					last = v.Revision
					fmt.Printf("\n%s\n", ui.RenderMuted(fmt.Sprintf("── revision %d at %s ──", v.Revision, time.Now().Format(time.TimeOnly))))
					ui.RenderTasks(os.Stdout, v.Tasks, time.Now())
				}
			}
		}
	},
}

var addCmd = &cobra.Command{
	Use:     "add [description]",
	GroupID: "tasks",
	Short:   "Add a task",
	Long: `Add a task to the end of the list.

The due date accepts YYYY-MM-DD or phrases like "tomorrow" or "next friday".
Without a description, an interactive form is shown when stdin is a
terminal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		due, _ := cmd.Flags().GetString("due")
		notes, _ := cmd.Flags().GetString("notes")
		desc := strings.Join(args, " ")

		if desc == "" {
			if !ui.IsTerminal(os.Stdin) {
				return fmt.Errorf("description is required")
			}
			if err := taskForm("New task", &desc, &due, &notes); err != nil {
				return err
			}
		}

		dueDate, err := task.ParseDue(due, time.Now())
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		t, err := a.core.CreateTask(cmd.Context(), task.Draft{Description: desc, DueDate: dueDate, Notes: notes})
		if err != nil {
			return err
		}
		fmt.Printf("%s Added %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(ui.ShortID(t.ID)), t.Description)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "tasks",
	Short:   "Edit a task",
	Long: `Change a task's description, due date or notes.

Only the given flags change; with none, an interactive form prefilled with
the current values is shown when stdin is a terminal. Editing marks the task
incomplete unless sync.preserve_completion_on_edit is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		t, err := a.resolve(args[0])
		if err != nil {
			return err
		}

		desc, due, notes := t.Description, t.DueDate, t.Notes
		flags := cmd.Flags()
		if !flags.Changed("description") && !flags.Changed("due") && !flags.Changed("notes") {
			if !ui.IsTerminal(os.Stdin) {
				return fmt.Errorf("nothing to change (use --description, --due or --notes)")
			}
			if err := taskForm("Edit task", &desc, &due, &notes); err != nil {
				return err
			}
		} else {
			if flags.Changed("description") {
				desc, _ = flags.GetString("description")
			}
			if flags.Changed("due") {
				due, _ = flags.GetString("due")
			}
			if flags.Changed("notes") {
				notes, _ = flags.GetString("notes")
			}
		}

		dueDate, err := task.ParseDue(due, time.Now())
		if err != nil {
			return err
		}
		if err := a.core.EditTask(cmd.Context(), t.ID, task.Fields{Description: desc, DueDate: dueDate, Notes: notes}); err != nil {
			return err
		}
		fmt.Printf("%s Updated %s\n", ui.RenderPass("✓"), ui.RenderAccent(ui.ShortID(t.ID)))
		return nil
	},
}

func completionCmd(use, short string, completed bool) *cobra.Command {
	return &cobra.Command{
		Use:     use + " <id>",
		GroupID: "tasks",
		Short:   short,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			if err := a.core.SetCompletion(cmd.Context(), t.ID, completed); err != nil {
				return err
			}

			state := "incomplete"
			if completed {
				state = "complete"
			}
			fmt.Printf("%s Marked %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(ui.ShortID(t.ID)), state)
			return nil
		},
	}
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	GroupID: "tasks",
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		t, err := a.resolve(args[0])
		if err != nil {
			return err
		}
		if err := a.core.DeleteTask(cmd.Context(), t); err != nil {
			if errors.Is(err, tasksync.ErrStaleMutation) {
				return fmt.Errorf("%w (list changed elsewhere, run 'tasks list' and retry)", err)
			}
			return err
		}
		fmt.Printf("%s Deleted %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(ui.ShortID(t.ID)), t.Description)
		return nil
	},
}

// taskForm prompts for task fields, starting from the values passed in.
func taskForm(title string, desc, due, notes *string) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Description").
				Value(desc).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("description is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Due").
				Description(`YYYY-MM-DD, "tomorrow", "next friday"... (optional)`).
				Value(due).
				Validate(func(s string) error {
					_, err := task.ParseDue(s, time.Now())
					return err
				}),
			huh.NewText().
				Title("Notes").
				Value(notes),
		).Title(title),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return fmt.Errorf("cancelled")
		}
		return err
	}
	return nil
}

// sessionUser is used by commands that only need the document key.
func sessionUser() (string, error) {
	s, err := loadSession()
	if err != nil {
		return "", err
	}
	return s.DocumentKey()
}

func init() {
	listCmd.Flags().Bool("incomplete", false, "show only incomplete tasks")
	listCmd.Flags().Bool("all", false, "show all tasks (overrides sync.filter)")
	listCmd.Flags().BoolP("watch", "w", false, "keep running and redraw on every change")

	addCmd.Flags().String("due", "", "due date")
	addCmd.Flags().String("notes", "", "free-form notes")

	editCmd.Flags().StringP("description", "d", "", "new description")
	editCmd.Flags().String("due", "", "new due date (empty clears it)")
	editCmd.Flags().String("notes", "", "new notes")

	rootCmd.AddCommand(
		initCmd,
		listCmd,
		addCmd,
		editCmd,
		completionCmd("done", "Mark a task complete", true),
		completionCmd("undone", "Mark a task incomplete", false),
		rmCmd,
	)
}
