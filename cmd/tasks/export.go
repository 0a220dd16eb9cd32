package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/tasksync/internal/task"
	"github.com/steveyegge/tasksync/internal/ui"
)

// exportDoc is the top-level shape of every export format.
type exportDoc struct {
	User  string      `json:"user" yaml:"user" toml:"user"`
	Tasks []task.Task `json:"tasks" yaml:"tasks" toml:"tasks"`
}

// writeExport encodes doc as json, yaml or toml.
func writeExport(w io.Writer, format string, doc exportDoc) error {
	if doc.Tasks == nil {
		doc.Tasks = []task.Task{}
	}

	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(doc)
	default:
		return fmt.Errorf("unknown export format %q (want json, yaml or toml)", format)
	}
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "tasks",
	Short:   "Write the task list as JSON, YAML or TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		incomplete, _ := cmd.Flags().GetBool("incomplete")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		tasks, _ := a.core.Raw()
		if incomplete {
			tasks = task.FilterIncomplete.Apply(tasks)
		}
		doc := exportDoc{User: a.user, Tasks: tasks}

		if output == "" || output == "-" {
			return writeExport(os.Stdout, format, doc)
		}

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", output, err)
		}
		if err := writeExport(f, format, doc); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d task(s) to %s\n", ui.RenderPass("✓"), len(tasks), output)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("format", "f", "json", "output format: json, yaml or toml")
	exportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	exportCmd.Flags().Bool("incomplete", false, "export only incomplete tasks")

	rootCmd.AddCommand(exportCmd)
}
