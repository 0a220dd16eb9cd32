package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/steveyegge/tasksync/internal/task"
)

// ShortIDLen is how many id characters the task table shows.
const ShortIDLen = 8

// ShortID truncates id for display.
func ShortID(id string) string {
	if len(id) <= ShortIDLen {
		return id
	}
	return id[:ShortIDLen]
}

// RenderTasks writes tasks as a table. Due dates before today are flagged.
func RenderTasks(w io.Writer, tasks []task.Task, today time.Time) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, RenderMuted("No tasks."))
		return
	}

	todayStr := today.Format(task.DateLayout)
	descWidth := len("Description")
	for _, t := range tasks {
		descWidth = max(descWidth, lipgloss.Width(t.Description))
	}

	cell := func(s string, width int) string {
		return lipgloss.NewStyle().Width(width).Render(s)
	}

	fmt.Fprintln(w, strings.Join([]string{
		headerStyle.Render(cell("ID", ShortIDLen)),
		headerStyle.Render(cell(" ", 3)),
		headerStyle.Render(cell("Description", descWidth)),
		headerStyle.Render(cell("Due", len(task.DateLayout))),
	}, "  "))

	for _, t := range tasks {
		mark := "[ ]"
		desc := cell(t.Description, descWidth)
		if t.Completed {
			mark = RenderPass("[x]")
			desc = doneStyle.Render(desc)
		}

		due := cell(t.DueDate, len(task.DateLayout))
		if t.DueDate != "" && !t.Completed && t.DueDate < todayStr {
			due = RenderFail(due)
		}

		line := strings.Join([]string{RenderAccent(cell(ShortID(t.ID), ShortIDLen)), mark, desc, due}, "  ")
		fmt.Fprintln(w, strings.TrimRight(line, " "))
		if t.Notes != "" {
			for _, note := range strings.Split(strings.TrimRight(t.Notes, "\n"), "\n") {
				fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", ShortIDLen+7), RenderMuted(note))
			}
		}
	}
}
