package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/taskify/tasksync/internal/task"
)

// ShortID returns the first eight characters of a task id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatDue describes a due date relative to now.
func FormatDue(due *time.Time, now time.Time) string {
	if due == nil {
		return "-"
	}
	d := due.Sub(now)
	day := due.Local().Format("Mon Jan 2 15:04")
	switch {
	case d < 0:
		return failStyle.Render(day + " (overdue)")
	case d < 24*time.Hour:
		return warnStyle.Render(day)
	default:
		return day
	}
}

// TaskTable renders tasks as a bordered table. Tasks not yet pushed are
// marked with an asterisk after the id.
func TaskTable(tasks []task.Task, now time.Time) string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		id := ShortID(t.ID)
		if t.OwnerID == "" {
			id += "*"
		}
		rows = append(rows, []string{
			id,
			t.Title,
			RenderStatus(t.Status),
			RenderPriority(t.Priority),
			FormatDue(t.DueDate, now),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("ID", "TITLE", "STATUS", "PRIORITY", "DUE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return tbl.Render()
}

// TaskDetail renders one task as labeled lines.
func TaskDetail(t task.Task, now time.Time) string {
	line := func(label, value string) string {
		return fmt.Sprintf("%s %s\n", mutedStyle.Render(fmt.Sprintf("%-10s", label)), value)
	}

	out := RenderBold(t.Title) + "\n"
	out += line("id", t.ID)
	out += line("status", RenderStatus(t.Status))
	out += line("priority", RenderPriority(t.Priority))
	out += line("due", FormatDue(t.DueDate, now))
	if t.Description != "" {
		out += line("notes", t.Description)
	}
	out += line("updated", t.UpdatedAt.Local().Format(time.RFC3339))
	if t.CompletedAt != nil {
		out += line("completed", t.CompletedAt.Local().Format(time.RFC3339))
	}
	if t.OwnerID == "" {
		out += line("sync", RenderWarn("not yet pushed"))
	}
	return out
}
