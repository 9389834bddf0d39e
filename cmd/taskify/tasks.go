package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/taskify/tasksync/internal/export"
	"github.com/taskify/tasksync/internal/gateway"
	"github.com/taskify/tasksync/internal/task"
	"github.com/taskify/tasksync/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add [title]",
	GroupID: "tasks",
	Short:   "Create a task",
	Long: `Create a task. The task is saved locally right away and pushed to the
remote store when online.

Examples:
  taskify add "Buy milk" --due "tomorrow 9am" --priority high
  taskify add -i`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interactive, _ := cmd.Flags().GetBool("interactive")
		description, _ := cmd.Flags().GetString("description")
		priorityText, _ := cmd.Flags().GetString("priority")
		statusText, _ := cmd.Flags().GetString("status")
		dueText, _ := cmd.Flags().GetString("due")

		title := ""
		if len(args) == 1 {
			title = args[0]
		}

		if interactive {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("interactive mode needs a terminal")
			}
			if err := runAddForm(&title, &description, &priorityText, &dueText); err != nil {
				return err
			}
		}
		if strings.TrimSpace(title) == "" {
			return errors.New("a title is required (pass it as an argument or use -i)")
		}

		draft := gateway.Draft{Title: strings.TrimSpace(title), Description: description}
		var err error
		if priorityText != "" {
			if draft.Priority, err = task.ParsePriority(priorityText); err != nil {
				return err
			}
		}
		if statusText != "" {
			if draft.Status, err = task.ParseStatus(statusText); err != nil {
				return err
			}
		}
		if draft.DueDate, err = parseDue(dueText, time.Now()); err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, appOptions{quiet: true})
		if err != nil {
			return err
		}
		defer a.close()

		t, rep, err := a.gateway.CreateTask(ctx, draft)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Created %s %s\n", ui.RenderPass("✓"), ui.ShortID(t.ID), t.Title)
		a.await(ctx, out, rep)
		return nil
	},
}

func runAddForm(title, description, priority, due *string) error {
	if *priority == "" {
		*priority = string(task.PriorityMedium)
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Title").
				Value(title).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("title is required")
					}
					return nil
				}),
			huh.NewText().
				Title("Description").
				Value(description),
			huh.NewSelect[string]().
				Title("Priority").
				Options(huh.NewOptions(string(task.PriorityLow), string(task.PriorityMedium), string(task.PriorityHigh))...).
				Value(priority),
			huh.NewInput().
				Title("Due").
				Description("e.g. tomorrow 5pm, next friday, 2024-06-01; blank for none").
				Value(due).
				Validate(func(s string) error {
					_, err := parseDue(s, time.Now())
					return err
				}),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("form cancelled: %w", err)
	}
	return nil
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "tasks",
	Short:   "List tasks",
	Long: `List tasks by column. Tasks marked with * have not been pushed yet.

Examples:
  taskify list
  taskify list --status in_progress
  taskify list --today --format json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusText, _ := cmd.Flags().GetString("status")
		today, _ := cmd.Flags().GetBool("today")
		format, _ := cmd.Flags().GetString("format")

		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, appOptions{quiet: true})
		if err != nil {
			return err
		}
		defer a.close()

		now := time.Now()
		tasks := a.repo.List()
		if statusText != "" {
			s, err := task.ParseStatus(statusText)
			if err != nil {
				return err
			}
			tasks = task.FilterByStatus(tasks, s)
		}
		if today {
			tasks = task.DueOn(tasks, now)
		}
		sortBoard(tasks)

		out := cmd.OutOrStdout()
		if format != "" && format != "table" {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			return export.Write(out, f, tasks)
		}

		if len(tasks) == 0 {
			fmt.Fprintln(out, ui.RenderMuted("No tasks."))
			return nil
		}
		fmt.Fprintln(out, ui.TaskTable(tasks, now))
		return nil
	},
}

// sortBoard groups tasks by column, keeping the board order within each.
func sortBoard(tasks []task.Task) {
	column := make(map[task.Status]int, len(task.Statuses))
	for i, s := range task.Statuses {
		column[s] = i
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return column[tasks[i].Status] < column[tasks[j].Status]
	})
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "tasks",
	Short:   "Show one task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, appOptions{quiet: true})
		if err != nil {
			return err
		}
		defer a.close()

		t, err := a.resolveID(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), ui.TaskDetail(t, time.Now()))
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:     "update <id>",
	GroupID: "tasks",
	Short:   "Edit a task",
	Long: `Edit a task. Only the flags you pass are changed.

Examples:
  taskify update 3f2a --title "Buy oat milk"
  taskify update 3f2a --due "friday 5pm" --priority high
  taskify update 3f2a --clear-due`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		var p task.Patch

		if flags.Changed("title") {
			v, _ := flags.GetString("title")
			p.Title = &v
		}
		if flags.Changed("description") {
			v, _ := flags.GetString("description")
			p.Description = &v
		}
		if flags.Changed("priority") {
			v, _ := flags.GetString("priority")
			pr, err := task.ParsePriority(v)
			if err != nil {
				return err
			}
			p.Priority = &pr
		}
		if flags.Changed("status") {
			v, _ := flags.GetString("status")
			s, err := task.ParseStatus(v)
			if err != nil {
				return err
			}
			p.Status = &s
		}
		if flags.Changed("due") {
			v, _ := flags.GetString("due")
			due, err := parseDue(v, time.Now())
			if err != nil {
				return err
			}
			if due == nil {
				p.ClearDueDate = true
			} else {
				p.DueDate = due
			}
		}
		if clearDue, _ := flags.GetBool("clear-due"); clearDue {
			p.ClearDueDate = true
			p.DueDate = nil
		}
		if !p.TouchesContent() {
			return errors.New("nothing to update (see --help for the editable fields)")
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, appOptions{quiet: true})
		if err != nil {
			return err
		}
		defer a.close()

		cur, err := a.resolveID(args[0])
		if err != nil {
			return err
		}
		t, rep, err := a.gateway.UpdateTask(ctx, cur.ID, p)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Updated %s %s\n", ui.RenderPass("✓"), ui.ShortID(t.ID), t.Title)
		a.await(ctx, out, rep)
		return nil
	},
}

var doneCmd = &cobra.Command{
	Use:     "done <id>",
	GroupID: "tasks",
	Short:   "Mark a task as DONE",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return moveTask(cmd, args[0], task.StatusDone, -1)
	},
}

var moveCmd = &cobra.Command{
	Use:     "move <id> <status>",
	GroupID: "tasks",
	Short:   "Move a task to another column (todo, in_progress, done)",
	Long: `Move a task to a column, at the end or at a given position.

Examples:
  taskify move 3f2a in_progress
  taskify move 3f2a todo --index 0`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := task.ParseStatus(args[1])
		if err != nil {
			return err
		}
		index, _ := cmd.Flags().GetInt("index")
		return moveTask(cmd, args[0], s, index)
	},
}

func moveTask(cmd *cobra.Command, ref string, s task.Status, index int) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, appOptions{quiet: true})
	if err != nil {
		return err
	}
	defer a.close()

	cur, err := a.resolveID(ref)
	if err != nil {
		return err
	}
	t, rep, err := a.gateway.MoveTask(ctx, cur.ID, s, index)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s %s → %s\n", ui.RenderPass("✓"), ui.ShortID(t.ID), t.Title, ui.RenderStatus(t.Status))
	a.await(ctx, out, rep)
	return nil
}

var reorderCmd = &cobra.Command{
	Use:     "reorder <status> <from> <to>",
	GroupID: "tasks",
	Short:   "Change the order of a column",
	Long: `Move the task at position <from> of a column to position <to>.
Positions start at 0 and follow "taskify list --status <status>".`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := task.ParseStatus(args[0])
		if err != nil {
			return err
		}
		from, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid position %q", args[1])
		}
		to, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid position %q", args[2])
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, appOptions{quiet: true})
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.repo.Reorder(ctx, s, from, to); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Reordered %s\n", ui.RenderPass("✓"), ui.RenderStatus(s))
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	GroupID: "tasks",
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, appOptions{quiet: true})
		if err != nil {
			return err
		}
		defer a.close()

		cur, err := a.resolveID(args[0])
		if err != nil {
			return err
		}
		rep, err := a.gateway.DeleteTask(ctx, cur.ID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Deleted %s %s\n", ui.RenderPass("✓"), ui.ShortID(cur.ID), cur.Title)
		a.await(ctx, out, rep)
		return nil
	},
}

func init() {
	addCmd.Flags().BoolP("interactive", "i", false, "fill in the task with a form")
	addCmd.Flags().StringP("description", "d", "", "task description")
	addCmd.Flags().StringP("priority", "p", "", "LOW, MEDIUM or HIGH (default MEDIUM)")
	addCmd.Flags().StringP("status", "s", "", "initial column (default TODO)")
	addCmd.Flags().String("due", "", `due date, e.g. "tomorrow 5pm" or 2024-06-01`)

	listCmd.Flags().String("status", "", "only show one column")
	listCmd.Flags().Bool("today", false, "only show tasks due today")
	listCmd.Flags().String("format", "table", "table, json, jsonl, yaml or toml")

	moveCmd.Flags().Int("index", -1, "position in the column, 0 is the top (default last)")

	updateCmd.Flags().String("title", "", "new title")
	updateCmd.Flags().StringP("description", "d", "", "new description")
	updateCmd.Flags().StringP("priority", "p", "", "new priority")
	updateCmd.Flags().StringP("status", "s", "", "new column")
	updateCmd.Flags().String("due", "", "new due date (empty clears it)")
	updateCmd.Flags().Bool("clear-due", false, "remove the due date")

	rootCmd.AddCommand(addCmd, listCmd, showCmd, updateCmd, doneCmd, moveCmd, reorderCmd, rmCmd)
}
