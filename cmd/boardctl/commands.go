package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"pms-board/board"
	"pms-board/domain"
)

func parseID(raw, what string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, raw)
	}
	return id, nil
}

func (a *app) printJSON(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func (a *app) projectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			projects, err := c.Projects(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.v.GetBool("json") {
				return a.printJSON(out, projects)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTART\tEND")
			for _, p := range projects {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.ID, p.Name, p.StartDate, p.EndDate)
			}
			return tw.Flush()
		},
	}
}

func (a *app) projectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "project <projectId>",
		Short: "Show a project and its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID(args[0], "project")
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			project, err := c.Project(ctx, projectID)
			if err != nil {
				return err
			}
			members, err := c.MembersByProject(ctx, projectID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.v.GetBool("json") {
				return a.printJSON(out, map[string]any{"project": project, "members": members})
			}
			fmt.Fprintf(out, "%s (#%d)\n", project.Name, project.ID)
			if project.Description != "" {
				fmt.Fprintln(out, project.Description)
			}
			fmt.Fprintf(out, "Members (%d):\n", len(members))
			for _, m := range members {
				fmt.Fprintf(out, "  #%d %s %s\n", m.ID, m.Name, m.Role)
			}
			return nil
		},
	}
}

func (a *app) loadBoard(cmd *cobra.Command, projectID int64) (*board.Board, error) {
	c, err := a.client()
	if err != nil {
		return nil, err
	}
	tasks, err := c.TasksByProject(cmd.Context(), projectID)
	if err != nil {
		return nil, fmt.Errorf("unable to load tasks: %w", err)
	}
	return board.New(projectID, tasks), nil
}

func printBoard(w io.Writer, b *board.Board) {
	for _, col := range b.Columns {
		fmt.Fprintf(w, "%s (%d)\n", col.Name, len(col.Tasks))
		for _, t := range col.Tasks {
			fmt.Fprintf(w, "  #%d %s\n", t.ID, t.Name)
		}
	}
	if len(b.Unrecognized) > 0 {
		fmt.Fprintf(w, "Unrecognized (%d)\n", len(b.Unrecognized))
		for _, t := range b.Unrecognized {
			fmt.Fprintf(w, "  #%d %s [%s]\n", t.ID, t.Name, t.Status)
		}
	}
}

func (a *app) boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board <projectId>",
		Short: "Show the scrum board of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID(args[0], "project")
			if err != nil {
				return err
			}
			b, err := a.loadBoard(cmd, projectID)
			if err != nil {
				return err
			}
			if a.v.GetBool("json") {
				return a.printJSON(cmd.OutOrStdout(), b)
			}
			printBoard(cmd.OutOrStdout(), b)
			return nil
		},
	}
}

func (a *app) moveCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "move <projectId> <taskId> <status>",
		Short: "Move a task to another column and persist its status",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID(args[0], "project")
			if err != nil {
				return err
			}
			taskID, err := parseID(args[1], "task")
			if err != nil {
				return err
			}
			status, err := domain.ParseStatus(args[2])
			if err != nil {
				return fmt.Errorf("%w: %q", err, args[2])
			}

			b, err := a.loadBoard(cmd, projectID)
			if err != nil {
				return err
			}
			from, _, ok := b.Find(taskID)
			if !ok {
				return fmt.Errorf("task %d is not on the board of project %d", taskID, projectID)
			}
			dest, _ := b.Column(status)
			to := board.Location{ColumnID: string(status), Index: index}
			last := len(dest.Tasks)
			if from.ColumnID == to.ColumnID {
				last--
			}
			if index < 0 || index > last {
				to.Index = last
			}

			change, err := b.Apply(board.DragResult{Source: &from, Destination: &to})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if change == nil {
				fmt.Fprintf(out, "task %d already in %s\n", taskID, status)
				return nil
			}

			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.SetTaskStatus(cmd.Context(), change.TaskID, change.To); err != nil {
				if rerr := b.Restore(change.TaskID, change.From, change.Origin.Index); rerr != nil {
					err = errors.Join(err, rerr)
				}
				printBoard(out, b)
				return fmt.Errorf("status update failed, task %d kept in %s: %w", taskID, change.From, err)
			}
			fmt.Fprintf(out, "task %d: %s -> %s\n", taskID, change.From, change.To)
			printBoard(out, b)
			return nil
		},
	}
	cmd.Flags().IntVarP(&index, "index", "i", -1, "Position in the target column (default: end)")
	return cmd
}

func (a *app) doneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <taskId>",
		Short: "Mark a task as done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			task, err := c.Task(ctx, taskID)
			if err != nil {
				return err
			}
			if task.Status == domain.StatusDone {
				return fmt.Errorf("task %d is already done", taskID)
			}
			if err := c.MarkAsDone(ctx, taskID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d marked as done\n", taskID)
			return nil
		},
	}
}

func (a *app) assignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <taskId> <memberId>...",
		Short: "Assign members to a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			memberIDs := make([]int64, 0, len(args)-1)
			for _, raw := range args[1:] {
				id, err := parseID(raw, "member")
				if err != nil {
					return err
				}
				memberIDs = append(memberIDs, id)
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			assigned, err := c.AssignMembers(cmd.Context(), taskID, memberIDs)
			out := cmd.OutOrStdout()
			for _, as := range assigned {
				fmt.Fprintf(out, "member %d assigned to task %d\n", as.MemberID, as.TaskID)
			}
			return err
		},
	}
}

func (a *app) meetingCmd() *cobra.Command {
	var m domain.Meeting
	cmd := &cobra.Command{
		Use:   "meeting",
		Short: "Schedule a project meeting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := m.Validate(); err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			created, err := c.ScheduleMeeting(cmd.Context(), m)
			if err != nil {
				return err
			}
			if a.v.GetBool("json") {
				return a.printJSON(cmd.OutOrStdout(), created)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "meeting %d scheduled on %s at %s\n", created.ID, created.Date, created.Time)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Int64Var(&m.ProjectID, "project", 0, "Project id")
	flags.StringVar(&m.Title, "title", "", "Meeting title")
	flags.StringVar(&m.Description, "description", "", "Agenda")
	flags.StringVar(&m.Date, "date", "", "Date as YYYY-MM-DD")
	flags.StringVar(&m.Time, "time", "", "Time as HH:MM")
	return cmd
}
