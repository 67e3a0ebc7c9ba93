package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"classroll/internal/apperr"
	"classroll/internal/livesync"
	"classroll/internal/model"
	"classroll/internal/override"
)

func newOverrideCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override <student code or name> <PRESENT|LATE|ABSENT>",
		Short: "Force a student's status in the active session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, ok := model.ParseStatus(args[1])
			if !ok {
				return apperr.Validationf("invalid status %q", args[1])
			}
			c := ctx.client()
			view, err := c.Monitor(cmd.Context(), 0, livesync.SortByCode)
			if err != nil {
				return err
			}
			if !view.Active() {
				return apperr.NotFoundf("no active session")
			}

			roster := override.NewRoster(view.Students, func(callCtx context.Context, identity string, to model.Status) error {
				return c.Override(callCtx, identity, to)
			})
			res := roster.Override(cmd.Context(), args[0], status)
			renderRoster(cmd.OutOrStdout(), roster.Students())
			if res.Err != nil {
				return fmt.Errorf("override rejected, roster restored: %w", res.Err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], status)
			return nil
		},
	}
	return cmd
}

func renderRoster(w io.Writer, students []livesync.MonitorStudent) {
	rows := make([][]string, 0, len(students))
	for _, s := range students {
		at := ""
		if s.CheckInTime != nil {
			at = *s.CheckInTime
		}
		rows = append(rows, []string{s.StudentCode, s.Name, string(s.Status), at})
	}
	fmt.Fprintln(w, renderTable([]string{"Code", "Name", "Status", "Check-in"}, rows, nil))
}
