package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"classroll/internal/livesync"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var (
		sessionUUID string
		once        bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live check-in log",
		Long: `Poll the live snapshot and re-render the check-in log on every change.
Without --uuid the active session is followed with professor credentials; with
--uuid the public projector view of that session is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ctx.client()
			out := cmd.OutOrStdout()
			fetch := func(ctx context.Context) (livesync.Snapshot, error) {
				return c.Live(ctx, sessionUUID)
			}

			if once {
				snap, err := fetch(cmd.Context())
				if err != nil {
					return err
				}
				renderSnapshot(out, snap)
				return nil
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := ctx.logger()
			defer func() { _ = logger.Sync() }()

			p := livesync.NewPoller(fetch, livesync.Snapshot.Active, ctx.pollInterval(), logger, func(v livesync.View[livesync.Snapshot]) {
				fmt.Fprint(out, "\033[H\033[2J")
				renderSnapshot(out, v.Data)
			})
			return p.Run(runCtx)
		},
	}
	cmd.Flags().StringVar(&sessionUUID, "uuid", "", "Public session id to follow")
	cmd.Flags().BoolVar(&once, "once", false, "Fetch one snapshot and exit")
	return cmd
}

func renderSnapshot(w io.Writer, snap livesync.Snapshot) {
	if !snap.Active() {
		fmt.Fprintln(w, "No active session. Waiting for the instructor to start one...")
		return
	}
	fmt.Fprintf(w, "%s  %s", snap.SubjectCode, snap.Topic)
	if snap.Room != "" {
		fmt.Fprintf(w, "  room %s", snap.Room)
	}
	fmt.Fprintf(w, "  (session %d)\n", snap.SessionID)
	if len(snap.Logs) == 0 {
		fmt.Fprintln(w, "Nobody has checked in yet.")
		return
	}
	rows := make([][]string, 0, len(snap.Logs))
	for _, l := range snap.Logs {
		rows = append(rows, []string{l.CheckInTime, l.StudentCode, l.Name, string(l.Status)})
	}
	fmt.Fprintln(w, renderTable([]string{"Time", "Code", "Name", "Status"}, rows, nil))
	fmt.Fprintf(w, "%d checked in\n", len(snap.Logs))
}
