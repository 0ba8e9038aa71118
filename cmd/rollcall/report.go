package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/database"
	"github.com/MrCodeEU/rollcall/pkg/ledger"
)

type attendanceReport struct {
	Session *database.Session `json:"session"`
	Count   int               `json:"count"`
	Records []ledger.Record   `json:"records"`
}

func newReportCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "report <session-id>",
		Short: "Show who was marked present in a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid session id %q", args[0])
			}

			db, err := ctx.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			sess, err := db.GetSession(cmd.Context(), id)
			if err != nil {
				return err
			}
			records, err := ledger.New(db).Records(cmd.Context(), id)
			if err != nil {
				return err
			}
			if records == nil {
				records = []ledger.Record{}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(attendanceReport{Session: sess, Count: len(records), Records: records})
			}

			fmt.Fprintf(out, "Session %d: %s in %s, started %s\n",
				sess.ID, sess.Unit, sess.Room, sess.StartedAt.Local().Format("2006-01-02 15:04"))
			if len(records) == 0 {
				fmt.Fprintln(out, "Nobody marked present")
				return nil
			}

			rows := make([][]string, 0, len(records))
			for i, r := range records {
				rows = append(rows, []string{
					strconv.Itoa(i + 1),
					string(r.Identity),
					r.MarkedAt.Local().Format("15:04:05"),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"#", "Name", "Marked at"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft},
			))
			fmt.Fprintf(out, "%d present\n", len(records))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the report as JSON")
	return cmd
}
