package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/chatgate/internal/audit"
	"github.com/KafClaw/chatgate/internal/store"
)

var (
	auditChat   int64
	auditLimit  int
	auditErrors bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent audit records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st store.Store, _ bool) error {
			filter := store.AuditFilter{Limit: auditLimit}
			if cmd.Flags().Changed("chat") {
				filter.ChatScope = &auditChat
			}
			recs, err := st.ListAudit(ctx, filter)
			if err != nil {
				return err
			}
			if auditErrors {
				recs = failedOnly(recs)
			}
			printAudit(cmd.OutOrStdout(), recs, time.Now())
			return nil
		})
	},
}

func init() {
	auditTailCmd.Flags().Int64Var(&auditChat, "chat", 0, "Only records of this chat scope")
	auditTailCmd.Flags().IntVar(&auditLimit, "limit", 20, "Maximum records to show")
	auditTailCmd.Flags().BoolVar(&auditErrors, "errors", false, "Only records that did not succeed")
	auditCmd.AddCommand(auditTailCmd)
}

func failedOnly(recs []audit.Record) []audit.Record {
	out := recs[:0:0]
	for _, r := range recs {
		if r.Status != audit.StatusSuccess {
			out = append(out, r)
		}
	}
	return out
}

func printAudit(w io.Writer, recs []audit.Record, now time.Time) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No audit records.")
		return
	}
	for _, r := range recs {
		status := r.Status.String()
		switch r.Status {
		case audit.StatusSuccess:
			status = color.GreenString(status)
		case audit.StatusCmdError:
			status = color.YellowString(status)
		default:
			status = color.RedString(status)
		}
		line := fmt.Sprintf("%-14s chat=%d user=%d %s %s %dms",
			humanize.RelTime(r.Timestamp, now, "ago", "from now"), r.ChatScope, r.ActorID, r.Kind, status, r.ElapsedMS)
		if r.Command != nil {
			line += " cmd=" + *r.Command
		}
		if r.Error != nil {
			line += " error=" + *r.Error
		}
		fmt.Fprintln(w, line)
	}
}
