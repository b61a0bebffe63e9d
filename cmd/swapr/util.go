package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/loykin/swapr"
	"github.com/loykin/swapr/internal/lock"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func lockLine(st lock.Status) string {
	h := st.Holder
	switch {
	case st.State == lock.StateFree || h == nil:
		return string(st.State)
	case st.State == lock.StateHeld:
		return fmt.Sprintf("held by pid %d (%s %s, phase %s, since %s)",
			h.PID, h.Info.Op, h.Info.ID, h.Info.Phase, humanize.Time(h.Info.StartedAt))
	default:
		return fmt.Sprintf("stale marker from pid %d (%s %s stopped in phase %s)",
			h.PID, h.Info.Op, h.Info.ID, h.Info.Phase)
	}
}

// printReport renders a status report for humans.
func printReport(w io.Writer, rep swapr.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "service:\t%s\n", rep.Service)
	if rep.Installed {
		_, _ = fmt.Fprintf(tw, "installed:\t%s (%s)\n", rep.InstallPath, rep.Version)
	} else {
		_, _ = fmt.Fprintf(tw, "installed:\t%s\n", rep.Version)
	}
	if rep.Digest != "" {
		_, _ = fmt.Fprintf(tw, "digest:\t%s\n", rep.Digest)
	}
	_, _ = fmt.Fprintf(tw, "state:\t%s\n", rep.State)
	_, _ = fmt.Fprintf(tw, "health url:\t%s\n", rep.HealthURL)
	_, _ = fmt.Fprintf(tw, "lock:\t%s\n", lockLine(rep.Lock))
	_, _ = fmt.Fprintf(tw, "backups:\t%d in %s\n", len(rep.Backups), rep.BackupDir)
	for _, b := range rep.Backups {
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%s\n",
			filepath.Base(b.Path), humanize.IBytes(uint64(b.Size)), humanize.Time(b.Timestamp))
	}
	_ = tw.Flush()

	if len(rep.Inconsistencies) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w, "inconsistencies:")
	for _, s := range rep.Inconsistencies {
		_, _ = fmt.Fprintf(w, "  - %s\n", s)
	}
}
