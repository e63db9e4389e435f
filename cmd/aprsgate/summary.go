package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/c360/aprsgate/snapshot"
)

// writeSummary prints the overview as an aligned report.
func writeSummary(w io.Writer, ov snapshot.Overview) error {
	snap := ov.Snapshot
	stats := snap.Stats

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	row := func(label, value string) {
		fmt.Fprintf(tw, "%s\t%s\n", label, value)
	}

	row("Time", snap.Time)
	row("Callsign", orDash(ov.Callsign))
	row("Version", orDash(ov.Version))
	row("Uptime", orDash(stats.APRSD.Uptime))
	if stats.APRSD.MemoryCurrent > 0 {
		row("Memory", fmt.Sprintf("%s (peak %s)",
			humanize.Bytes(uint64(stats.APRSD.MemoryCurrent)),
			humanize.Bytes(uint64(stats.APRSD.MemoryPeak))))
	}
	row("Transport", ov.Transport)
	if ov.Connection != "" {
		row("Connection", ov.Connection)
	}
	row("Tracked packets", humanize.Comma(int64(snap.SizeTracker)))
	row("Packets", counts(snap.Packets().Sent, snap.Packets().Received))
	row("Messages", counts(stats.Messages.Sent, stats.Messages.Received))
	row("Email", counts(stats.Email.Sent, stats.Email.Received))
	row("Seen list", humanize.Comma(int64(ov.SeenCount))+" stations")
	row("Watch list", humanize.Comma(int64(ov.WatchCount))+" stations")

	if err := tw.Flush(); err != nil {
		return err
	}

	wl := snap.WatchList()
	if len(wl) == 0 {
		return nil
	}

	calls := make([]string, 0, len(wl))
	for call := range wl {
		calls = append(calls, call)
	}
	sort.Strings(calls)

	now := snap.GeneratedAt
	if now.IsZero() {
		now = time.Now()
	}
	alert := time.Duration(ov.WatchAge) * time.Second

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALLSIGN\tLAST HEARD\t")
	for _, call := range calls {
		age := time.Duration(wl[call]) * time.Second
		flag := ""
		if alert > 0 && age > alert {
			flag = "stale"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", call, humanize.RelTime(now.Add(-age), now, "ago", "from now"), flag)
	}
	return tw.Flush()
}

func counts(sent, received int64) string {
	return fmt.Sprintf("%s sent / %s received", humanize.Comma(sent), humanize.Comma(received))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
