package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/handover-sh/handover/internal/stats"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// CompletionSummary builds the final summary line from a snapshot.
// Format: done ✓  sent 48,917  received 12  size 2.1 GiB  time 3m 17s  errors 0
func CompletionSummary(snap stats.Snapshot, styled bool) string {
	moved := snap.BytesSent + snap.BytesReceived
	avgSpeed := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avgSpeed = float64(moved) / snap.Elapsed.Seconds()
	}

	failures := snap.FilesFailed + snap.VerifyFailed
	icon := "✓"
	if failures > 0 {
		icon = "✗"
	}
	if styled {
		if failures > 0 {
			icon = errStyle.Render(icon)
		} else {
			icon = okStyle.Render(icon)
		}
	}

	label := func(s string) string {
		if styled {
			return labelStyle.Render(s)
		}
		return s
	}

	var b strings.Builder
	fmt.Fprintf(&b, "done %s  %s %s  %s %s  %s %s  %s %s  %s %s",
		icon,
		label("sent"), FormatCount(snap.FilesSent),
		label("received"), FormatCount(snap.FilesReceived),
		label("size"), FormatBytes(moved),
		label("avg"), FormatRate(avgSpeed),
		label("time"), FormatDuration(snap.Elapsed),
	)
	if snap.DirsCreated > 0 || snap.SymlinksCreated > 0 {
		fmt.Fprintf(&b, "  %s %s  %s %s",
			label("dirs"), FormatCount(snap.DirsCreated),
			label("links"), FormatCount(snap.SymlinksCreated),
		)
	}
	if snap.DuplicatesMoved > 0 {
		fmt.Fprintf(&b, "  %s %s", label("backed up"), FormatCount(snap.DuplicatesMoved))
	}
	fmt.Fprintf(&b, "  %s %d", label("errors"), failures)
	return b.String()
}
