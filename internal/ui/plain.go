package ui

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/handover-sh/handover/internal/event"
	"github.com/handover-sh/handover/internal/stats"
)

// plainPresenter outputs one line per transferred entry to stdout and
// periodic progress to stderr.
type plainPresenter struct {
	w     io.Writer
	errW  io.Writer
	stats *stats.Collector
	bus   *event.Bus
	tty   bool
}

func (p *plainPresenter) Run(ctx context.Context) error {
	events := make(chan event.Event, 64)
	p.bus.Subscribe(func(e event.Event) {
		select {
		case events <- e:
		default: // presenter lag never blocks the transfer
		}
	})

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	progress := time.NewTicker(5 * time.Second)
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-events:
			p.handleEvent(e)
		case <-tick.C:
			p.stats.Tick()
		case <-progress.C:
			p.printProgress()
		}
	}
}

func (p *plainPresenter) handleEvent(e event.Event) {
	switch e.Type {
	case event.HostnameLearned:
		fmt.Fprintf(p.errW, "peer: %s\n", e.Name)
	case event.FreeSpaceLearned:
		fmt.Fprintf(p.errW, "peer free space: %s\n", FormatBytes(e.Size))
	case event.MigrationSize:
		fmt.Fprintf(p.errW, "migration size: %s\n", FormatBytes(e.Size))
	case event.FileSent:
		speed := p.stats.RollingSpeed(5)
		fmt.Fprintf(p.w, "%s  %s  %s\n", e.Name, FormatBytes(e.Size), FormatRate(speed))
	case event.FileReceived:
		fmt.Fprintf(p.w, "%s  %s\n", e.Name, FormatBytes(e.Size))
	case event.FileFailed:
		errMsg := "error"
		if e.Err != nil {
			errMsg = e.Err.Error()
		}
		fmt.Fprintf(p.w, "%s  %s\n", e.Name, errMsg)
	case event.SymlinkReceived:
		fmt.Fprintf(p.w, "%s  link\n", e.Name)
	case event.SessionState:
		fmt.Fprintf(p.errW, "session: %s\n", e.State)
	case event.ConnectionState:
		fmt.Fprintf(p.errW, "connection: %s\n", e.State)
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	moved := snap.BytesSent + snap.BytesReceived
	if snap.BytesTotal > 0 {
		pct := float64(moved) / float64(snap.BytesTotal) * 100
		speed := p.stats.RollingSpeed(10)
		eta := p.stats.ETA()
		fmt.Fprintf(p.errW, "progress: %.0f%% %s/%s %s files %s eta %s\n",
			pct,
			FormatBytes(moved), FormatBytes(snap.BytesTotal),
			FormatCount(snap.FilesSent+snap.FilesReceived),
			FormatRate(speed),
			FormatETA(eta),
		)
	} else {
		fmt.Fprintf(p.errW, "progress: %s moved, %s files\n",
			FormatBytes(moved),
			FormatCount(snap.FilesSent+snap.FilesReceived),
		)
	}
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot(), p.tty)
}
