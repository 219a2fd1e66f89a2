package ui

import (
	"context"
	"time"

	"github.com/handover-sh/handover/internal/event"
	"github.com/handover-sh/handover/internal/stats"
)

// quietPresenter produces no per-event output but keeps the throughput
// ring ticking so the summary's averages stay meaningful.
type quietPresenter struct {
	stats *stats.Collector
	bus   *event.Bus
}

func (p *quietPresenter) Run(ctx context.Context) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			p.stats.Tick()
		}
	}
}

func (p *quietPresenter) Summary() string {
	return ""
}
