// Package ui renders migration progress from the event bus: one line per
// transferred entry in plain mode, a styled summary at the end.
package ui

import (
	"context"
	"io"

	"github.com/handover-sh/handover/internal/event"
	"github.com/handover-sh/handover/internal/stats"
)

// Presenter consumes bus events and displays progress.
type Presenter interface {
	// Run renders until ctx ends. Blocks until done.
	Run(ctx context.Context) error
	// Summary returns the final summary block.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer    io.Writer
	ErrWriter io.Writer
	Stats     *stats.Collector
	Bus       *event.Bus
	IsTTY     bool
	Quiet     bool
}

// NewPresenter creates the appropriate presenter based on configuration.
//
//nolint:ireturn // factory function returns interface by design
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return &quietPresenter{stats: cfg.Stats, bus: cfg.Bus}
	}
	return &plainPresenter{
		w:     cfg.Writer,
		errW:  cfg.ErrWriter,
		stats: cfg.Stats,
		bus:   cfg.Bus,
		tty:   cfg.IsTTY,
	}
}
