package ui

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handover-sh/handover/internal/event"
	"github.com/handover-sh/handover/internal/stats"
)

// syncBuffer makes bytes.Buffer safe to read while the presenter
// goroutine writes.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestPlainPresenterRendersEvents(t *testing.T) {
	var out, errOut syncBuffer
	bus := event.NewBus()
	p := NewPresenter(Config{
		Writer:    &out,
		ErrWriter: &errOut,
		Stats:     stats.NewCollector(),
		Bus:       bus,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	bus.Publish(event.Event{Type: event.HostnameLearned, Name: "othermac"})
	bus.Publish(event.Event{Type: event.FileSent, Name: "/home/u/Docs/a.txt", Size: 10})
	bus.Publish(event.Event{Type: event.SessionState, State: "fileMigration"})

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "a.txt")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Contains(t, errOut.String(), "peer: othermac")
	assert.Contains(t, errOut.String(), "session: fileMigration")
	assert.Contains(t, out.String(), "10 B")
}

func TestQuietPresenterNoOutput(t *testing.T) {
	bus := event.NewBus()
	p := NewPresenter(Config{Quiet: true, Stats: stats.NewCollector(), Bus: bus})
	assert.Empty(t, p.Summary())
}
