package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/handover-sh/handover/internal/event"
)

func TestBusDeliversInOrder(t *testing.T) {
	t.Parallel()

	b := event.NewBus()

	var seen []event.Type
	b.Subscribe(func(e event.Event) {
		seen = append(seen, e.Type)
	})

	b.Publish(event.Event{Type: event.HostnameLearned, Name: "studio"})
	b.Publish(event.Event{Type: event.FreeSpaceLearned, Size: 1 << 30})

	assert.Equal(t, []event.Type{event.HostnameLearned, event.FreeSpaceLearned}, seen)
}

func TestBusLastStateWinsReplay(t *testing.T) {
	t.Parallel()

	b := event.NewBus()
	b.Publish(event.Event{Type: event.FreeSpaceLearned, Size: 100})
	b.Publish(event.Event{Type: event.FreeSpaceLearned, Size: 200})

	var replayed []event.Event
	b.Subscribe(func(e event.Event) {
		replayed = append(replayed, e)
	})

	// Late subscriber sees only the latest value.
	assert.Len(t, replayed, 1)
	assert.Equal(t, int64(200), replayed[0].Size)

	latest, ok := b.Latest(event.FreeSpaceLearned)
	assert.True(t, ok)
	assert.Equal(t, int64(200), latest.Size)
}
