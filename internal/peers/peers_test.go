package peers

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handover-sh/handover/internal/event"
)

func TestBeaconRoundTrip(t *testing.T) {
	t.Parallel()

	b := beacon{
		Token: DefaultServiceToken,
		ID:    "abc-123",
		Name:  "studio",
		Port:  54330,
		Hint:  HintWireless,
	}
	data, err := encodeBeacon(b)
	require.NoError(t, err)

	got, err := decodeBeacon(data)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestDecodeBeaconMalformed(t *testing.T) {
	t.Parallel()

	_, err := decodeBeacon([]byte("{bad"))
	require.Error(t, err)
}

func TestBrowserTracksPeerLifecycle(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	var types []event.Type
	bus.Subscribe(func(e event.Event) { types = append(types, e.Type) })

	b := NewBrowser("", bus)
	src := &net.UDPAddr{IP: net.ParseIP("192.168.1.20")}

	b.observe(beacon{Token: DefaultServiceToken, ID: "p1", Name: "studio", Port: 1000}, src)
	b.observe(beacon{Token: DefaultServiceToken, ID: "p1", Name: "studio", Port: 1000}, src)
	b.observe(beacon{Token: DefaultServiceToken, ID: "p1", Name: "studio-2", Port: 1000}, src)

	live := b.Peers()
	require.Len(t, live, 1)
	assert.Equal(t, "studio-2", live[0].Name)
	assert.Equal(t, "192.168.1.20", live[0].Host)
	assert.Equal(t, "192.168.1.20:1000", live[0].Endpoint())

	found, ok := b.Find("studio-2")
	assert.True(t, ok)
	assert.Equal(t, "p1", found.ID)

	b.observe(beacon{Token: DefaultServiceToken, ID: "p1", Bye: true}, src)
	assert.Empty(t, b.Peers())

	assert.Equal(t, []event.Type{event.PeerFound, event.PeerChanged, event.PeerLost}, types)
}

func TestBrowserIgnoresForeignTokens(t *testing.T) {
	t.Parallel()

	b := NewBrowser("_handover._tcp", nil)
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.9")}

	b.observe(beacon{Token: "_other._tcp", ID: "x", Name: "foreign", Port: 1}, src)
	assert.Empty(t, b.Peers())
}

func TestBrowserTTLExpiry(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	var lost int
	bus.Subscribe(func(e event.Event) {
		if e.Type == event.PeerLost {
			lost++
		}
	})

	b := NewBrowser("", bus)
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.5")}
	b.observe(beacon{Token: DefaultServiceToken, ID: "p2", Name: "old", Port: 2000}, src)

	b.expire(time.Now().Add(peerTTL + time.Second))
	assert.Empty(t, b.Peers())
	assert.Equal(t, 1, lost)
}

func TestGuessHint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, HintWireless, guessHint("wlan0"))
	assert.Equal(t, HintWired, guessHint("eth0"))
	assert.Equal(t, HintWired, guessHint("enp3s0"))
	assert.Equal(t, HintUnknown, guessHint("lo"))
}
