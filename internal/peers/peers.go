// Package peers implements local-network service discovery: an Announcer
// advertises this device under the configured service identifier, and a
// Browser maintains the set of peers doing the same. Discovery only hands
// off endpoints; it never touches an established connection.
package peers

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	multicastGroup = "239.255.73.84"
	multicastPort  = 54329

	// DefaultServiceToken names the service the way DNS-SD would:
	// peers announcing under a different token are invisible.
	DefaultServiceToken = "_handover._tcp"

	announceInterval = 2 * time.Second
	peerTTL          = 6 * time.Second
)

// InterfaceHint labels the link type a peer was seen on. UI labeling
// only; never protocol behavior.
type InterfaceHint string

const (
	HintWired    InterfaceHint = "wired"
	HintWireless InterfaceHint = "wifi"
	HintUnknown  InterfaceHint = "unknown"
)

// Peer is one discovered device.
type Peer struct {
	ID   string
	Name string
	Host string
	Port int
	Hint InterfaceHint
	Seen time.Time
}

// Endpoint returns the dialable host:port for the peer.
func (p Peer) Endpoint() string {
	return net.JoinHostPort(p.Host, fmt.Sprintf("%d", p.Port))
}

// beacon is the announcement datagram. "bye" beacons remove a peer
// immediately instead of waiting for TTL expiry.
type beacon struct {
	Token string        `json:"token"`
	ID    string        `json:"id"`
	Name  string        `json:"name"`
	Port  int           `json:"port"`
	Hint  InterfaceHint `json:"hint,omitempty"`
	Bye   bool          `json:"bye,omitempty"`
}

func encodeBeacon(b beacon) ([]byte, error) {
	return json.Marshal(b)
}

func decodeBeacon(data []byte) (beacon, error) {
	var b beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return beacon{}, fmt.Errorf("peers: decode beacon: %w", err)
	}
	return b, nil
}

// guessHint classifies an interface by name. Heuristic, best-effort.
func guessHint(ifaceName string) InterfaceHint {
	switch {
	case strings.HasPrefix(ifaceName, "wl"), strings.HasPrefix(ifaceName, "ath"),
		strings.HasPrefix(ifaceName, "wifi"):
		return HintWireless
	case strings.HasPrefix(ifaceName, "en"), strings.HasPrefix(ifaceName, "eth"):
		return HintWired
	default:
		return HintUnknown
	}
}
