package peers

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
)

// Announcer advertises this device on the local network while a session
// is waiting for a peer.
type Announcer struct {
	token string
	name  string
	port  int
	id    string
	hint  InterfaceHint

	conn   *net.UDPConn
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewAnnouncer creates an announcer advertising name and the TCP port the
// listener accepts migration connections on.
func NewAnnouncer(token, name string, port int) *Announcer {
	if token == "" {
		token = DefaultServiceToken
	}
	return &Announcer{
		token:  token,
		name:   name,
		port:   port,
		id:     uuid.NewString(),
		hint:   localHint(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the periodic announcement loop.
func (a *Announcer) Start() error {
	group := &net.UDPAddr{
		IP:   net.ParseIP(multicastGroup),
		Port: multicastPort,
	}
	conn, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		return fmt.Errorf("peers: dial group: %w", err)
	}
	a.conn = conn

	go a.loop()
	return nil
}

// Stop sends a goodbye beacon and stops announcing.
func (a *Announcer) Stop() {
	close(a.stopCh)
	<-a.doneCh
	a.send(beacon{Token: a.token, ID: a.id, Bye: true})
	a.conn.Close()
}

func (a *Announcer) loop() {
	defer close(a.doneCh)

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	a.announce()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.announce()
		}
	}
}

func (a *Announcer) announce() {
	a.send(beacon{
		Token: a.token,
		ID:    a.id,
		Name:  a.name,
		Port:  a.port,
		Hint:  a.hint,
	})
}

func (a *Announcer) send(b beacon) {
	data, err := encodeBeacon(b)
	if err != nil {
		slog.Debug("encode beacon failed", "error", err)
		return
	}
	if _, err := a.conn.Write(data); err != nil {
		slog.Debug("send beacon failed", "error", err)
	}
}

// localHint guesses the link type of the first usable interface.
func localHint() InterfaceHint {
	ifaces, err := net.Interfaces()
	if err != nil {
		return HintUnknown
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if addrs, addrErr := iface.Addrs(); addrErr == nil && len(addrs) > 0 {
			return guessHint(iface.Name)
		}
	}
	return HintUnknown
}
