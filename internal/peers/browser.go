package peers

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/handover-sh/handover/internal/event"
)

// Browser listens for announcement beacons and tracks live peers.
type Browser struct {
	token string
	bus   *event.Bus

	mu    sync.Mutex
	peers map[string]Peer

	conn   *net.UDPConn
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBrowser creates a browser for the given service token.
func NewBrowser(token string, bus *event.Bus) *Browser {
	if token == "" {
		token = DefaultServiceToken
	}
	return &Browser{
		token:  token,
		bus:    bus,
		peers:  make(map[string]Peer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start joins the multicast group and begins tracking peers.
func (b *Browser) Start() error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf(":%d", multicastPort))
	if err != nil {
		return fmt.Errorf("peers: resolve group: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("peers: listen: %w", err)
	}
	b.conn = conn

	pc := ipv4.NewPacketConn(conn)
	group := net.ParseIP(multicastGroup)
	joined := false
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(iface, &net.UDPAddr{IP: group}); err == nil {
			joined = true
		}
	}
	if !joined {
		conn.Close()
		return fmt.Errorf("peers: no multicast-capable interface")
	}

	go b.loop()
	go b.expireLoop()
	return nil
}

// Stop leaves the group and stops tracking.
func (b *Browser) Stop() {
	close(b.stopCh)
	b.conn.Close()
	<-b.doneCh
}

// Peers returns the currently-live peer set.
func (b *Browser) Peers() []Peer {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	out := make([]Peer, 0, len(b.peers))
	for _, p := range b.peers {
		if now.Sub(p.Seen) < peerTTL {
			out = append(out, p)
		}
	}
	return out
}

// Find returns the peer with the given name or host, if live.
func (b *Browser) Find(nameOrHost string) (Peer, bool) {
	for _, p := range b.Peers() {
		if p.Name == nameOrHost || p.Host == nameOrHost {
			return p, true
		}
	}
	return Peer{}, false
}

func (b *Browser) loop() {
	defer close(b.doneCh)

	buf := make([]byte, 2048)
	for {
		n, src, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.stopCh:
				return
			default:
				slog.Debug("browser read failed", "error", err)
				return
			}
		}

		bc, err := decodeBeacon(buf[:n])
		if err != nil {
			continue
		}
		b.observe(bc, src)
	}
}

func (b *Browser) observe(bc beacon, src *net.UDPAddr) {
	if bc.Token != b.token {
		return
	}
	b.mu.Lock()
	prev, known := b.peers[bc.ID]

	if bc.Bye {
		delete(b.peers, bc.ID)
		b.mu.Unlock()
		if known {
			b.publish(event.PeerLost, prev)
		}
		return
	}

	p := Peer{
		ID:   bc.ID,
		Name: bc.Name,
		Host: src.IP.String(),
		Port: bc.Port,
		Hint: bc.Hint,
		Seen: time.Now(),
	}
	b.peers[bc.ID] = p
	b.mu.Unlock()

	switch {
	case !known:
		b.publish(event.PeerFound, p)
	case prev.Name != p.Name || prev.Port != p.Port || prev.Host != p.Host:
		b.publish(event.PeerChanged, p)
	}
}

func (b *Browser) expireLoop() {
	ticker := time.NewTicker(peerTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.expire(time.Now())
		}
	}
}

func (b *Browser) expire(now time.Time) {
	b.mu.Lock()
	var lost []Peer
	for id, p := range b.peers {
		if now.Sub(p.Seen) >= peerTTL {
			delete(b.peers, id)
			lost = append(lost, p)
		}
	}
	b.mu.Unlock()

	for _, p := range lost {
		b.publish(event.PeerLost, p)
	}
}

func (b *Browser) publish(t event.Type, p Peer) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(event.Event{Type: t, Name: p.Name, Size: int64(p.Port)})
}
