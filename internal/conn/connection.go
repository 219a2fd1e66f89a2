// Package conn owns one migration connection: it multiplexes framed
// messages over a single secured socket and implements the sending and
// receiving halves of the transfer protocol.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/handover-sh/handover/internal/event"
	"github.com/handover-sh/handover/internal/fileset"
	"github.com/handover-sh/handover/internal/securelink"
	"github.com/handover-sh/handover/internal/stats"
	"github.com/handover-sh/handover/internal/wire"
)

// DefaultChunkThreshold is the largest body sent as a single File
// message; larger files are split into MultipartFile chunks of at most
// this many bytes.
const DefaultChunkThreshold int64 = 200_000_000

// State mirrors the transport's connection states, re-exposed as events.
type State int

const (
	StateSetup State = iota
	StatePreparing
	StateReady
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	StateSetup:     "setup",
	StatePreparing: "preparing",
	StateReady:     "ready",
	StateFailed:    "failed",
	StateCancelled: "cancelled",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Role distinguishes which side initiated the connection; it decides the
// bootstrap message sent on ready.
type Role int

const (
	RoleInitiator Role = iota // dialed out; sends hostname first
	RoleAcceptor              // accepted in; sends free space first
)

// SettingsStore is the slice of the persisted settings API the Defaults
// handler needs.
type SettingsStore interface {
	SetString(key, value string) error
	SetBool(key string, value bool) error
}

// Config carries the collaborators a Connection needs. Stats and Bus are
// required; the rest have usable defaults.
type Config struct {
	Policy         fileset.Policy
	Stats          *stats.Collector
	Bus            *event.Bus
	Settings       SettingsStore
	ChunkThreshold int64
	BWLimit        int64 // bytes/sec; 0 = unlimited

	// Resolve maps a portable path to a local absolute path. Defaults to
	// wire.PortablePath.Resolve; tests redirect it into a temp root.
	Resolve func(wire.PortablePath) string

	// OnState observes connection state transitions. Called from the
	// connection's own goroutines; must not block.
	OnState func(State)
}

func (c Config) withDefaults() Config {
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = DefaultChunkThreshold
	}
	if c.Resolve == nil {
		c.Resolve = wire.PortablePath.Resolve
	}
	if c.Stats == nil {
		c.Stats = stats.NewCollector()
	}
	if c.Bus == nil {
		c.Bus = event.NewBus()
	}
	return c
}

// Connection owns exactly one physical socket. Sends are strictly
// serialized: one logical message completes fully before the next begins,
// so frames are never interleaved on the stream.
type Connection struct {
	conn   net.Conn
	framer *wire.Framer
	cfg    Config
	role   Role

	sendMu   sync.Mutex
	symlinks []wire.SymlinkDescriptor
	limiter  *rate.Limiter

	// skipParts records multipart sources whose first part was skipped
	// or failed, so every later part of the same file is discarded.
	// Touched only from the receive loop.
	skipParts map[string]bool

	state     atomic.Int32
	closed    atomic.Bool
	completed atomic.Bool
	done      chan struct{}
}

// Dial opens an outbound connection to endpoint, authenticating with the
// passcode. On success the connection is ready: hostname has been sent
// and the receive loop is running.
func Dial(ctx context.Context, endpoint, passcode string, cfg Config) (*Connection, error) {
	params, err := securelink.NewParams(passcode)
	if err != nil {
		return nil, err
	}

	c := newConnection(nil, RoleInitiator, cfg)
	c.setState(StatePreparing)

	sock, err := securelink.Dial(ctx, params, endpoint)
	if err != nil {
		c.setState(StateFailed)
		return nil, err
	}
	c.attach(sock)
	return c, c.start()
}

// Accept wraps an already-accepted raw socket, completing the secure
// handshake from the server side.
func Accept(raw net.Conn, passcode string, cfg Config) (*Connection, error) {
	params, err := securelink.NewParams(passcode)
	if err != nil {
		return nil, err
	}

	c := newConnection(nil, RoleAcceptor, cfg)
	c.setState(StatePreparing)

	sock, err := securelink.Accept(raw, params)
	if err != nil {
		c.setState(StateFailed)
		return nil, err
	}
	c.attach(sock)
	return c, c.start()
}

// Wrap adopts an already-secured socket. Used by tests and by transports
// that authenticate elsewhere.
func Wrap(sock net.Conn, role Role, cfg Config) (*Connection, error) {
	c := newConnection(sock, role, cfg)
	return c, c.start()
}

func newConnection(sock net.Conn, role Role, cfg Config) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{
		conn:      sock,
		cfg:       cfg,
		role:      role,
		done:      make(chan struct{}),
		skipParts: make(map[string]bool),
	}
	if sock != nil {
		c.framer = wire.NewFramer(sock)
	}
	if cfg.BWLimit > 0 {
		burst := int64(1 << 20)
		if cfg.BWLimit < burst {
			burst = cfg.BWLimit
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.BWLimit), int(burst))
	}
	c.state.Store(int32(StateSetup))
	return c
}

func (c *Connection) attach(sock net.Conn) {
	c.conn = sock
	c.framer = wire.NewFramer(sock)
}

// start performs the ready transition and launches the connection
// goroutine: bootstrap info appropriate to the role goes out and the
// receive loop begins. The bootstrap send happens off the caller's
// goroutine so two freshly wrapped ends of a synchronous pipe cannot
// deadlock on each other.
func (c *Connection) start() error {
	c.setState(StateReady)
	go c.run()
	return nil
}

func (c *Connection) run() {
	defer close(c.done)

	// Bootstrap runs beside the receive loop, not before it: on a
	// synchronous transport both peers bootstrap at once and each write
	// completes only when the other side is already reading.
	go func() {
		var err error
		switch c.role {
		case RoleInitiator:
			err = c.SendHostname()
		case RoleAcceptor:
			err = c.SendAvailableFreeSpace()
		}
		if err != nil && !c.closed.Load() {
			c.fail(err)
		}
	}()

	c.receiveLoop()
}

// State returns the current connection state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Done is closed when the receive loop has stopped.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Completed reports whether the Result message was observed.
func (c *Connection) Completed() bool {
	return c.completed.Load()
}

// Cancel tears the connection down intentionally. Idempotent, always
// safe: the receive loop stops as soon as the socket closes, and a
// cancelled connection never triggers reconnection.
func (c *Connection) Cancel() {
	if c.closed.CompareAndSwap(false, true) {
		c.setState(StateCancelled)
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// finish closes the socket after a clean completion without marking the
// connection cancelled or failed.
func (c *Connection) finish() {
	if c.closed.CompareAndSwap(false, true) {
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

func (c *Connection) fail(err error) {
	if c.closed.CompareAndSwap(false, true) {
		slog.Warn("connection failed", "error", err)
		c.setState(StateFailed)
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
	c.cfg.Bus.Publish(event.Event{Type: event.ConnectionState, State: s.String()})
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

// sendMsg writes one complete logical message under the send lock.
func (c *Connection) sendMsg(typ wire.Type, info []byte, payload io.Reader, n int64) error {
	if c.closed.Load() {
		return errors.New("conn: connection closed")
	}
	if c.limiter != nil && payload != nil {
		payload = &limitedReader{r: payload, limiter: c.limiter}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.framer.WriteMessage(typ, info, payload, n)
}

// SendHostname announces this device's name.
func (c *Connection) SendHostname() error {
	name, err := os.Hostname()
	if err != nil {
		name = "unknown"
	}
	return c.sendString(wire.TypeHostname, name)
}

// SendAvailableFreeSpace announces free disk space as a decimal string.
func (c *Connection) SendAvailableFreeSpace() error {
	free, err := availableSpace()
	if err != nil {
		slog.Warn("free space probe failed", "error", err)
		free = 0
	}
	return c.sendString(wire.TypeAvailableSpace, strconv.FormatInt(free, 10))
}

// SendMigrationSize announces the total byte size of the selection.
func (c *Connection) SendMigrationSize(n int64) error {
	return c.sendString(wire.TypeMetadata, strconv.FormatInt(n, 10))
}

// SendMigrationCompleted sends the completion marker. The peer closes
// its end once it processes the marker, so the connection is marked
// completed locally too and the subsequent socket teardown is not a
// failure.
func (c *Connection) SendMigrationCompleted() error {
	if err := c.sendMsg(wire.TypeResult, nil, nil, 0); err != nil {
		return err
	}
	c.completed.Store(true)
	c.cfg.Bus.Publish(event.Event{Type: event.MigrationCompleted})
	return nil
}

func (c *Connection) sendString(typ wire.Type, s string) error {
	body := []byte(s)
	if err := c.sendMsg(typ, nil, readerFor(body), int64(len(body))); err != nil {
		return fmt.Errorf("conn: send %s: %w", typ, err)
	}
	return nil
}

// limitedReader throttles reads through the shared bandwidth limiter.
type limitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if n > 0 {
		if waitErr := l.limiter.WaitN(context.Background(), n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
