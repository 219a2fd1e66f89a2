package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/handover-sh/handover/internal/conn"
	"github.com/handover-sh/handover/internal/event"
	"github.com/handover-sh/handover/internal/fileset"
	"github.com/handover-sh/handover/internal/permit"
	"github.com/handover-sh/handover/internal/securelink"
	"github.com/handover-sh/handover/internal/stats"
	"github.com/handover-sh/handover/internal/wire"
)

// permitBound caps concurrent file operations and concurrent
// connection-level operations, one pool each.
const permitBound = 5

// Role records which side of the connection this controller drives.
// Reconnection replays the same role against the same peer.
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

// Dialer establishes an outbound connection. Swappable in tests.
type Dialer func(ctx context.Context, endpoint, passcode string, cfg conn.Config) (*conn.Connection, error)

// Acceptor re-establishes an inbound connection after loss, replaying
// the original listen/accept call.
type Acceptor func(ctx context.Context, cfg conn.Config) (*conn.Connection, error)

// SettingsStore is the persisted-settings surface the session needs: the
// Defaults handler writes arbitrary keys, the controller the resume flag.
type SettingsStore interface {
	conn.SettingsStore
	SetResumeAfterReboot(v bool) error
	ResumeAfterReboot() (bool, error)
}

// Options configures a Controller. Zero values get working defaults.
type Options struct {
	Bus      *event.Bus
	Stats    *stats.Collector
	Settings SettingsStore
	Policy   fileset.Policy

	ChunkThreshold int64
	BWLimit        int64
	Resolve        func(wire.PortablePath) string

	Dialer   Dialer
	Acceptor Acceptor
	Prober   Prober

	EstablishProbes  int
	EstablishBackoff time.Duration
	ReconnectBackoff time.Duration
	MonitorInterval  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Bus == nil {
		o.Bus = event.NewBus()
	}
	if o.Stats == nil {
		o.Stats = stats.NewCollector()
	}
	if o.Dialer == nil {
		o.Dialer = conn.Dial
	}
	if o.Prober == nil {
		o.Prober = sysProber
	}
	if o.EstablishProbes <= 0 {
		o.EstablishProbes = 3
	}
	if o.EstablishBackoff <= 0 {
		o.EstablishBackoff = 500 * time.Millisecond
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = 2 * time.Second
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 3 * time.Second
	}
	return o
}

// Controller owns one migration session. It is explicitly constructed
// and passed to whoever needs it; there is no process-wide instance.
type Controller struct {
	opts        Options
	filePermits *permit.Pool
	connPermits *permit.Pool

	mu          sync.Mutex
	state       State
	resumeState State
	conn        *conn.Connection
	endpoint    string
	passcode    string
	role        Role
	gotHostname bool
	gotSpace    bool
	paused      bool
	drained     int
}

// NewController builds a session controller around the given options.
func NewController(opts Options) *Controller {
	c := &Controller{
		opts:        opts.withDefaults(),
		filePermits: permit.NewPool(permitBound),
		connPermits: permit.NewPool(permitBound),
		state:       StateInitial,
	}
	c.opts.Bus.Subscribe(c.onEvent)
	return c
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats exposes the session's counter set. The same collector survives
// reconnection, so counters never reset mid-session.
func (c *Controller) Stats() *stats.Collector { return c.opts.Stats }

// Bus exposes the session's event bus.
func (c *Controller) Bus() *event.Bus { return c.opts.Bus }

// FilePermits gates concurrent file operations.
func (c *Controller) FilePermits() *permit.Pool { return c.filePermits }

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.opts.Bus.Publish(event.Event{Type: event.SessionState, State: s.String()})
}

// StartDiscovery marks the browsing/listening phase begun.
func (c *Controller) StartDiscovery() {
	c.setState(StateDiscovery)
}

// connConfig builds the Config handed to every connection this session
// opens, including reconnections: same policy, same counters, same bus.
func (c *Controller) connConfig() conn.Config {
	return conn.Config{
		Policy:         c.opts.Policy,
		Stats:          c.opts.Stats,
		Bus:            c.opts.Bus,
		Settings:       c.opts.Settings,
		ChunkThreshold: c.opts.ChunkThreshold,
		BWLimit:        c.opts.BWLimit,
		Resolve:        c.opts.Resolve,
		OnState:        c.onConnState,
	}
}

// ConnConfig exposes the connection configuration this session hands to
// every connection it opens. Callers accepting the first socket
// themselves must use it so the controller observes transport state.
func (c *Controller) ConnConfig() conn.Config {
	return c.connConfig()
}

// Connect dials the selected peer. Establishment is probed with bounded
// retries and short backoff; a handshake that repeatedly fails
// authentication lands in wrongPasscode and the user must re-enter it.
func (c *Controller) Connect(ctx context.Context, endpoint, passcode string) error {
	c.mu.Lock()
	c.endpoint = endpoint
	c.passcode = passcode
	c.role = RoleInitiator
	c.mu.Unlock()
	c.setState(StateFetching)

	var lastErr error
	for attempt := 0; attempt < c.opts.EstablishProbes; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				c.setState(StateInterrupted)
				return ctx.Err()
			case <-time.After(c.opts.EstablishBackoff):
			}
		}

		var cn *conn.Connection
		err := c.connPermits.Do(ctx, func() error {
			var dialErr error
			cn, dialErr = c.opts.Dialer(ctx, endpoint, passcode, c.connConfig())
			return dialErr
		})
		if err == nil {
			c.adopt(cn)
			return nil
		}
		lastErr = err
		slog.Warn("establishment probe failed", "attempt", attempt+1, "error", err)
	}

	if errors.Is(lastErr, securelink.ErrWrongPasscode) {
		c.setState(StateWrongPasscode)
		return lastErr
	}
	c.setState(StateInterrupted)
	return fmt.Errorf("session: connect %s: %w", endpoint, lastErr)
}

// Adopt attaches an accepted connection, remembering how to replay the
// accept on loss.
func (c *Controller) Adopt(cn *conn.Connection, passcode string, acceptor Acceptor) {
	c.mu.Lock()
	c.passcode = passcode
	c.role = RoleAcceptor
	if acceptor != nil {
		c.opts.Acceptor = acceptor
	}
	c.mu.Unlock()
	c.setState(StateFetching)
	c.adopt(cn)
}

func (c *Controller) adopt(cn *conn.Connection) {
	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()
	c.setState(StateConnectionEstablished)
	c.maybeReady()
}

// Conn returns the live connection, if any.
func (c *Controller) Conn() *conn.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// onEvent tracks the bootstrap exchange and completion.
func (c *Controller) onEvent(e event.Event) {
	switch e.Type {
	case event.HostnameLearned:
		c.mu.Lock()
		c.gotHostname = true
		c.mu.Unlock()
		c.maybeReady()
	case event.FreeSpaceLearned, event.MigrationSize:
		c.mu.Lock()
		c.gotSpace = true
		c.mu.Unlock()
		c.maybeReady()
	case event.MigrationCompleted:
		c.setState(StateCompleting)
		c.setState(StateCompleted)
	}
}

// maybeReady advances to readyForMigration once the peer's bootstrap
// info arrived. The exchange is asymmetric: the dialing side learns the
// acceptor's free space, the accepting side the dialer's hostname.
func (c *Controller) maybeReady() {
	c.mu.Lock()
	got := c.gotSpace
	if c.role == RoleAcceptor {
		got = c.gotHostname
	}
	ready := c.state == StateConnectionEstablished && got
	c.mu.Unlock()
	if ready {
		c.setState(StateReadyForMigration)
	}
}

// onConnState reacts to transport transitions. Called from connection
// goroutines.
func (c *Controller) onConnState(s conn.State) {
	switch s {
	case conn.StateFailed:
		go c.restoreConnection()
	case conn.StateCancelled:
		// Intentional teardown; completion or user cancel already moved
		// the session state.
	}
}

// restoreConnection replays the original connect or accept with the same
// role, endpoint, and passcode. Attempts are unbounded; only terminal
// states stop the loop. Migration progress is preserved: the stats
// collector is shared and chunk-boundary-safe writes let the transfer
// continue where it stopped.
func (c *Controller) restoreConnection() {
	c.mu.Lock()
	if c.state.Terminal() || c.state == StateRestoringConnection {
		c.mu.Unlock()
		return
	}
	// Establishment probing handles its own retries and verdicts.
	if c.state == StateFetching || c.state == StateWrongPasscode {
		c.mu.Unlock()
		return
	}
	if !c.state.inProgress() {
		c.mu.Unlock()
		c.setState(StateInterrupted)
		return
	}
	c.resumeState = c.state
	role := c.role
	endpoint := c.endpoint
	passcode := c.passcode
	c.mu.Unlock()

	c.setState(StateRestoringConnection)
	ctx := context.Background()

	for {
		if c.State().Terminal() {
			return
		}

		var cn *conn.Connection
		var err error
		switch role {
		case RoleInitiator:
			cn, err = c.opts.Dialer(ctx, endpoint, passcode, c.connConfig())
		case RoleAcceptor:
			if c.opts.Acceptor == nil {
				c.setState(StateInterrupted)
				return
			}
			cn, err = c.opts.Acceptor(ctx, c.connConfig())
		}
		if err == nil {
			c.mu.Lock()
			c.conn = cn
			resume := c.resumeState
			c.mu.Unlock()
			c.setState(resume)
			slog.Info("connection restored", "state", resume.String())
			return
		}

		slog.Warn("reconnection attempt failed", "error", err)
		time.Sleep(c.opts.ReconnectBackoff)
	}
}

// MigrateFiles sends every selected root of the option, then the total
// size announcement ahead of them.
func (c *Controller) MigrateFiles(ctx context.Context, opt *fileset.Option) error {
	cn := c.Conn()
	if cn == nil {
		return errors.New("session: no connection")
	}
	c.setState(StateFileMigration)

	if err := cn.SendMigrationSize(opt.TotalSize()); err != nil {
		return err
	}
	for _, root := range opt.Roots() {
		if !root.Selected {
			continue
		}
		if root.Kind == fileset.KindApp {
			continue // app phase
		}
		err := c.filePermits.Do(ctx, func() error {
			return cn.SendNode(root)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// MigrateApps sends the selected app bundles as opaque directories.
func (c *Controller) MigrateApps(ctx context.Context, opt *fileset.Option) error {
	cn := c.Conn()
	if cn == nil {
		return errors.New("session: no connection")
	}
	c.setState(StateAppMigration)

	for _, root := range opt.Roots() {
		if !root.Selected || root.Kind != fileset.KindApp {
			continue
		}
		err := c.filePermits.Do(ctx, func() error {
			return cn.SendNode(root)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// MigratePreferences streams settings entries for the peer to apply.
func (c *Controller) MigratePreferences(entries []wire.DefaultsEntry) error {
	cn := c.Conn()
	if cn == nil {
		return errors.New("session: no connection")
	}
	c.setState(StatePreferencesMigration)

	for _, e := range entries {
		if err := cn.SendDefaults(e); err != nil {
			return err
		}
	}
	return nil
}

// Complete announces the end of the migration and finishes the session.
func (c *Controller) Complete() error {
	cn := c.Conn()
	if cn == nil {
		return errors.New("session: no connection")
	}
	c.setState(StateCompleting)
	if err := cn.SendMigrationCompleted(); err != nil {
		return err
	}
	c.setState(StateCompleted)
	return nil
}

// Cancel is the explicit user-initiated reset; terminal.
func (c *Controller) Cancel() {
	c.setState(StateCancelled)
	if cn := c.Conn(); cn != nil {
		cn.Cancel()
	}
}

// MonitorMemory polls memory headroom until ctx ends, pausing the
// session under pressure and resuming once headroom returns.
func (c *Controller) MonitorMemory(ctx context.Context) {
	ticker := time.NewTicker(c.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkMemory(ctx)
		}
	}
}

// checkMemory runs one pressure check and applies the pause/resume
// transition it calls for.
func (c *Controller) checkMemory(ctx context.Context) {
	sample, err := c.opts.Prober()
	if err != nil {
		slog.Debug("memory probe failed", "error", err)
		return
	}
	pressured := underPressure(sample)

	c.mu.Lock()
	paused := c.paused
	canPause := c.state.inProgress()
	c.mu.Unlock()

	switch {
	case pressured && !paused && canPause:
		c.pause(ctx)
	case !pressured && paused:
		c.resume()
	}
}

// pause drains the file-operation permits so no new file work can start;
// in-flight operations finish before their permits are swallowed.
func (c *Controller) pause(ctx context.Context) {
	c.mu.Lock()
	c.resumeState = c.state
	c.paused = true
	c.mu.Unlock()
	c.setState(StatePaused)
	slog.Info("session paused on memory pressure")

	drained := 0
	for range c.filePermits.Cap() {
		if err := c.filePermits.Acquire(ctx); err != nil {
			break
		}
		drained++
	}
	c.mu.Lock()
	c.drained = drained
	c.mu.Unlock()
}

// resume releases the drained permits and restores the prior state.
func (c *Controller) resume() {
	c.mu.Lock()
	drained := c.drained
	c.drained = 0
	c.paused = false
	resume := c.resumeState
	c.mu.Unlock()

	for range drained {
		c.filePermits.Release()
	}
	c.setState(resume)
	slog.Info("session resumed", "state", resume.String())
}

// MarkResumeAfterReboot persists the single flag consulted after a
// planned restart.
func (c *Controller) MarkResumeAfterReboot(v bool) error {
	if c.opts.Settings == nil {
		return errors.New("session: no settings store")
	}
	return c.opts.Settings.SetResumeAfterReboot(v)
}

// ResumePending reports whether a prior session asked to continue after
// reboot, clearing the flag.
func (c *Controller) ResumePending() bool {
	if c.opts.Settings == nil {
		return false
	}
	v, err := c.opts.Settings.ResumeAfterReboot()
	if err != nil || !v {
		return false
	}
	if err := c.opts.Settings.SetResumeAfterReboot(false); err != nil {
		slog.Warn("clear resume flag failed", "error", err)
	}
	return true
}
