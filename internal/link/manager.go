package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/carefarm/internal/codec"
	"github.com/sweeney/carefarm/internal/state"
)

// Manager keeps exactly one connection to the microcontroller alive.
//
// Workers: one connect loop at a time (single-flight), one reader per open
// port, the watchdog, and the periodic state push. All of them stop when the
// context passed to Run is cancelled or Stop is called.
type Manager struct {
	cfg    Config
	driver Driver
	codec  codec.Codec
	store  StateStore
	logger *slog.Logger
	now    func() time.Time

	// writeMu serializes writes to the port.
	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	port          Port
	portName      string
	gen           uint64 // bumped whenever the current port changes
	lastHeartbeat time.Time
	lastFrame     time.Time
	heartbeatSeen bool
	reconnecting  bool
	stopped       bool
	sequences     int // connect sequences started, initial one included
	reconnects    int
	observers     []func(State)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager in the SEARCHING state. Nothing runs until Run.
func NewManager(cfg Config, driver Driver, c codec.Codec, store StateStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = time.Second
	}
	return &Manager{
		cfg:    cfg,
		driver: driver,
		codec:  c,
		store:  store,
		logger: logger.With("component", "link", "codec", c.Name()),
		now:    time.Now,
		state:  StateSearching,
	}
}

// OnStateChange registers fn to be called on every state transition. fn runs
// with the manager lock held and must not call back into the Manager.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Run connects and keeps the link alive until ctx is cancelled, then stops
// every worker and closes the port.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.ctx != nil {
		m.mu.Unlock()
		return errors.New("link manager already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.reconnecting = true
	m.sequences++
	m.wg.Add(2)
	go m.connectLoop()
	go m.watchdog()
	if m.cfg.SyncInterval > 0 {
		m.wg.Add(1)
		go m.syncLoop()
	}
	runCtx := m.ctx
	m.mu.Unlock()

	<-runCtx.Done()
	m.Stop()
	return nil
}

// Stop cancels every worker, closes the port and waits for the workers to
// exit. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		if m.cancel != nil {
			m.cancel()
		}
		m.closePortLocked()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Reconnect drops the current port and starts a new connect sequence in the
// background. It is a no-op while a sequence is already in flight.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.ctx == nil || m.reconnecting {
		return
	}
	m.reconnecting = true
	m.sequences++
	m.reconnects++
	m.closePortLocked()
	m.setStateLocked(StateReconnecting)
	m.logger.Info("reconnecting", "reconnects", m.reconnects)

	m.wg.Add(1)
	go m.connectLoop()
}

// Status returns the current link status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:         m.state,
		Port:          m.portName,
		LastHeartbeat: m.lastHeartbeat,
		LastFrame:     m.lastFrame,
		HeartbeatSeen: m.heartbeatSeen,
		Reconnects:    m.reconnects,
	}
}

// SendCommand writes one actuator assignment on behalf of actor and, once
// written, reflects it into the shared state through the same mode gate.
// If the mode changed while the frame was on the wire, the stored state is
// pushed back to the device and state.ErrModeGated is returned.
func (m *Manager) SendCommand(d state.Device, value int, actor state.Actor) error {
	if err := d.Validate(value); err != nil {
		return err
	}
	snap := m.store.Snapshot()
	if !state.MayWriteActuators(snap.Mode, actor) {
		return fmt.Errorf("%w: %s in %s", state.ErrModeGated, actor, snap.Mode)
	}
	next, err := snap.Actuators.With(d, value)
	if err != nil {
		return err
	}

	if err := m.write(codec.Command{Device: d, Value: value, Actuators: next}); err != nil {
		if errors.Is(err, ErrLinkUnavailable) {
			m.logger.Warn("command dropped, link not connected", "device", d, "value", value)
		}
		return err
	}

	patch := state.PatchFor(d, value)
	after := m.store.ApplyUpdate(state.Update{Actuators: &patch}, actor)
	if !state.MayWriteActuators(after.Mode, actor) {
		m.logger.Warn("mode changed during command, restoring device state",
			"err_class", "mode", "device", d, "value", value, "mode", after.Mode)
		if err := m.Sync(); err != nil {
			m.logger.Warn("restore after mode change failed", "error", err, "err_class", "transport")
		}
		return fmt.Errorf("%w: %s in %s", state.ErrModeGated, actor, after.Mode)
	}
	m.logger.Debug("command sent", "device", d, "value", value, "actor", actor)
	return nil
}

// Sync pushes the complete actuator state from the store to the device.
func (m *Manager) Sync() error {
	snap := m.store.Snapshot()
	return m.write(codec.Command{Device: state.DeviceAll, Actuators: snap.Actuators})
}

func (m *Manager) write(cmd codec.Command) error {
	m.mu.Lock()
	p, st := m.port, m.state
	m.mu.Unlock()
	if st != StateConnected || p == nil {
		return ErrLinkUnavailable
	}

	b, err := m.codec.Encode(cmd)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	_, err = p.Write(b)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Warn("serial write failed", "err_class", "transport", "error", err)
		m.Reconnect()
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// connectLoop searches for and opens the port, retrying after
// ReconnectDelay until it succeeds or the manager stops.
func (m *Manager) connectLoop() {
	defer m.wg.Done()

	misses := 0
	for {
		if m.ctx.Err() != nil {
			return
		}

		m.setState(StateSearching)
		name, ok := m.discoverPort()
		if !ok {
			misses++
			if misses == 1 {
				m.logger.Warn("no serial device found, will keep looking", "patterns", m.cfg.Patterns)
			} else {
				m.logger.Debug("no serial device found", "attempts", misses)
			}
			if !m.sleep(m.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		m.setState(StateConnecting)
		port, err := m.driver.Open(name, m.cfg.Baud)
		if err != nil {
			m.logger.Warn("serial open failed", "err_class", "transport", "port", name, "error", err)
			if !m.sleep(m.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		if !m.attach(port, name) {
			port.Close()
		}
		return
	}
}

// attach makes port the current connection and starts its reader.
func (m *Manager) attach(port Port, name string) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.port = port
	m.portName = name
	m.gen++
	gen := m.gen
	now := m.now()
	m.lastHeartbeat = now
	m.lastFrame = now
	m.heartbeatSeen = false
	m.reconnecting = false
	m.setStateLocked(StateConnected)
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("serial connected", "port", name, "baud", m.cfg.Baud)
	go m.readLoop(port, gen)

	if err := m.Sync(); err != nil {
		m.logger.Debug("initial sync failed", "error", err)
	}
	return true
}

func (m *Manager) readLoop(port Port, gen uint64) {
	defer m.wg.Done()

	r := bufio.NewReader(port)
	for {
		if m.ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		if err != nil {
			if m.isCurrent(gen) {
				m.logger.Warn("serial read failed", "err_class", "transport", "error", err)
				m.Reconnect()
			}
			return
		}
		m.handleLine(line)
	}
}

func (m *Manager) handleLine(line string) {
	frame, err := m.codec.Decode(line)
	if errors.Is(err, codec.ErrEmpty) {
		return
	}
	if err != nil {
		m.logger.Warn("dropping frame", "err_class", "protocol", "error", err, "line", strings.TrimSpace(line))
		return
	}

	now := m.now()
	m.mu.Lock()
	m.lastFrame = now
	if frame.Kind == codec.KindHeartbeat {
		if !m.heartbeatSeen {
			m.logger.Info("heartbeat detected, watchdog now tracks heartbeats")
		}
		m.lastHeartbeat = now
		m.heartbeatSeen = true
	}
	m.mu.Unlock()

	if frame.Kind == codec.KindSensor {
		m.store.ApplyUpdate(state.Update{Sensors: &frame.Sensors}, state.ActorLink)
	}
}

// watchdog checks liveness every WatchdogInterval.
func (m *Manager) watchdog() {
	defer m.wg.Done()
	if m.cfg.HeartbeatTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkLiveness(m.now())
		}
	}
}

// checkLiveness triggers a reconnect when the connected peer has been silent
// for longer than HeartbeatTimeout, and reports whether it did.
//
// Until the first heartbeat after a connect, any decoded frame counts as
// proof of life, so firmware that never sends heartbeats is not reconnected
// while it keeps reporting sensors. Once a heartbeat has been seen only
// heartbeats count.
func (m *Manager) checkLiveness(now time.Time) bool {
	m.mu.Lock()
	if m.state != StateConnected || m.cfg.HeartbeatTimeout <= 0 {
		m.mu.Unlock()
		return false
	}
	last, source := m.lastFrame, "frame"
	if m.heartbeatSeen {
		last, source = m.lastHeartbeat, "heartbeat"
	}
	m.mu.Unlock()

	silent := now.Sub(last)
	if silent <= m.cfg.HeartbeatTimeout {
		return false
	}
	m.logger.Warn("link silent, reconnecting", "err_class", "transport", "since_last", source, "silent", silent)
	m.Reconnect()
	return true
}

func (m *Manager) syncLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sync(); err != nil && !errors.Is(err, ErrLinkUnavailable) {
				m.logger.Debug("sync failed", "error", err)
			}
		}
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped && gen == m.gen
}

// sleep waits for d, returning false if the manager stopped first.
func (m *Manager) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

// setStateLocked must be called with mu held.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("link state", "from", m.state, "to", s)
	m.state = s
	for _, fn := range m.observers {
		fn(s)
	}
}

// closePortLocked must be called with mu held.
func (m *Manager) closePortLocked() {
	if m.port == nil {
		return
	}
	if err := m.port.Close(); err != nil {
		m.logger.Debug("close port", "error", err)
	}
	m.port = nil
	m.gen++
}
