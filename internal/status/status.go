// Package status provides a thread-safe status tracker for the carefarm daemon.
// It is read by HTTP handlers and the MQTT system events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/carefarm/internal/link"
	"github.com/sweeney/carefarm/internal/logic"
	"github.com/sweeney/carefarm/internal/state"
)

// Config contains daemon configuration for display.
type Config struct {
	SerialPort         string // empty = auto-discover
	Codec              string
	Baud               int
	ControlIntervalMs  int64
	HeartbeatTimeoutMs int64
	Broker             string
	HTTPAddr           string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Link          link.Status
	Mode          state.Mode
	Counts        logic.Counts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
			Link:      link.Status{State: link.StateSearching},
		},
	}
}

// SetLink records the serial link status.
func (t *Tracker) SetLink(ls link.Status) {
	t.mu.Lock()
	t.snap.Link = ls
	t.mu.Unlock()
}

// SetControl records the operating mode and control counts.
// Called from the publish loop on every tick.
func (t *Tracker) SetControl(mode state.Mode, counts logic.Counts) {
	t.mu.Lock()
	t.snap.Mode = mode
	t.snap.Counts = counts
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
