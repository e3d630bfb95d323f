// Package link owns the serial connection to the microcontroller: port
// discovery, the reconnect state machine, the liveness watchdog, and
// command writes.
// The real driver uses go.bug.st/serial.
// The fake driver allows testing without hardware.
package link

import (
	"errors"
	"io"
	"time"

	"github.com/sweeney/carefarm/internal/state"
)

// State is the connection lifecycle state.
type State string

const (
	StateSearching    State = "SEARCHING"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
)

// ErrLinkUnavailable is returned for writes while the link is not CONNECTED.
var ErrLinkUnavailable = errors.New("link unavailable")

// Port is an open serial connection. Close must unblock a pending Read.
type Port interface {
	io.ReadWriteCloser
}

// PortInfo describes an enumerated serial device.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// Driver enumerates and opens serial ports.
type Driver interface {
	// Ports lists the serial devices currently present.
	Ports() ([]PortInfo, error)

	// Open opens the named port at the given baud rate.
	Open(name string, baud int) (Port, error)
}

// StateStore is the part of the shared state the link reads and writes.
type StateStore interface {
	Snapshot() state.Snapshot
	ApplyUpdate(u state.Update, actor state.Actor) state.Snapshot
}

// Config holds the link settings.
type Config struct {
	// Port pins a device path and skips enumeration when set.
	Port string
	// Patterns are substrings matched against device names and product
	// strings during discovery.
	Patterns []string
	// VIDs, when set, restricts discovery to these USB vendor IDs.
	VIDs []string
	Baud int

	ReconnectDelay time.Duration
	// HeartbeatTimeout is how long the link may stay silent before the
	// watchdog reconnects. Zero disables the watchdog.
	HeartbeatTimeout time.Duration
	WatchdogInterval time.Duration
	// SyncInterval is how often the full actuator state is pushed to the
	// device. Zero disables periodic pushes.
	SyncInterval time.Duration
}

// DefaultPatterns covers Linux, macOS and Windows USB serial names.
var DefaultPatterns = []string{"ttyUSB", "ttyACM", "COM", "usbserial", "usbmodem"}

// DefaultConfig returns the stock link settings.
func DefaultConfig() Config {
	return Config{
		Patterns:         DefaultPatterns,
		Baud:             9600,
		ReconnectDelay:   2 * time.Second,
		HeartbeatTimeout: 15 * time.Second,
		WatchdogInterval: time.Second,
		SyncInterval:     2 * time.Second,
	}
}

// Status is a point-in-time view of the link.
type Status struct {
	State         State
	Port          string
	LastHeartbeat time.Time
	LastFrame     time.Time
	HeartbeatSeen bool
	Reconnects    int
}
