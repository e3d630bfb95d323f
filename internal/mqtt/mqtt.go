// Package mqtt bridges the greenhouse state to an MQTT broker with
// abstraction for testing.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sweeney/carefarm/internal/state"
)

// Default topics.
const (
	TopicState     = "carefarm/state"
	TopicSystem    = "carefarm/system"
	TopicCondition = "smartfarm/analysis/result"
)

// ErrNoCondition is returned for analysis results without a status.
var ErrNoCondition = errors.New("no status in analysis result")

// Publisher publishes greenhouse state to the broker.
type Publisher interface {
	// PublishState sends a state snapshot taken at ts.
	// Returns error if publishing fails (should not crash the process).
	PublishState(ts time.Time, snap state.Snapshot) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// StatePayload represents the MQTT message payload for a state snapshot.
type StatePayload struct {
	Greenhouse GreenhousePayload `json:"greenhouse"`
}

// GreenhousePayload contains the snapshot details.
type GreenhousePayload struct {
	Timestamp      string                `json:"timestamp"`
	Mode           string                `json:"mode"`
	Sensors        state.SensorReading   `json:"sensors"`
	SensorsAt      string                `json:"sensors_at,omitempty"`
	Actuators      state.ActuatorState   `json:"actuators"`
	Targets        state.TargetSetpoints `json:"targets"`
	PlantCondition string                `json:"plant_condition"`
}

// FormatStatePayload creates the JSON payload for a state snapshot.
func FormatStatePayload(ts time.Time, snap state.Snapshot) ([]byte, error) {
	p := GreenhousePayload{
		Timestamp:      ts.UTC().Format(time.RFC3339),
		Mode:           string(snap.Mode),
		Sensors:        snap.Sensors,
		Actuators:      snap.Actuators,
		Targets:        snap.Targets,
		PlantCondition: snap.PlantCondition,
	}
	if !snap.SensorsAt.IsZero() {
		p.SensorsAt = snap.SensorsAt.UTC().Format(time.RFC3339)
	}
	return json.Marshal(StatePayload{Greenhouse: p})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// ParseCondition extracts the plant condition from an analysis result
// such as {"status":"WILTING"}.
func ParseCondition(payload []byte) (string, error) {
	var msg struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", fmt.Errorf("decode analysis result: %w", err)
	}
	c := strings.TrimSpace(msg.Status)
	if c == "" {
		return "", ErrNoCondition
	}
	return c, nil
}
