// Package codec converts between serial lines and link frames.
//
// Two framings are supported, selected per deployment:
//
//	text:  SENSOR:<temp>,<soil>,<humid>,<light>   HEARTBEAT:
//	       <fan>,<pump>,<heater>,<growLight>,<whiteLed>        (outbound)
//	json:  {"TYPE":"SENSOR","TEMP":f,"HUMID":f,"SOIL":f,"LIGHT":f}   {"TYPE":"HEARTBEAT"}
//	       {"DEVICE":<name|"ALL">,"VALUE":<int|object>}        (outbound)
package codec

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sweeney/carefarm/internal/state"
)

var (
	// ErrEmpty is returned for blank lines. Callers skip these silently.
	ErrEmpty = errors.New("empty frame")
	// ErrMalformed wraps every decode failure.
	ErrMalformed = errors.New("malformed frame")
)

// Kind identifies an inbound frame.
type Kind int

const (
	KindSensor Kind = iota + 1
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindSensor:
		return "SENSOR"
	case KindHeartbeat:
		return "HEARTBEAT"
	}
	return "UNKNOWN"
}

// Frame is one decoded inbound line.
type Frame struct {
	Kind    Kind
	Sensors state.SensorPatch
}

// Command is one outbound actuator assignment. Actuators holds the complete
// state after the assignment so framings that always send every field can
// do so. Device is state.DeviceAll for a full refresh.
type Command struct {
	Device    state.Device
	Value     int
	Actuators state.ActuatorState
}

// Codec encodes commands and decodes frames for one wire framing.
type Codec interface {
	Name() string
	Decode(line string) (Frame, error)
	Encode(cmd Command) ([]byte, error)
}

// New returns the codec registered under name ("text" or "json").
func New(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "text", "csv":
		return Text{}, nil
	case "json":
		return JSON{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

// finite rejects the nan and inf readings a failed sensor read prints.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
