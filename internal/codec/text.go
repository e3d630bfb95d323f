package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sweeney/carefarm/internal/state"
)

const (
	textSensorPrefix    = "SENSOR:"
	textHeartbeatPrefix = "HEARTBEAT"
)

// Text is the delimited text framing.
type Text struct{}

// Name implements Codec.
func (Text) Name() string { return "text" }

// Decode parses SENSOR:<temp>,<soil>,<humid>,<light> or HEARTBEAT:.
func (Text) Decode(line string) (Frame, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Frame{}, ErrEmpty
	}

	if strings.HasPrefix(line, textHeartbeatPrefix) {
		rest := strings.TrimPrefix(line, textHeartbeatPrefix)
		if rest == "" || strings.HasPrefix(rest, ":") {
			return Frame{Kind: KindHeartbeat}, nil
		}
	}

	if !strings.HasPrefix(line, textSensorPrefix) {
		return Frame{}, malformed("unknown prefix in %q", line)
	}

	fields := strings.Split(strings.TrimPrefix(line, textSensorPrefix), ",")
	if len(fields) != 4 {
		return Frame{}, malformed("expected 4 sensor fields, got %d", len(fields))
	}

	var vals [4]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return Frame{}, malformed("sensor field %d: %v", i, err)
		}
		if !finite(v) {
			return Frame{}, malformed("sensor field %d: non-finite value %q", i, strings.TrimSpace(f))
		}
		vals[i] = v
	}

	return Frame{
		Kind: KindSensor,
		Sensors: state.FullSensorPatch(state.SensorReading{
			Temperature:  vals[0],
			SoilMoisture: vals[1],
			Humidity:     vals[2],
			Light:        vals[3],
		}),
	}, nil
}

// Encode always writes the full five-field frame.
func (Text) Encode(cmd Command) ([]byte, error) {
	a := cmd.Actuators
	if cmd.Device != state.DeviceAll {
		var err error
		if a, err = a.With(cmd.Device, cmd.Value); err != nil {
			return nil, fmt.Errorf("encode command: %w", err)
		}
	}
	vals := make([]string, len(state.Devices))
	for i, d := range state.Devices {
		vals[i] = strconv.Itoa(a.Value(d))
	}
	return []byte(strings.Join(vals, ",") + "\n"), nil
}
