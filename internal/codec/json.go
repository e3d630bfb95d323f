package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sweeney/carefarm/internal/state"
)

// JSON is the JSON-object-per-line framing.
type JSON struct{}

type jsonInbound struct {
	Type  string   `json:"TYPE"`
	Temp  *float64 `json:"TEMP"`
	Humid *float64 `json:"HUMID"`
	Soil  *float64 `json:"SOIL"`
	Light *float64 `json:"LIGHT"`
}

type jsonOutbound struct {
	Device string `json:"DEVICE"`
	Value  any    `json:"VALUE"`
}

// Name implements Codec.
func (JSON) Name() string { return "json" }

// Decode parses one JSON frame. A frame without TYPE is treated as a sensor
// frame when it carries at least one sensor field. Only the fields present
// are returned.
func (JSON) Decode(line string) (Frame, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Frame{}, ErrEmpty
	}

	var in jsonInbound
	if err := json.Unmarshal([]byte(line), &in); err != nil {
		return Frame{}, malformed("%v", err)
	}

	switch strings.ToUpper(in.Type) {
	case "HEARTBEAT":
		return Frame{Kind: KindHeartbeat}, nil
	case "SENSOR", "":
		p := state.SensorPatch{
			Temperature:  in.Temp,
			Humidity:     in.Humid,
			SoilMoisture: in.Soil,
			Light:        in.Light,
		}
		if p.IsEmpty() {
			return Frame{}, malformed("sensor frame without readings")
		}
		for name, v := range map[string]*float64{"TEMP": in.Temp, "HUMID": in.Humid, "SOIL": in.Soil, "LIGHT": in.Light} {
			if v != nil && !finite(*v) {
				return Frame{}, malformed("%s: non-finite value", name)
			}
		}
		return Frame{Kind: KindSensor, Sensors: p}, nil
	}
	return Frame{}, malformed("unknown TYPE %q", in.Type)
}

// Encode writes a single-device or full-state command.
func (JSON) Encode(cmd Command) ([]byte, error) {
	out := jsonOutbound{Device: string(cmd.Device)}
	if cmd.Device == state.DeviceAll {
		all := make(map[string]int, len(state.Devices))
		for _, d := range state.Devices {
			all[string(d)] = cmd.Actuators.Value(d)
		}
		out.Value = all
	} else {
		if err := cmd.Device.Validate(cmd.Value); err != nil {
			return nil, fmt.Errorf("encode command: %w", err)
		}
		out.Value = cmd.Value
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return append(b, '\n'), nil
}
