// Package state holds the shared farm state: sensors, actuators, setpoints,
// mode and plant condition. All access goes through Store so that readers
// never observe a half-applied update.
package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode selects which actor owns actuator writes.
type Mode string

const (
	ModeAuto   Mode = "AUTO"
	ModeManual Mode = "MANUAL"
)

// ParseMode accepts AUTO or MANUAL in any case.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeAuto, ModeManual:
		return m, nil
	}
	return "", fmt.Errorf("invalid mode %q", s)
}

// Actor identifies who is submitting an update.
type Actor int

const (
	// ActorExternal is an operator request (HTTP API, MQTT feed).
	ActorExternal Actor = iota
	// ActorAuto is the automatic control loop.
	ActorAuto
	// ActorLink is the serial link manager reporting sensor frames and
	// confirmed actuator sends.
	ActorLink
)

// MayWriteActuators reports whether actor may change actuators in mode.
// The link always may: its writes reflect frames already sent. The control
// loop owns AUTO and operators own MANUAL.
func MayWriteActuators(mode Mode, actor Actor) bool {
	switch actor {
	case ActorLink:
		return true
	case ActorAuto:
		return mode == ModeAuto
	case ActorExternal:
		return mode == ModeManual
	}
	return false
}

func (a Actor) String() string {
	switch a {
	case ActorExternal:
		return "external"
	case ActorAuto:
		return "auto"
	case ActorLink:
		return "link"
	}
	return "unknown"
}

// Device names an actuator on the microcontroller.
type Device string

const (
	DeviceFan       Device = "FAN"
	DevicePump      Device = "PUMP"
	DeviceHeater    Device = "HEATER"
	DeviceGrowLight Device = "GROW_LIGHT"
	DeviceWhiteLED  Device = "WHITE_LED"

	// DeviceAll addresses every actuator at once (full frame).
	DeviceAll Device = "ALL"
)

// Devices lists the actuators in wire order.
var Devices = []Device{DeviceFan, DevicePump, DeviceHeater, DeviceGrowLight, DeviceWhiteLED}

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrInvalidValue  = errors.New("invalid value")
	// ErrModeGated is returned when the current mode does not let the
	// actor write actuators.
	ErrModeGated = errors.New("actuator write not allowed in current mode")
)

// ParseDevice maps a device name to a Device. Older firmware names for the
// heater are accepted as aliases.
func ParseDevice(s string) (Device, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	switch name {
	case "HEAT_PANNEL", "HEAT_PANEL", "THERMAL_PAD":
		return DeviceHeater, nil
	}
	for _, d := range Devices {
		if Device(name) == d {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDevice, s)
}

// Validate checks value against the device range: 0-255 duty for fan and
// pump, 0 or 1 for the switched outputs.
func (d Device) Validate(value int) error {
	switch d {
	case DeviceFan, DevicePump:
		if value < 0 || value > 255 {
			return fmt.Errorf("%w: %s accepts 0-255, got %d", ErrInvalidValue, d, value)
		}
	case DeviceHeater, DeviceGrowLight, DeviceWhiteLED:
		if value != 0 && value != 1 {
			return fmt.Errorf("%w: %s accepts 0 or 1, got %d", ErrInvalidValue, d, value)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDevice, string(d))
	}
	return nil
}

// SensorReading is the latest set of measurements from the microcontroller.
type SensorReading struct {
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
	SoilMoisture float64 `json:"soil_moisture"`
	Light        float64 `json:"light"`
}

// ActuatorState is the commanded output of every actuator.
type ActuatorState struct {
	Fan       uint8 `json:"fan"`
	Pump      uint8 `json:"pump"`
	Heater    bool  `json:"heater"`
	GrowLight bool  `json:"grow_light"`
	WhiteLED  bool  `json:"white_led"`
}

// Value returns the wire value of a single device.
func (a ActuatorState) Value(d Device) int {
	switch d {
	case DeviceFan:
		return int(a.Fan)
	case DevicePump:
		return int(a.Pump)
	case DeviceHeater:
		return boolInt(a.Heater)
	case DeviceGrowLight:
		return boolInt(a.GrowLight)
	case DeviceWhiteLED:
		return boolInt(a.WhiteLED)
	}
	return 0
}

// With returns a copy with one device set to value.
func (a ActuatorState) With(d Device, value int) (ActuatorState, error) {
	if err := d.Validate(value); err != nil {
		return a, err
	}
	return PatchFor(d, value).Apply(a), nil
}

// Safe returns a copy with fan, pump and heater off. Lighting is left alone.
func (a ActuatorState) Safe() ActuatorState {
	a.Fan = 0
	a.Pump = 0
	a.Heater = false
	return a
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// TargetSetpoints are the operator-chosen control targets.
type TargetSetpoints struct {
	TargetTemp         float64 `json:"target_temp"`
	TargetSoilMoisture float64 `json:"target_soil_moisture"`
}

// Snapshot is a point-in-time copy of the farm state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Sensors        SensorReading   `json:"sensors"`
	Actuators      ActuatorState   `json:"actuators"`
	Targets        TargetSetpoints `json:"targets"`
	Mode           Mode            `json:"mode"`
	PlantCondition string          `json:"plant_condition"`
	SensorsAt      time.Time       `json:"sensors_at"`
}

// SensorPatch carries the sensor fields present in one decoded frame.
type SensorPatch struct {
	Temperature  *float64
	Humidity     *float64
	SoilMoisture *float64
	Light        *float64
}

// FullSensorPatch builds a patch that overwrites every field.
func FullSensorPatch(r SensorReading) SensorPatch {
	return SensorPatch{
		Temperature:  &r.Temperature,
		Humidity:     &r.Humidity,
		SoilMoisture: &r.SoilMoisture,
		Light:        &r.Light,
	}
}

// IsEmpty reports whether the patch sets nothing.
func (p SensorPatch) IsEmpty() bool {
	return p.Temperature == nil && p.Humidity == nil && p.SoilMoisture == nil && p.Light == nil
}

// Apply returns r with the patch fields overwritten.
func (p SensorPatch) Apply(r SensorReading) SensorReading {
	if p.Temperature != nil {
		r.Temperature = *p.Temperature
	}
	if p.Humidity != nil {
		r.Humidity = *p.Humidity
	}
	if p.SoilMoisture != nil {
		r.SoilMoisture = *p.SoilMoisture
	}
	if p.Light != nil {
		r.Light = *p.Light
	}
	return r
}

// ActuatorPatch carries the actuator fields an actor wants to change.
type ActuatorPatch struct {
	Fan       *uint8 `json:"fan,omitempty"`
	Pump      *uint8 `json:"pump,omitempty"`
	Heater    *bool  `json:"heater,omitempty"`
	GrowLight *bool  `json:"grow_light,omitempty"`
	WhiteLED  *bool  `json:"white_led,omitempty"`
}

// PatchFor builds a single-device patch. The value must already be valid.
func PatchFor(d Device, value int) ActuatorPatch {
	on := value != 0
	duty := uint8(value)
	switch d {
	case DeviceFan:
		return ActuatorPatch{Fan: &duty}
	case DevicePump:
		return ActuatorPatch{Pump: &duty}
	case DeviceHeater:
		return ActuatorPatch{Heater: &on}
	case DeviceGrowLight:
		return ActuatorPatch{GrowLight: &on}
	case DeviceWhiteLED:
		return ActuatorPatch{WhiteLED: &on}
	}
	return ActuatorPatch{}
}

// FullActuatorPatch builds a patch that overwrites every actuator.
func FullActuatorPatch(a ActuatorState) ActuatorPatch {
	return ActuatorPatch{
		Fan:       &a.Fan,
		Pump:      &a.Pump,
		Heater:    &a.Heater,
		GrowLight: &a.GrowLight,
		WhiteLED:  &a.WhiteLED,
	}
}

// IsEmpty reports whether the patch sets nothing.
func (p ActuatorPatch) IsEmpty() bool {
	return p.Fan == nil && p.Pump == nil && p.Heater == nil && p.GrowLight == nil && p.WhiteLED == nil
}

// Apply returns a with the patch fields overwritten.
func (p ActuatorPatch) Apply(a ActuatorState) ActuatorState {
	if p.Fan != nil {
		a.Fan = *p.Fan
	}
	if p.Pump != nil {
		a.Pump = *p.Pump
	}
	if p.Heater != nil {
		a.Heater = *p.Heater
	}
	if p.GrowLight != nil {
		a.GrowLight = *p.GrowLight
	}
	if p.WhiteLED != nil {
		a.WhiteLED = *p.WhiteLED
	}
	return a
}

// TargetPatch carries setpoint changes.
type TargetPatch struct {
	TargetTemp         *float64 `json:"target_temp,omitempty"`
	TargetSoilMoisture *float64 `json:"target_soil_moisture,omitempty"`
}

// Update is a partial change submitted to Store.ApplyUpdate. Nil fields are
// left untouched.
type Update struct {
	Sensors        *SensorPatch
	Actuators      *ActuatorPatch
	Targets        *TargetPatch
	Mode           *Mode
	PlantCondition *string
}
