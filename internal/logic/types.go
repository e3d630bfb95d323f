// Package logic contains the pure control law for the greenhouse.
// This package has NO external dependencies (no serial, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// Bands maps a signed PID output onto the three temperature actions.
type Bands struct {
	// HeatAbove turns the heater on when output > HeatAbove.
	HeatAbove float64
	// CoolBelow runs the fan when output < CoolBelow.
	CoolBelow float64
	// FanDuty is the fixed fan duty used for cooling.
	FanDuty uint8
}

// DefaultBands returns the stock ±2 thresholds with a 200 fan duty.
func DefaultBands() Bands {
	return Bands{HeatAbove: 2, CoolBelow: -2, FanDuty: 200}
}

// TempIntent is the temperature actuator decision for one tick.
type TempIntent struct {
	Heater bool
	Fan    uint8
}

// Counts tracks control actions since startup.
type Counts struct {
	HeatTicks  int
	CoolTicks  int
	PumpBursts int
}

// HeartbeatData contains data for a periodic status report.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    Counts
}
