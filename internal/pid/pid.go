// Package pid implements a discrete PID control law.
// It has no goroutines and never reads the clock: callers pass the sample
// time, which keeps the controller deterministic under test.
package pid

import (
	"math"
	"time"
)

// Gains configures a Controller.
type Gains struct {
	Kp, Ki, Kd float64
	// IntegralLimit bounds |integral| when positive. Zero leaves the
	// integral unclamped.
	IntegralLimit float64
}

// State is a copy of the controller internals.
type State struct {
	Gains
	Setpoint       float64
	Integral       float64
	LastError      float64
	LastSampleTime time.Time
}

// Controller holds the PID state for one controlled variable.
// Not safe for concurrent use.
type Controller struct {
	gains    Gains
	setpoint float64

	integral  float64
	lastError float64
	hasError  bool
	lastTime  time.Time
	hasTime   bool
}

// New returns a controller with no previous sample.
func New(g Gains) *Controller {
	return &Controller{gains: g}
}

// SetSetpoint changes the target value.
func (c *Controller) SetSetpoint(sp float64) {
	c.setpoint = sp
}

// Reset clears the integral and derivative history and records now as the
// previous sample time. The next Update computes P and I terms over the
// elapsed interval but no derivative.
func (c *Controller) Reset(now time.Time) {
	c.integral = 0
	c.lastError = 0
	c.hasError = false
	c.lastTime = now
	c.hasTime = true
}

// Update feeds one measurement and returns the control output.
// The first call with no previous sample, or a call where no time has
// elapsed, returns 0. A NaN or infinite measurement returns 0 and leaves the
// state untouched.
func (c *Controller) Update(measured float64, now time.Time) float64 {
	if math.IsNaN(measured) || math.IsInf(measured, 0) {
		return 0
	}
	err := c.setpoint - measured

	if !c.hasTime {
		c.lastTime = now
		c.hasTime = true
		c.lastError = err
		c.hasError = true
		return 0
	}

	dt := now.Sub(c.lastTime).Seconds()
	if dt <= 0 {
		return 0
	}

	c.integral += err * dt
	if lim := c.gains.IntegralLimit; lim > 0 {
		if c.integral > lim {
			c.integral = lim
		} else if c.integral < -lim {
			c.integral = -lim
		}
	}

	var derivative float64
	if c.hasError {
		derivative = (err - c.lastError) / dt
	}

	c.lastError = err
	c.hasError = true
	c.lastTime = now

	return c.gains.Kp*err + c.gains.Ki*c.integral + c.gains.Kd*derivative
}

// State returns a copy of the controller internals.
func (c *Controller) State() State {
	return State{
		Gains:          c.gains,
		Setpoint:       c.setpoint,
		Integral:       c.integral,
		LastError:      c.lastError,
		LastSampleTime: c.lastTime,
	}
}
