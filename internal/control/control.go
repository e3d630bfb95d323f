// Package control runs the automatic climate loop: a PID temperature signal
// mapped onto heater/fan bands, plus non-blocking pump bursts for soil
// moisture. It only acts while the shared state is in AUTO mode.
package control

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sweeney/carefarm/internal/logic"
	"github.com/sweeney/carefarm/internal/pid"
	"github.com/sweeney/carefarm/internal/state"
)

// Config holds the control loop settings.
type Config struct {
	Interval     time.Duration
	Gains        pid.Gains
	Bands        logic.Bands
	PumpDuty     uint8
	PumpOn       time.Duration
	PumpCooldown time.Duration
	// SensorMaxAge holds the actuators safe when the newest reading is
	// older than this. Zero disables the check.
	SensorMaxAge time.Duration
}

// DefaultConfig returns the stock control settings.
func DefaultConfig() Config {
	return Config{
		Interval:     2 * time.Second,
		Gains:        pid.Gains{Kp: 5.0, Ki: 0.1, Kd: 10.0, IntegralLimit: 50},
		Bands:        logic.DefaultBands(),
		PumpDuty:     255,
		PumpOn:       2 * time.Second,
		PumpCooldown: 30 * time.Second,
		SensorMaxAge: time.Minute,
	}
}

// Store is the part of the shared state the controller uses.
type Store interface {
	Snapshot() state.Snapshot
	ApplyUpdate(u state.Update, actor state.Actor) state.Snapshot
}

// Pusher sends the current actuator state to the hardware.
type Pusher interface {
	Sync() error
}

// Controller is the automatic control loop. Step is not safe for concurrent
// use; Counts may be read from any goroutine.
type Controller struct {
	cfg    Config
	store  Store
	pusher Pusher
	logger *slog.Logger
	now    func() time.Time

	pid    *pid.Controller
	pump   *logic.PumpBurst
	active bool
	held   bool

	mu     sync.Mutex
	counts logic.Counts
}

// New creates a controller whose PID is primed at start, so the first tick
// after start already produces a signal. pusher may be nil.
func New(cfg Config, store Store, pusher Pusher, logger *slog.Logger, start time.Time) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:    cfg,
		store:  store,
		pusher: pusher,
		logger: logger.With("component", "control"),
		now:    time.Now,
		pid:    pid.New(cfg.Gains),
		pump:   logic.NewPumpBurst(cfg.PumpDuty, cfg.PumpOn, cfg.PumpCooldown),
		active: true,
	}
	c.pid.Reset(start)
	return c
}

// Run ticks the loop every Interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	c.logger.Info("auto control started", "interval", c.cfg.Interval)
	return c.run(ctx, ticker.C)
}

func (c *Controller) run(ctx context.Context, tick <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			c.Step(c.now())
		}
	}
}

// Step runs one control iteration and reports whether it wrote actuators.
func (c *Controller) Step(now time.Time) bool {
	snap := c.store.Snapshot()

	if snap.Mode != state.ModeAuto {
		if c.active {
			c.logger.Info("auto control dormant", "mode", snap.Mode)
			c.active = false
		}
		// Keep the PID primed so resuming does not see a stale interval.
		c.pid.Reset(now)
		return false
	}
	if !c.active {
		c.logger.Info("auto control active")
		c.active = true
	}

	if c.stale(snap, now) {
		return c.holdSafe(snap, now)
	}
	if c.held {
		c.logger.Info("sensor readings fresh again, resuming control")
		c.held = false
	}

	c.pid.SetSetpoint(snap.Targets.TargetTemp)
	output := c.pid.Update(snap.Sensors.Temperature, now)
	intent := logic.Classify(output, c.cfg.Bands)

	bursts := c.pump.Bursts()
	pump := c.pump.Next(snap.Actuators.Pump > 0, snap.Sensors.SoilMoisture, snap.Targets.TargetSoilMoisture, now)

	patch := state.ActuatorPatch{Fan: &intent.Fan, Heater: &intent.Heater, Pump: &pump}
	after := c.store.ApplyUpdate(state.Update{Actuators: &patch}, state.ActorAuto)

	c.mu.Lock()
	switch {
	case intent.Heater:
		c.counts.HeatTicks++
	case intent.Fan > 0:
		c.counts.CoolTicks++
	}
	c.counts.PumpBursts = c.pump.Bursts()
	c.mu.Unlock()

	if c.pump.Bursts() > bursts {
		c.logger.Info("pump burst", "soil", snap.Sensors.SoilMoisture,
			"target", snap.Targets.TargetSoilMoisture, "duration", c.cfg.PumpOn)
	}
	c.logger.Debug("control tick", "temp", snap.Sensors.Temperature, "target", snap.Targets.TargetTemp,
		"output", output, "heater", intent.Heater, "fan", intent.Fan, "pump", pump)

	c.push(snap.Actuators, after.Actuators)
	return true
}

func (c *Controller) stale(snap state.Snapshot, now time.Time) bool {
	if snap.SensorsAt.IsZero() {
		return true
	}
	if !finite(snap.Sensors.Temperature) || !finite(snap.Sensors.SoilMoisture) {
		return true
	}
	return c.cfg.SensorMaxAge > 0 && now.Sub(snap.SensorsAt) > c.cfg.SensorMaxAge
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// holdSafe keeps fan, pump and heater off while there is no usable reading.
func (c *Controller) holdSafe(snap state.Snapshot, now time.Time) bool {
	if !c.held {
		c.logger.Warn("no usable sensor reading, holding actuators safe", "sensors_at", snap.SensorsAt)
		c.held = true
	}
	c.pid.Reset(now)
	safe := snap.Actuators.Safe()
	if safe == snap.Actuators {
		return false
	}
	patch := state.ActuatorPatch{Fan: &safe.Fan, Pump: &safe.Pump, Heater: &safe.Heater}
	after := c.store.ApplyUpdate(state.Update{Actuators: &patch}, state.ActorAuto)
	c.push(snap.Actuators, after.Actuators)
	return true
}

func (c *Controller) push(before, after state.ActuatorState) {
	if c.pusher == nil || before == after {
		return
	}
	if err := c.pusher.Sync(); err != nil {
		c.logger.Debug("actuator push failed", "error", err)
	}
}

// Counts returns the control actions taken so far.
func (c *Controller) Counts() logic.Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts
}
