package logic

import "time"

// PumpBurst schedules fixed-length irrigation bursts without blocking.
// The pump runs for OnDuration once triggered, and cannot be triggered again
// until Cooldown has passed since the last activation.
type PumpBurst struct {
	Duty       uint8
	OnDuration time.Duration
	Cooldown   time.Duration

	lastOn time.Time
	bursts int
}

// NewPumpBurst creates a scheduler with no prior activation.
func NewPumpBurst(duty uint8, on, cooldown time.Duration) *PumpBurst {
	return &PumpBurst{Duty: duty, OnDuration: on, Cooldown: cooldown}
}

// Next returns the pump duty for this tick. pumpOn is the current pump state
// as seen in the shared state.
func (p *PumpBurst) Next(pumpOn bool, soil, target float64, now time.Time) uint8 {
	if pumpOn {
		if p.lastOn.IsZero() || now.Sub(p.lastOn) >= p.OnDuration {
			return 0
		}
		return p.Duty
	}

	if soil >= target {
		return 0
	}
	if !p.lastOn.IsZero() && now.Sub(p.lastOn) < p.Cooldown {
		return 0
	}
	p.lastOn = now
	p.bursts++
	return p.Duty
}

// LastActivation returns when the pump was last turned on, or zero.
func (p *PumpBurst) LastActivation() time.Time {
	return p.lastOn
}

// Bursts returns the number of activations so far.
func (p *PumpBurst) Bursts() int {
	return p.bursts
}
