package state

import (
	"log/slog"
	"sync"
	"time"
)

// Defaults seeds a fresh store when nothing usable is persisted.
type Defaults struct {
	Targets        TargetSetpoints
	Mode           Mode
	Actuators      ActuatorState
	PlantCondition string
}

// DefaultDefaults returns the stock greenhouse defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		Targets:        TargetSetpoints{TargetTemp: 25.0, TargetSoilMoisture: 400},
		Mode:           ModeAuto,
		Actuators:      ActuatorState{GrowLight: true},
		PlantCondition: "NORMAL",
	}
}

// Store is the single source of truth for farm state. Every Snapshot and
// ApplyUpdate call runs inside one critical section.
type Store struct {
	mu        sync.RWMutex
	snap      Snapshot
	persister Persister
	logger    *slog.Logger
	now       func() time.Time
}

// Open builds a Store from the persisted state, or from defaults when the
// persisted state is missing or unreadable. A nil persister keeps state in
// memory only.
func Open(p Persister, d Defaults, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		persister: p,
		logger:    logger.With("component", "state"),
		now:       time.Now,
		snap: Snapshot{
			Actuators:      d.Actuators,
			Targets:        d.Targets,
			Mode:           d.Mode,
			PlantCondition: d.PlantCondition,
		},
	}
	if p == nil {
		return s
	}

	saved, err := p.Load()
	if err != nil {
		s.logger.Warn("state file unusable, reinitializing with defaults",
			"err_class", "persistence", "error", err)
		s.save()
		return s
	}
	s.snap.Targets = saved.Targets
	s.snap.Mode = saved.Mode
	s.snap.PlantCondition = saved.PlantCondition
	s.logger.Info("state loaded", "mode", saved.Mode,
		"target_temp", saved.Targets.TargetTemp, "target_soil", saved.Targets.TargetSoilMoisture)
	return s
}

// Snapshot returns a consistent copy of the full state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// SetMode switches mode, forcing fan, pump and heater off first.
func (s *Store) SetMode(m Mode) Snapshot {
	return s.ApplyUpdate(Update{Mode: &m}, ActorExternal)
}

// ApplyUpdate merges u into the state on behalf of actor and returns the
// resulting state.
//
// Mode changes force the safe actuator state and drop any actuator fields in
// the same update, so the new mode's writers act on a clean slate. Actuator
// fields from the wrong actor for the current mode are dropped with a
// warning; the remaining fields still apply. Sensor fields are only taken
// from the link.
func (s *Store) ApplyUpdate(u Update, actor Actor) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirty := false
	actuators := u.Actuators

	if u.Mode != nil && *u.Mode != s.snap.Mode {
		switch *u.Mode {
		case ModeAuto, ModeManual:
			prev := s.snap.Mode
			s.snap.Actuators = s.snap.Actuators.Safe()
			s.snap.Mode = *u.Mode
			dirty = true
			s.logger.Info("mode changed", "from", prev, "to", *u.Mode, "actor", actor)
			if actuators != nil && !actuators.IsEmpty() {
				s.logger.Warn("actuator fields dropped on mode change", "err_class", "mode", "actor", actor)
				actuators = nil
			}
		default:
			s.logger.Warn("ignoring invalid mode", "mode", *u.Mode, "actor", actor)
		}
	}

	if u.Targets != nil {
		if u.Targets.TargetTemp != nil {
			s.snap.Targets.TargetTemp = *u.Targets.TargetTemp
			dirty = true
		}
		if u.Targets.TargetSoilMoisture != nil {
			s.snap.Targets.TargetSoilMoisture = *u.Targets.TargetSoilMoisture
			dirty = true
		}
	}

	if u.PlantCondition != nil && *u.PlantCondition != s.snap.PlantCondition {
		s.snap.PlantCondition = *u.PlantCondition
		dirty = true
	}

	if u.Sensors != nil && !u.Sensors.IsEmpty() {
		if actor == ActorLink {
			s.snap.Sensors = u.Sensors.Apply(s.snap.Sensors)
			s.snap.SensorsAt = s.now()
		} else {
			s.logger.Warn("sensor fields dropped, only the link may write sensors", "actor", actor)
		}
	}

	if actuators != nil && !actuators.IsEmpty() {
		if MayWriteActuators(s.snap.Mode, actor) {
			s.snap.Actuators = actuators.Apply(s.snap.Actuators)
		} else {
			s.logger.Warn("actuator write rejected", "err_class", "mode", "actor", actor, "mode", s.snap.Mode)
		}
	}

	if dirty {
		s.save()
	}
	return s.snap
}

// save must be called with mu held.
func (s *Store) save() {
	if s.persister == nil {
		return
	}
	err := s.persister.Save(Persisted{
		Targets:        s.snap.Targets,
		Mode:           s.snap.Mode,
		PlantCondition: s.snap.PlantCondition,
	})
	if err != nil {
		s.logger.Error("state save failed", "err_class", "persistence", "error", err)
	}
}
