package state

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memPersister records saves for assertions.
type memPersister struct {
	loaded  Persisted
	loadErr error
	saves   []Persisted
	saveErr error
}

func (m *memPersister) Load() (Persisted, error) { return m.loaded, m.loadErr }

func (m *memPersister) Save(p Persisted) error {
	m.saves = append(m.saves, p)
	return m.saveErr
}

func u8(v uint8) *uint8       { return &v }
func bl(v bool) *bool         { return &v }
func f64(v float64) *float64  { return &v }
func modePtr(m Mode) *Mode    { return &m }
func strPtr(s string) *string { return &s }

func newStore(t *testing.T, mode Mode) *Store {
	t.Helper()
	d := DefaultDefaults()
	d.Mode = mode
	return Open(nil, d, quietLogger())
}

func TestExternalActuatorWriteDroppedInAuto(t *testing.T) {
	s := newStore(t, ModeAuto)
	s.ApplyUpdate(Update{Actuators: &ActuatorPatch{Fan: u8(120), Heater: bl(true)}}, ActorAuto)
	before := s.Snapshot().Actuators

	patches := []ActuatorPatch{
		{Fan: u8(255)},
		{Pump: u8(10), Heater: bl(false)},
		{GrowLight: bl(false), WhiteLED: bl(true)},
	}
	for _, p := range patches {
		p := p
		got := s.ApplyUpdate(Update{Actuators: &p}, ActorExternal)
		if got.Actuators != before {
			t.Errorf("external patch %+v changed actuators: got %+v, want %+v", p, got.Actuators, before)
		}
	}
}

func TestRejectedActuatorsStillApplyOtherFields(t *testing.T) {
	s := newStore(t, ModeAuto)
	got := s.ApplyUpdate(Update{
		Actuators: &ActuatorPatch{Fan: u8(99)},
		Targets:   &TargetPatch{TargetTemp: f64(21.5)},
	}, ActorExternal)

	if got.Actuators.Fan != 0 {
		t.Errorf("Fan: got %d, want 0", got.Actuators.Fan)
	}
	if got.Targets.TargetTemp != 21.5 {
		t.Errorf("TargetTemp: got %v, want 21.5", got.Targets.TargetTemp)
	}
}

func TestAutoActuatorWriteDroppedInManual(t *testing.T) {
	s := newStore(t, ModeManual)
	got := s.ApplyUpdate(Update{Actuators: &ActuatorPatch{Heater: bl(true)}}, ActorAuto)
	if got.Actuators.Heater {
		t.Error("auto controller must not write actuators in MANUAL")
	}
}

func TestExternalActuatorWriteAcceptedInManual(t *testing.T) {
	s := newStore(t, ModeManual)
	got := s.ApplyUpdate(Update{Actuators: &ActuatorPatch{Fan: u8(80), WhiteLED: bl(true)}}, ActorExternal)
	if got.Actuators.Fan != 80 || !got.Actuators.WhiteLED {
		t.Errorf("got %+v, want fan=80 white_led=on", got.Actuators)
	}
}

func TestLinkActuatorWriteAlwaysAccepted(t *testing.T) {
	for _, mode := range []Mode{ModeAuto, ModeManual} {
		s := newStore(t, mode)
		got := s.ApplyUpdate(Update{Actuators: &ActuatorPatch{Pump: u8(255)}}, ActorLink)
		if got.Actuators.Pump != 255 {
			t.Errorf("%s: Pump: got %d, want 255", mode, got.Actuators.Pump)
		}
	}
}

func TestModeSwitchForcesSafeActuators(t *testing.T) {
	tests := []struct {
		name  string
		from  Mode
		to    Mode
		actor Actor
	}{
		{"auto to manual", ModeAuto, ModeManual, ActorAuto},
		{"manual to auto", ModeManual, ModeAuto, ActorExternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t, tt.from)
			s.ApplyUpdate(Update{Actuators: &ActuatorPatch{
				Fan: u8(200), Pump: u8(255), Heater: bl(true), WhiteLED: bl(true),
			}}, tt.actor)

			got := s.SetMode(tt.to)
			if got.Mode != tt.to {
				t.Fatalf("Mode: got %s, want %s", got.Mode, tt.to)
			}
			if got.Actuators.Fan != 0 || got.Actuators.Pump != 0 || got.Actuators.Heater {
				t.Errorf("actuators not safe after switch: %+v", got.Actuators)
			}
			if !got.Actuators.WhiteLED || !got.Actuators.GrowLight {
				t.Errorf("lighting should be untouched: %+v", got.Actuators)
			}
		})
	}
}

func TestModeSwitchDropsActuatorsInSameUpdate(t *testing.T) {
	s := newStore(t, ModeAuto)
	got := s.ApplyUpdate(Update{
		Mode:      modePtr(ModeManual),
		Actuators: &ActuatorPatch{Fan: u8(255)},
	}, ActorExternal)

	if got.Mode != ModeManual {
		t.Errorf("Mode: got %s, want MANUAL", got.Mode)
	}
	if got.Actuators.Fan != 0 {
		t.Errorf("Fan: got %d, want 0", got.Actuators.Fan)
	}
}

func TestSameModeKeepsActuators(t *testing.T) {
	s := newStore(t, ModeManual)
	s.ApplyUpdate(Update{Actuators: &ActuatorPatch{Fan: u8(50)}}, ActorExternal)
	got := s.SetMode(ModeManual)
	if got.Actuators.Fan != 50 {
		t.Errorf("Fan: got %d, want 50 (no transition)", got.Actuators.Fan)
	}
}

func TestInvalidModeIgnored(t *testing.T) {
	s := newStore(t, ModeAuto)
	got := s.SetMode(Mode("TURBO"))
	if got.Mode != ModeAuto {
		t.Errorf("Mode: got %s, want AUTO", got.Mode)
	}
}

func TestSensorsOnlyFromLink(t *testing.T) {
	s := newStore(t, ModeAuto)
	r := SensorReading{Temperature: 18, SoilMoisture: 150, Humidity: 55, Light: 300}
	p := FullSensorPatch(r)

	got := s.ApplyUpdate(Update{Sensors: &p}, ActorExternal)
	if got.Sensors != (SensorReading{}) {
		t.Errorf("external sensor write accepted: %+v", got.Sensors)
	}

	got = s.ApplyUpdate(Update{Sensors: &p}, ActorLink)
	if got.Sensors != r {
		t.Errorf("Sensors: got %+v, want %+v", got.Sensors, r)
	}
	if got.SensorsAt.IsZero() {
		t.Error("SensorsAt not set")
	}
}

func TestPartialSensorPatch(t *testing.T) {
	s := newStore(t, ModeAuto)
	full := FullSensorPatch(SensorReading{Temperature: 20, SoilMoisture: 300, Humidity: 40, Light: 100})
	s.ApplyUpdate(Update{Sensors: &full}, ActorLink)

	got := s.ApplyUpdate(Update{Sensors: &SensorPatch{Humidity: f64(70)}}, ActorLink)
	want := SensorReading{Temperature: 20, SoilMoisture: 300, Humidity: 70, Light: 100}
	if got.Sensors != want {
		t.Errorf("Sensors: got %+v, want %+v", got.Sensors, want)
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	s := newStore(t, ModeManual)
	snap := s.Snapshot()
	snap.Actuators.Fan = 200
	snap.Mode = ModeAuto
	if got := s.Snapshot(); got.Actuators.Fan != 0 || got.Mode != ModeManual {
		t.Errorf("mutating a snapshot leaked into the store: %+v", got)
	}
}

func TestConcurrentUpdatesNeverTear(t *testing.T) {
	s := newStore(t, ModeManual)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := uint8(i * 10)
			for j := 0; j < 200; j++ {
				// Fan and pump always move together.
				s.ApplyUpdate(Update{Actuators: &ActuatorPatch{Fan: &v, Pump: &v}}, ActorExternal)
			}
		}(i)
	}
	for j := 0; j < 500; j++ {
		a := s.Snapshot().Actuators
		if a.Fan != a.Pump {
			t.Fatalf("torn snapshot: fan=%d pump=%d", a.Fan, a.Pump)
		}
	}
	wg.Wait()
}

func TestOpenLoadsPersistedState(t *testing.T) {
	p := &memPersister{loaded: Persisted{
		Targets:        TargetSetpoints{TargetTemp: 22, TargetSoilMoisture: 350},
		Mode:           ModeManual,
		PlantCondition: "DRY",
	}}
	s := Open(p, DefaultDefaults(), quietLogger())
	got := s.Snapshot()
	if got.Targets.TargetTemp != 22 || got.Targets.TargetSoilMoisture != 350 {
		t.Errorf("Targets: got %+v", got.Targets)
	}
	if got.Mode != ModeManual || got.PlantCondition != "DRY" {
		t.Errorf("Mode/Condition: got %s/%s", got.Mode, got.PlantCondition)
	}
	if len(p.saves) != 0 {
		t.Errorf("expected no save on clean load, got %d", len(p.saves))
	}
}

func TestOpenReinitializesOnLoadError(t *testing.T) {
	p := &memPersister{loadErr: errors.New("corrupt")}
	s := Open(p, DefaultDefaults(), quietLogger())

	got := s.Snapshot()
	if got.Targets.TargetTemp != 25 || got.Mode != ModeAuto {
		t.Errorf("expected defaults, got %+v", got)
	}
	if len(p.saves) != 1 {
		t.Fatalf("expected fresh defaults written once, got %d saves", len(p.saves))
	}
	if p.saves[0].Targets.TargetSoilMoisture != 400 {
		t.Errorf("saved defaults: got %+v", p.saves[0])
	}
}

func TestUpdatesPersistDurableFieldsOnly(t *testing.T) {
	p := &memPersister{loadErr: errors.New("missing")}
	s := Open(p, DefaultDefaults(), quietLogger())
	p.saves = nil

	sensors := FullSensorPatch(SensorReading{Temperature: 19})
	s.ApplyUpdate(Update{Sensors: &sensors}, ActorLink)
	s.ApplyUpdate(Update{Actuators: &ActuatorPatch{Fan: u8(1)}}, ActorAuto)
	if len(p.saves) != 0 {
		t.Fatalf("sensor/actuator updates should not persist, got %d saves", len(p.saves))
	}

	s.ApplyUpdate(Update{Targets: &TargetPatch{TargetSoilMoisture: f64(500)}}, ActorExternal)
	s.ApplyUpdate(Update{PlantCondition: strPtr("WILTING")}, ActorExternal)
	if len(p.saves) != 2 {
		t.Fatalf("expected 2 saves, got %d", len(p.saves))
	}
	last := p.saves[1]
	if last.Targets.TargetSoilMoisture != 500 || last.PlantCondition != "WILTING" {
		t.Errorf("last save: got %+v", last)
	}
}

func TestSaveErrorDoesNotBlockUpdate(t *testing.T) {
	p := &memPersister{loaded: Persisted{Mode: ModeAuto}, saveErr: errors.New("disk full")}
	s := Open(p, DefaultDefaults(), quietLogger())
	got := s.ApplyUpdate(Update{Targets: &TargetPatch{TargetTemp: f64(30)}}, ActorExternal)
	if got.Targets.TargetTemp != 30 {
		t.Errorf("TargetTemp: got %v, want 30", got.Targets.TargetTemp)
	}
}

func TestFilePersisterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "state.json")
	fp := NewFilePersister(path)

	s := Open(fp, DefaultDefaults(), quietLogger())
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default state file not written: %v", err)
	}
	s.ApplyUpdate(Update{
		Targets: &TargetPatch{TargetTemp: f64(23.5)},
		Mode:    modePtr(ModeManual),
	}, ActorExternal)

	reopened := Open(fp, DefaultDefaults(), quietLogger()).Snapshot()
	if reopened.Targets.TargetTemp != 23.5 {
		t.Errorf("TargetTemp: got %v, want 23.5", reopened.Targets.TargetTemp)
	}
	if reopened.Mode != ModeManual {
		t.Errorf("Mode: got %s, want MANUAL", reopened.Mode)
	}
}

func TestFilePersisterCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	fp := NewFilePersister(path)
	if _, err := fp.Load(); err == nil {
		t.Fatal("expected decode error")
	}

	s := Open(fp, DefaultDefaults(), quietLogger())
	if s.Snapshot().Targets.TargetTemp != 25 {
		t.Error("expected defaults after corrupt file")
	}
	if _, err := fp.Load(); err != nil {
		t.Errorf("store should have rewritten a valid file: %v", err)
	}
}

func TestFilePersisterRejectsUnknownMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	os.WriteFile(path, []byte(`{"targets":{"target_temp":20},"mode":"SLEEP"}`), 0o644)
	if _, err := NewFilePersister(path).Load(); err == nil {
		t.Error("expected error for unknown mode")
	}
}
