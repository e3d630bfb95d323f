package internal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sweeney/carefarm/internal/codec"
	"github.com/sweeney/carefarm/internal/control"
	"github.com/sweeney/carefarm/internal/history"
	"github.com/sweeney/carefarm/internal/link"
	"github.com/sweeney/carefarm/internal/mqtt"
	"github.com/sweeney/carefarm/internal/state"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type rig struct {
	store  *state.Store
	driver *link.FakeDriver
	mgr    *link.Manager
	port   *link.FakePort
}

// startRig wires a store and a link manager over a fake serial device and
// waits until the link is connected.
func startRig(t *testing.T, persister state.Persister, codecName string) *rig {
	t.Helper()
	c, err := codec.New(codecName)
	if err != nil {
		t.Fatal(err)
	}
	store := state.Open(persister, state.DefaultDefaults(), quietLogger())
	driver := link.NewFakeDriver(link.PortInfo{Name: "/dev/ttyACM0", IsUSB: true})

	cfg := link.DefaultConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 0
	cfg.SyncInterval = 0
	mgr := link.NewManager(cfg, driver, c, store, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor(t, "link connected", func() bool { return mgr.Status().State == link.StateConnected })
	return &rig{store: store, driver: driver, mgr: mgr, port: driver.LastPort()}
}

func (r *rig) feed(t *testing.T, line string) {
	t.Helper()
	before := r.store.Snapshot().SensorsAt
	if err := r.port.Feed(line); err != nil {
		t.Fatalf("feed: %v", err)
	}
	waitFor(t, "sensor reading applied", func() bool {
		return !r.store.Snapshot().SensorsAt.Equal(before)
	})
}

// TestIntegrationColdDrySoil follows one reading from the serial line
// through the auto controller and back out to the device.
func TestIntegrationColdDrySoil(t *testing.T) {
	r := startRig(t, nil, "text")
	r.feed(t, "SENSOR:18.0,150,55,300\n")

	snap := r.store.Snapshot()
	if snap.Sensors.Temperature != 18 || snap.Sensors.SoilMoisture != 150 ||
		snap.Sensors.Humidity != 55 || snap.Sensors.Light != 300 {
		t.Fatalf("sensors: got %+v", snap.Sensors)
	}

	now := time.Now()
	ctrl := control.New(control.DefaultConfig(), r.store, r.mgr, quietLogger(), now.Add(-2*time.Second))
	if !ctrl.Step(now) {
		t.Fatal("expected the controller to act")
	}

	got := r.store.Snapshot().Actuators
	if !got.Heater || got.Fan != 0 || got.Pump != 255 {
		t.Errorf("actuators: got %+v, want heater on, fan 0, pump 255", got)
	}
	if !got.GrowLight {
		t.Error("grow light should be left at its default")
	}

	counts := ctrl.Counts()
	if counts.HeatTicks != 1 || counts.PumpBursts != 1 {
		t.Errorf("counts: got %+v", counts)
	}

	written := r.port.Written()
	if len(written) == 0 {
		t.Fatal("expected the new actuator state to be pushed to the device")
	}
	if last := written[len(written)-1]; last != "0,255,1,1,0\n" {
		t.Errorf("last frame: got %q, want %q", last, "0,255,1,1,0\n")
	}

	pub := mqtt.NewFakePublisher()
	if err := pub.PublishState(now, r.store.Snapshot()); err != nil {
		t.Fatal(err)
	}
	var payload mqtt.StatePayload
	if err := json.Unmarshal(pub.StatePayloads[0], &payload); err != nil {
		t.Fatal(err)
	}
	if !payload.Greenhouse.Actuators.Heater || payload.Greenhouse.Sensors.Temperature != 18 {
		t.Errorf("state payload: got %+v", payload.Greenhouse)
	}
}

// TestIntegrationManualOverride checks that switching to MANUAL parks the
// actuators, silences the controller, and lets commands through the link.
func TestIntegrationManualOverride(t *testing.T) {
	r := startRig(t, nil, "json")
	r.feed(t, `{"TYPE":"SENSOR","TEMP":31.5,"SOIL":700,"HUMID":40,"LIGHT":900}`+"\n")

	now := time.Now()
	ctrl := control.New(control.DefaultConfig(), r.store, r.mgr, quietLogger(), now.Add(-2*time.Second))
	ctrl.Step(now)
	if fan := r.store.Snapshot().Actuators.Fan; fan != 200 {
		t.Fatalf("fan: got %d, want 200 when too warm", fan)
	}

	snap := r.store.SetMode(state.ModeManual)
	if snap.Actuators.Fan != 0 || snap.Actuators.Pump != 0 || snap.Actuators.Heater {
		t.Errorf("mode change should park actuators, got %+v", snap.Actuators)
	}
	if ctrl.Step(now.Add(2 * time.Second)) {
		t.Error("controller should be dormant in MANUAL")
	}

	if err := r.mgr.SendCommand(state.DeviceFan, 120, state.ActorExternal); err != nil {
		t.Fatalf("send command: %v", err)
	}
	if fan := r.store.Snapshot().Actuators.Fan; fan != 120 {
		t.Errorf("fan: got %d, want 120", fan)
	}
	written := r.port.Written()
	if len(written) == 0 {
		t.Fatal("expected a command frame")
	}
	var frame map[string]any
	if err := json.Unmarshal([]byte(written[len(written)-1]), &frame); err != nil {
		t.Fatalf("command frame %q: %v", written[len(written)-1], err)
	}
	if frame["DEVICE"] != "FAN" || frame["VALUE"] != float64(120) {
		t.Errorf("command frame: got %v", frame)
	}
}

// TestIntegrationPersistAndRecord restarts the store from disk and logs a
// reading to the history database.
func TestIntegrationPersistAndRecord(t *testing.T) {
	dir := t.TempDir()
	persister := state.NewFilePersister(filepath.Join(dir, "state.json"))

	r := startRig(t, persister, "text")
	target := 21.5
	r.store.ApplyUpdate(state.Update{Targets: &state.TargetPatch{TargetTemp: &target}}, state.ActorExternal)
	r.store.SetMode(state.ModeManual)
	r.feed(t, "SENSOR:20.0,380,60,120\n")

	reopened := state.Open(persister, state.DefaultDefaults(), quietLogger())
	snap := reopened.Snapshot()
	if snap.Mode != state.ModeManual || snap.Targets.TargetTemp != 21.5 {
		t.Errorf("reopened state: mode %q target %v", snap.Mode, snap.Targets.TargetTemp)
	}
	if !snap.SensorsAt.IsZero() {
		t.Error("sensor readings should not be persisted")
	}

	rec, err := history.Open(filepath.Join(dir, "history.db"), 100, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Close()

	ctx := context.Background()
	if err := rec.Record(ctx, time.Now(), r.store.Snapshot()); err != nil {
		t.Fatal(err)
	}
	rows, err := rec.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Sensors.SoilMoisture != 380 || rows[0].Mode != state.ModeManual {
		t.Errorf("history rows: got %+v", rows)
	}
}
