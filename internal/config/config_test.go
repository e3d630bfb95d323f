package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/carefarm/internal/state"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "carefarm.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Serial.Baud != 9600 || cfg.Serial.HeartbeatTimeout != 15*time.Second {
		t.Errorf("serial defaults: %+v", cfg.Serial)
	}
	if cfg.Control.Kp != 5.0 || cfg.Control.Ki != 0.1 || cfg.Control.Kd != 10.0 {
		t.Errorf("gain defaults: %+v", cfg.Control)
	}
	if cfg.State.TargetTemp != 25 || cfg.State.TargetSoilMoisture != 400 {
		t.Errorf("state defaults: %+v", cfg.State)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeFile(t, `
serial:
  port: /dev/serial0
  codec: json
  heartbeat_timeout: 30s
control:
  kp: 2.5
  integral_limit: 0
  pump_cooldown: 5m
state:
  target_temp: 22.5
  mode: manual
mqtt:
  broker: tcp://10.0.0.2:1883
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Serial.Port != "/dev/serial0" || cfg.Serial.Codec != "json" {
		t.Errorf("serial: %+v", cfg.Serial)
	}
	if cfg.Serial.HeartbeatTimeout != 30*time.Second {
		t.Errorf("HeartbeatTimeout: got %v", cfg.Serial.HeartbeatTimeout)
	}
	if cfg.Serial.Baud != 9600 {
		t.Errorf("unset Baud should keep default, got %d", cfg.Serial.Baud)
	}

	cc := cfg.AutoControl()
	if cc.Gains.Kp != 2.5 || cc.Gains.Ki != 0.1 || cc.Gains.IntegralLimit != 0 {
		t.Errorf("gains: %+v", cc.Gains)
	}
	if cc.PumpCooldown != 5*time.Minute {
		t.Errorf("PumpCooldown: got %v", cc.PumpCooldown)
	}

	d := cfg.StateDefaults()
	if d.Targets.TargetTemp != 22.5 || d.Mode != state.ModeManual {
		t.Errorf("state defaults: %+v", d)
	}
	if lc := cfg.Link(); lc.Port != "/dev/serial0" {
		t.Errorf("link port: %q", lc.Port)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "serial: [", "parse config"},
		{"bad codec", "serial:\n  codec: xml\n", "serial.codec"},
		{"bad baud", "serial:\n  baud: 0\n", "serial.baud"},
		{"bad duty", "control:\n  fan_duty: 300\n", "control.fan_duty"},
		{"cooldown shorter than burst", "control:\n  pump_on: 10s\n  pump_cooldown: 5s\n", "pump_cooldown"},
		{"bad mode", "state:\n  mode: party\n", "state.mode"},
		{"half tls", "mqtt:\n  cert_file: c.pem\n", "key_file"},
		{"bad log format", "log:\n  format: xml\n", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
