// Package config loads the daemon settings from a YAML file layered over
// built-in defaults. Settings are read once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/carefarm/internal/codec"
	"github.com/sweeney/carefarm/internal/control"
	"github.com/sweeney/carefarm/internal/link"
	"github.com/sweeney/carefarm/internal/logic"
	"github.com/sweeney/carefarm/internal/pid"
	"github.com/sweeney/carefarm/internal/state"
)

// Config is the complete daemon configuration.
type Config struct {
	Serial  Serial  `yaml:"serial"`
	Control Control `yaml:"control"`
	State   State   `yaml:"state"`
	HTTP    HTTP    `yaml:"http"`
	MQTT    MQTT    `yaml:"mqtt"`
	History History `yaml:"history"`
	GPIO    GPIO    `yaml:"gpio"`
	Log     Log     `yaml:"log"`
}

// Serial configures the microcontroller link.
type Serial struct {
	Port             string        `yaml:"port"`
	Patterns         []string      `yaml:"patterns"`
	VIDs             []string      `yaml:"vids"`
	Baud             int           `yaml:"baud"`
	Codec            string        `yaml:"codec"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	SyncInterval     time.Duration `yaml:"sync_interval"`
}

// Control configures the automatic control loop.
type Control struct {
	Interval      time.Duration `yaml:"interval"`
	Kp            float64       `yaml:"kp"`
	Ki            float64       `yaml:"ki"`
	Kd            float64       `yaml:"kd"`
	IntegralLimit float64       `yaml:"integral_limit"`
	HeatAbove     float64       `yaml:"heat_above"`
	CoolBelow     float64       `yaml:"cool_below"`
	FanDuty       int           `yaml:"fan_duty"`
	PumpDuty      int           `yaml:"pump_duty"`
	PumpOn        time.Duration `yaml:"pump_on"`
	PumpCooldown  time.Duration `yaml:"pump_cooldown"`
	SensorMaxAge  time.Duration `yaml:"sensor_max_age"`
}

// State configures persistence and the defaults used on first start.
type State struct {
	Path               string  `yaml:"path"`
	TargetTemp         float64 `yaml:"target_temp"`
	TargetSoilMoisture float64 `yaml:"target_soil_moisture"`
	Mode               string  `yaml:"mode"`
}

// HTTP configures the API server. An empty Addr disables it.
type HTTP struct {
	Addr              string        `yaml:"addr"`
	APIKey            string        `yaml:"api_key"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
}

// MQTT configures the broker bridge. An empty Broker disables it.
type MQTT struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	StateTopic     string        `yaml:"state_topic"`
	SystemTopic    string        `yaml:"system_topic"`
	ConditionTopic string        `yaml:"condition_topic"`
	Interval       time.Duration `yaml:"interval"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	BufferSize     int           `yaml:"buffer_size"`
	CAFile         string        `yaml:"ca_file"`
	CertFile       string        `yaml:"cert_file"`
	KeyFile        string        `yaml:"key_file"`
}

// History configures the local sensor log. An empty Path disables it.
type History struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
	Retain   int           `yaml:"retain"`
}

// GPIO configures the link indicator LED. A negative LEDPin disables it.
type GPIO struct {
	Chip   string `yaml:"chip"`
	LEDPin int    `yaml:"led_pin"`
}

// Log configures the logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	lc := link.DefaultConfig()
	cc := control.DefaultConfig()
	sd := state.DefaultDefaults()
	return Config{
		Serial: Serial{
			Patterns:         append([]string(nil), lc.Patterns...),
			Baud:             lc.Baud,
			Codec:            "text",
			ReconnectDelay:   lc.ReconnectDelay,
			HeartbeatTimeout: lc.HeartbeatTimeout,
			WatchdogInterval: lc.WatchdogInterval,
			SyncInterval:     lc.SyncInterval,
		},
		Control: Control{
			Interval:      cc.Interval,
			Kp:            cc.Gains.Kp,
			Ki:            cc.Gains.Ki,
			Kd:            cc.Gains.Kd,
			IntegralLimit: cc.Gains.IntegralLimit,
			HeatAbove:     cc.Bands.HeatAbove,
			CoolBelow:     cc.Bands.CoolBelow,
			FanDuty:       int(cc.Bands.FanDuty),
			PumpDuty:      int(cc.PumpDuty),
			PumpOn:        cc.PumpOn,
			PumpCooldown:  cc.PumpCooldown,
			SensorMaxAge:  cc.SensorMaxAge,
		},
		State: State{
			Path:               "state.json",
			TargetTemp:         sd.Targets.TargetTemp,
			TargetSoilMoisture: sd.Targets.TargetSoilMoisture,
			Mode:               string(sd.Mode),
		},
		HTTP: HTTP{
			Addr:              ":8080",
			BroadcastInterval: 2 * time.Second,
		},
		MQTT: MQTT{
			ClientID:       "carefarm",
			StateTopic:     "carefarm/state",
			SystemTopic:    "carefarm/system",
			ConditionTopic: "smartfarm/analysis/result",
			Interval:       30 * time.Second,
			Heartbeat:      15 * time.Minute,
			BufferSize:     1000,
		},
		History: History{
			Interval: time.Minute,
			Retain:   10080,
		},
		GPIO: GPIO{
			Chip:   "gpiochip0",
			LEDPin: -1,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings for values the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud))
	}
	if _, err := codec.New(c.Serial.Codec); err != nil {
		errs = append(errs, fmt.Errorf("serial.codec: %w", err))
	}
	if c.Serial.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("serial.reconnect_delay must be positive"))
	}
	if c.Serial.HeartbeatTimeout < 0 {
		errs = append(errs, errors.New("serial.heartbeat_timeout must not be negative"))
	}
	if c.Control.Interval <= 0 {
		errs = append(errs, errors.New("control.interval must be positive"))
	}
	if c.Control.HeatAbove < c.Control.CoolBelow {
		errs = append(errs, errors.New("control.heat_above must not be below control.cool_below"))
	}
	if c.Control.FanDuty < 0 || c.Control.FanDuty > 255 {
		errs = append(errs, fmt.Errorf("control.fan_duty must be 0-255, got %d", c.Control.FanDuty))
	}
	if c.Control.PumpDuty < 0 || c.Control.PumpDuty > 255 {
		errs = append(errs, fmt.Errorf("control.pump_duty must be 0-255, got %d", c.Control.PumpDuty))
	}
	if c.Control.PumpOn <= 0 {
		errs = append(errs, errors.New("control.pump_on must be positive"))
	}
	if c.Control.PumpCooldown < c.Control.PumpOn {
		errs = append(errs, errors.New("control.pump_cooldown must be at least control.pump_on"))
	}
	if c.Control.IntegralLimit < 0 {
		errs = append(errs, errors.New("control.integral_limit must not be negative"))
	}
	if _, err := state.ParseMode(c.State.Mode); err != nil {
		errs = append(errs, fmt.Errorf("state.mode: %w", err))
	}
	if c.MQTT.Broker != "" && c.MQTT.Interval <= 0 {
		errs = append(errs, errors.New("mqtt.interval must be positive"))
	}
	if (c.MQTT.CertFile == "") != (c.MQTT.KeyFile == "") {
		errs = append(errs, errors.New("mqtt.cert_file and mqtt.key_file must be set together"))
	}
	if c.History.Path != "" && (c.History.Interval <= 0 || c.History.Retain <= 0) {
		errs = append(errs, errors.New("history.interval and history.retain must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Link returns the link manager settings.
func (c Config) Link() link.Config {
	return link.Config{
		Port:             c.Serial.Port,
		Patterns:         c.Serial.Patterns,
		VIDs:             c.Serial.VIDs,
		Baud:             c.Serial.Baud,
		ReconnectDelay:   c.Serial.ReconnectDelay,
		HeartbeatTimeout: c.Serial.HeartbeatTimeout,
		WatchdogInterval: c.Serial.WatchdogInterval,
		SyncInterval:     c.Serial.SyncInterval,
	}
}

// AutoControl returns the control loop settings.
func (c Config) AutoControl() control.Config {
	return control.Config{
		Interval: c.Control.Interval,
		Gains: pid.Gains{
			Kp:            c.Control.Kp,
			Ki:            c.Control.Ki,
			Kd:            c.Control.Kd,
			IntegralLimit: c.Control.IntegralLimit,
		},
		Bands: logic.Bands{
			HeatAbove: c.Control.HeatAbove,
			CoolBelow: c.Control.CoolBelow,
			FanDuty:   uint8(c.Control.FanDuty),
		},
		PumpDuty:     uint8(c.Control.PumpDuty),
		PumpOn:       c.Control.PumpOn,
		PumpCooldown: c.Control.PumpCooldown,
		SensorMaxAge: c.Control.SensorMaxAge,
	}
}

// StateDefaults returns the defaults for a fresh state store.
func (c Config) StateDefaults() state.Defaults {
	d := state.DefaultDefaults()
	d.Targets = state.TargetSetpoints{
		TargetTemp:         c.State.TargetTemp,
		TargetSoilMoisture: c.State.TargetSoilMoisture,
	}
	if m, err := state.ParseMode(c.State.Mode); err == nil {
		d.Mode = m
	}
	return d
}
