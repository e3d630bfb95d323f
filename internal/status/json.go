package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string     `json:"event,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Link          LinkJSON   `json:"link"`
	Mode          string     `json:"mode"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	StartTime     string     `json:"start_time"`
	Timestamp     string     `json:"timestamp"`
	MQTT          MQTTStatus `json:"mqtt"`
	Counts        CountsJSON `json:"control_counts"`
	Config        ConfigJSON `json:"config"`
}

// LinkJSON reports the serial link state.
type LinkJSON struct {
	State         string `json:"state"`
	Port          string `json:"port,omitempty"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
	Reconnects    int    `json:"reconnects"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of control counts.
type CountsJSON struct {
	HeatTicks  int `json:"heat_ticks"`
	CoolTicks  int `json:"cool_ticks"`
	PumpBursts int `json:"pump_bursts"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	SerialPort         string `json:"serial_port,omitempty"`
	Codec              string `json:"codec"`
	Baud               int    `json:"baud"`
	ControlIntervalMs  int64  `json:"control_interval_ms"`
	HeartbeatTimeoutMs int64  `json:"heartbeat_timeout_ms"`
	Broker             string `json:"broker"`
	HTTPAddr           string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	ls := string(snap.Link.State)
	if ls == "" {
		ls = "UNKNOWN"
	}
	mode := string(snap.Mode)
	if mode == "" {
		mode = "UNKNOWN"
	}

	inner := StatusInner{
		Link: LinkJSON{
			State:      ls,
			Port:       snap.Link.Port,
			Reconnects: snap.Link.Reconnects,
		},
		Mode:          mode,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			HeatTicks:  snap.Counts.HeatTicks,
			CoolTicks:  snap.Counts.CoolTicks,
			PumpBursts: snap.Counts.PumpBursts,
		},
		Config: ConfigJSON{
			SerialPort:         snap.Config.SerialPort,
			Codec:              snap.Config.Codec,
			Baud:               snap.Config.Baud,
			ControlIntervalMs:  snap.Config.ControlIntervalMs,
			HeartbeatTimeoutMs: snap.Config.HeartbeatTimeoutMs,
			Broker:             snap.Config.Broker,
			HTTPAddr:           snap.Config.HTTPAddr,
		},
	}
	if !snap.Link.LastHeartbeat.IsZero() {
		inner.Link.LastHeartbeat = snap.Link.LastHeartbeat.UTC().Format(time.RFC3339)
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
