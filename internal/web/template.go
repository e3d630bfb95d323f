package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/carefarm/internal/state"
	"github.com/sweeney/carefarm/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"onOff": func(b bool) string {
		if b {
			return "ON"
		}
		return "OFF"
	},
	"orUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Carefarm</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Carefarm<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Sensors</h2>
<table>
<tr><th>Temperature</th><td id="temperature">{{printf "%.1f" .Farm.Sensors.Temperature}}</td></tr>
<tr><th>Humidity</th><td id="humidity">{{printf "%.1f" .Farm.Sensors.Humidity}}</td></tr>
<tr><th>Soil moisture</th><td id="soil_moisture">{{printf "%.0f" .Farm.Sensors.SoilMoisture}}</td></tr>
<tr><th>Light</th><td id="light">{{printf "%.0f" .Farm.Sensors.Light}}</td></tr>
</table>

<h2>Actuators</h2>
<table>
<tr><th>Mode</th><td id="mode">{{orUnknown (printf "%s" .Farm.Mode)}}</td></tr>
<tr><th>Fan</th><td id="fan">{{.Farm.Actuators.Fan}}</td></tr>
<tr><th>Pump</th><td id="pump">{{.Farm.Actuators.Pump}}</td></tr>
<tr><th>Heater</th><td id="heater" class="{{if .Farm.Actuators.Heater}}on{{else}}off{{end}}">{{onOff .Farm.Actuators.Heater}}</td></tr>
<tr><th>Grow light</th><td id="grow_light" class="{{if .Farm.Actuators.GrowLight}}on{{else}}off{{end}}">{{onOff .Farm.Actuators.GrowLight}}</td></tr>
<tr><th>White LED</th><td id="white_led" class="{{if .Farm.Actuators.WhiteLED}}on{{else}}off{{end}}">{{onOff .Farm.Actuators.WhiteLED}}</td></tr>
</table>

<h2>Targets</h2>
<table>
<tr><th>Temperature</th><td id="target_temp">{{printf "%.1f" .Farm.Targets.TargetTemp}}</td></tr>
<tr><th>Soil moisture</th><td id="target_soil_moisture">{{printf "%.0f" .Farm.Targets.TargetSoilMoisture}}</td></tr>
<tr><th>Plant condition</th><td id="plant_condition">{{orUnknown .Farm.PlantCondition}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>Link</th><td class="{{if eq (printf "%s" .Status.Link.State) "CONNECTED"}}connected{{else}}disconnected{{end}}">{{orUnknown (printf "%s" .Status.Link.State)}}</td></tr>
<tr><th>Port</th><td>{{if .Status.Link.Port}}{{.Status.Link.Port}}{{else}}-{{end}}</td></tr>
<tr><th>Reconnects</th><td>{{.Status.Link.Reconnects}}</td></tr>
<tr><th>MQTT</th><td class="{{if .Status.MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .Status.MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Status.Config.Broker}}{{.Status.Config.Broker}}{{else}}disabled{{end}}</td></tr>
</table>

<h2>Control Counts</h2>
<table>
<tr><th>Heat ticks</th><td>{{.Status.Counts.HeatTicks}}</td></tr>
<tr><th>Cool ticks</th><td>{{.Status.Counts.CoolTicks}}</td></tr>
<tr><th>Pump bursts</th><td>{{.Status.Counts.PumpBursts}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.Status.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Codec</th><td>{{.Status.Config.Codec}}</td></tr>
<tr><th>Baud</th><td>{{.Status.Config.Baud}}</td></tr>
<tr><th>Control interval</th><td>{{.Status.Config.ControlIntervalMs}}ms</td></tr>
<tr><th>Heartbeat timeout</th><td>{{if eq .Status.Config.HeartbeatTimeoutMs 0}}disabled{{else}}{{.Status.Config.HeartbeatTimeoutMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Status.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> <a href="/api/state">state</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }
  function setText(id, v) {
    var el = document.getElementById(id);
    if (el) el.textContent = v;
  }
  function setSwitch(id, on) {
    var el = document.getElementById(id);
    if (!el) return;
    el.textContent = on ? "ON" : "OFF";
    el.className = on ? "on" : "off";
  }
  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() { setDot("err", "offline"); setTimeout(connect, 5000); };
    ws.onmessage = function(ev) {
      try {
        var s = JSON.parse(ev.data);
        setText("temperature", s.sensors.temperature.toFixed(1));
        setText("humidity", s.sensors.humidity.toFixed(1));
        setText("soil_moisture", s.sensors.soil_moisture.toFixed(0));
        setText("light", s.sensors.light.toFixed(0));
        setText("mode", s.mode);
        setText("fan", s.actuators.fan);
        setText("pump", s.actuators.pump);
        setSwitch("heater", s.actuators.heater);
        setSwitch("grow_light", s.actuators.grow_light);
        setSwitch("white_led", s.actuators.white_led);
        setText("target_temp", s.targets.target_temp.toFixed(1));
        setText("target_soil_moisture", s.targets.target_soil_moisture.toFixed(0));
        setText("plant_condition", s.plant_condition);
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, st status.Snapshot, farm state.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		Status status.Snapshot
		Farm   state.Snapshot
		Uptime time.Duration
	}{
		Status: st,
		Farm:   farm,
		Uptime: st.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
