package web

import (
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/sweeney/foosball-sensor/internal/status"
)

// page is what the status template renders.
type page struct {
	status.Snapshot
	State  string
	Uptime string
	Live   bool
}

func newPage(snap status.Snapshot, live bool) page {
	state := string(snap.Table.State)
	if state == "" {
		state = "UNKNOWN"
	}
	return page{
		Snapshot: snap,
		State:    state,
		Uptime:   formatUptime(snap.Uptime()),
		Live:     live,
	}
}

var uptimeUnits = []struct {
	suffix string
	d      time.Duration
}{
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
}

// formatUptime renders d as "2d 3h 4m 5s", leaving out leading zero units.
func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	var parts []string
	for _, u := range uptimeUnits {
		n := d / u.d
		d -= n * u.d
		if n > 0 || len(parts) > 0 {
			parts = append(parts, fmt.Sprintf("%d%s", n, u.suffix))
		}
	}
	parts = append(parts, fmt.Sprintf("%ds", d/time.Second))
	return strings.Join(parts, " ")
}

func clockTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("15:04:05")
}

var statusPage = template.Must(template.New("status").
	Funcs(template.FuncMap{"clock": clockTime, "lower": strings.ToLower}).
	Parse(statusHTML))

const statusHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Foosball Table</title>
<style>
body { background: #0f2a1a; color: #e8efe9; font: 15px/1.4 system-ui, sans-serif; max-width: 640px; margin: 1.5em auto; padding: 0 1em; }
h1 { font-size: 1.3em; letter-spacing: .04em; }
h2 { font-size: 1em; text-transform: uppercase; color: #9fc3a9; margin-top: 1.6em; }
dl { display: grid; grid-template-columns: 45% 55%; margin: 0; }
dt, dd { margin: 0; padding: 3px 0; border-bottom: 1px solid #24432f; }
dt { color: #9fc3a9; }
.badge { padding: 1px 8px; border-radius: 3px; font-weight: 600; }
.occupied { background: #f3c033; color: #1b1b1b; }
.vacant { background: #2f5a3d; }
.unknown { background: #7a4b12; }
.down { color: #fff; background: #c0392b; }
.up { color: #1b1b1b; background: #6fcf97; }
#live { font-size: .7em; margin-left: .6em; color: #9fc3a9; }
a { color: #9fc3a9; }
</style>
</head>
<body>
<h1>Foosball Table{{if .Live}}<span id="live">connecting</span>{{end}}</h1>

<h2>Table</h2>
<dl>
<dt>State</dt><dd><span id="state" class="badge {{lower .State}}">{{.State}}</span>{{with .Table.Forced}} forced {{.}}{{end}}</dd>
<dt>Moves</dt><dd id="moves">{{.Table.MoveCount}}</dd>
<dt>Since</dt><dd id="since">{{clock .Table.LastChange}}</dd>
<dt>Last activity</dt><dd>{{clock .Table.LastActivity}}</dd>
</dl>

<h2>Buttons</h2>
<dl>
{{range .Buttons}}<dt>{{.Name}} (GPIO{{.Pin}})</dt><dd id="btn-{{.Name}}">{{if not .Active}}off{{else if .Pressed}}<span class="badge down">held</span>{{else}}{{or .LastClick "-"}}{{end}}</dd>
{{else}}<dt>none</dt><dd></dd>
{{end}}</dl>

<h2>Links</h2>
<dl>
<dt>MQTT</dt><dd><span class="badge {{if .MQTTConnected}}up{{else}}down{{end}}">{{.Config.Broker}}</span></dd>
{{with .Network}}<dt>Network</dt><dd>{{.Status}} via {{.Type}}{{with .SSID}} ({{.}}){{end}}, {{.IP}}</dd>
{{end}}</dl>

<h2>Since start</h2>
<dl>
<dt>Games</dt><dd>{{.Counts.Occupied}} started, {{.Counts.Vacant}} finished</dd>
<dt>Buttons</dt><dd>{{.Counts.Presses}} presses, {{.Counts.Repeats}} repeats, {{.Counts.Releases}} releases</dd>
<dt>Uptime</dt><dd>{{.Uptime}} (from {{.StartTime.UTC.Format "2006-01-02 15:04"}} UTC)</dd>
</dl>

<h2>Settings</h2>
<dl>
<dt>Sensor</dt><dd>GPIO{{.Config.SensorPin}}, {{.Config.Threshold}} moves</dd>
<dt>Timing</dt><dd>poll {{.Config.PollMs}}ms, debounce {{.Config.DebounceMs}}ms, vacant after {{.Config.VacancyMs}}ms</dd>
<dt>Heartbeat</dt><dd>{{if .Config.HeartbeatMs}}{{.Config.HeartbeatMs}}ms{{else}}off{{end}}</dd>
<dt>Listening</dt><dd>{{.Config.HTTPPort}}</dd>
</dl>

<p><a href="/index.json">index.json</a></p>
{{if .Live}}
<script>
(function() {
  var $ = function(id) { return document.getElementById(id); };

  function table(state, moves, since) {
    $("state").textContent = state;
    $("state").className = "badge " + state.toLowerCase();
    $("moves").textContent = moves;
    if (since) $("since").textContent = since.substr(11, 8);
  }

  function button(b) {
    var el = $("btn-" + b.name);
    if (!el) return;
    el.innerHTML = b.event === "BUTTON_RELEASE" ? b.click : '<span class="badge down">held</span>';
  }

  function open() {
    var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
    ws.onopen = function() { $("live").textContent = "live"; };
    ws.onclose = function() {
      $("live").textContent = "offline";
      setTimeout(open, 5000);
    };
    ws.onmessage = function(ev) {
      var msg;
      try { msg = JSON.parse(ev.data); } catch (e) { return; }
      if (msg.table) table(msg.table.state, msg.table.moves, msg.table.timestamp);
      else if (msg.button) button(msg.button);
      else if (msg.status) table(msg.status.table.state, msg.status.table.moves, msg.status.table.last_change);
    };
  }
  open();
})();
</script>
{{end}}
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, live bool) error {
	return statusPage.Execute(w, newPage(snap, live))
}
