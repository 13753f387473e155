package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/zone-controller/internal/model"
	"github.com/sweeney/zone-controller/internal/status"
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
	"reading": func(r *model.Reading) string {
		if r == nil {
			return "-"
		}
		return fmt.Sprintf("%.2f%s", r.Value, r.Unit)
	},
	"target": func(t *float64) string {
		if t == nil {
			return "-"
		}
		return fmt.Sprintf("%.2f", *t)
	},
	"lower": func(s string) string {
		switch s {
		case "ON":
			return "on"
		case "OFF":
			return "off"
		case "CONSISTENT":
			return "connected"
		case "STALE":
			return "disconnected"
		}
		return "unknown"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Zone Controller</title>
<style>
body { font-family: monospace; max-width: 800px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.error { color: red; }
</style>
</head>
<body>
<h1>Zone Controller: {{.Config.Home}}</h1>
{{range .Zones}}
<h2 id="zone-{{.ID}}">{{if .Name}}{{.Name}}{{else}}{{.ID}}{{end}}</h2>
<p>version {{.Version}}, <span class="{{lower .SyncState}}">{{.SyncState}}</span>{{if not .LastPass.IsZero}}, last {{.Mode}} pass {{.LastPass.UTC.Format "2006-01-02T15:04:05Z"}}{{end}} (<a href="/zones/{{.ID}}">json</a>)</p>
<table>
<tr><th>Device</th><th>Direction</th><th>Current</th><th>Target</th><th>Signal</th><th>Decision</th></tr>
{{range .Devices}}<tr><td>{{.ID}}</td><td>{{.Direction}}</td><td>{{reading .Current}}</td><td>{{target .Target}}</td><td>{{.Signal}}</td><td class="{{lower .Decision}}">{{.Decision}}</td></tr>
{{if .Error}}<tr><td></td><td colspan="5" class="error">{{.Error}}</td></tr>
{{end}}{{end}}</table>
{{else}}
<p>No zones configured.</p>
{{end}}
<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Remote</th><td>{{if .Config.Remote}}{{.Config.Remote}}{{else}}static configuration{{end}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Timezone</th><td>{{if .Config.Timezone}}{{.Config.Timezone}}{{else}}local{{end}}</td></tr>
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Refresh</th><td>{{if eq .Config.RefreshMs 0}}disabled{{else}}{{.Config.RefreshMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
