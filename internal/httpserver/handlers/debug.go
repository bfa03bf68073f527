package handlers

import (
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/MrSnakeDoc/wayfinder/internal/discovery"
	"github.com/MrSnakeDoc/wayfinder/internal/domain"
	"github.com/MrSnakeDoc/wayfinder/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wayfinder/internal/logger"
)

// debugSnapshot is the JSON debug payload. Secrets are echoed as
// presence flags only.
type debugSnapshot struct {
	Timestamp   string                      `json:"timestamp"`
	Processes   []discovery.ProcessRecord   `json:"processes"`
	Containers  []discovery.ContainerRecord `json:"containers"`
	Mappings    domain.Mappings             `json:"mappings"`
	Environment map[string]string           `json:"environment"`
}

// debugPage feeds the HTML template: real routes and synthetic
// second-level keys rendered as separate tables.
type debugPage struct {
	Snapshot     debugSnapshot
	Routes       domain.Mappings
	ServiceLinks domain.Mappings
}

// Debug serves the dashboard: JSON by default, HTML when the client asks
// for it. All mutations on the HTML page go through the mapping API.
func Debug(d deps.Deps) http.HandlerFunc {
	page := template.Must(template.New("debug").Parse(debugPageTemplate))

	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := buildSnapshot(d, r)

		if strings.Contains(r.Header.Get("Accept"), "text/html") {
			links := make(domain.Mappings)
			for key, mapping := range snapshot.Mappings {
				if domain.IsSyntheticKey(key) {
					links[key] = mapping
				}
			}
			data := debugPage{
				Snapshot:     snapshot,
				Routes:       d.Store.RealRoutes(),
				ServiceLinks: links,
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			if err := page.Execute(w, data); err != nil {
				d.Logger.Warn("failed to render debug page", logger.Error(err))
			}
			return
		}

		writeJSON(w, d, snapshot)
	}
}

func buildSnapshot(d deps.Deps, r *http.Request) debugSnapshot {
	processes, err := d.Processes.Get(r.Context())
	if err != nil {
		d.Logger.Warn("failed to snapshot processes for debug view", logger.Error(err))
	}

	apiKey := "[not set]"
	if d.APIKeySet {
		apiKey = "[set]"
	}

	return debugSnapshot{
		Timestamp:  d.TimeNow().UTC().Format(time.RFC3339),
		Processes:  processes,
		Containers: d.Containers.Get(r.Context()),
		Mappings:   d.Store.GetAll(),
		Environment: map[string]string{
			"model":      d.Model,
			"cache_file": d.CacheFile,
			"api_key":    apiKey,
		},
	}
}

const debugPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>wayfinder</title>
<style>
body { font-family: ui-monospace, monospace; margin: 2rem auto; max-width: 960px; padding: 0 1rem; background: #111; color: #ddd; }
h1 { font-size: 1.2rem; }
h2 { font-size: 1rem; margin-top: 2rem; border-bottom: 1px solid #333; padding-bottom: .3rem; }
table { border-collapse: collapse; width: 100%; font-size: .85rem; }
th, td { text-align: left; padding: .3rem .6rem; border-bottom: 1px solid #222; }
th { color: #888; font-weight: normal; }
button { background: #222; color: #ddd; border: 1px solid #444; border-radius: 4px; cursor: pointer; padding: .15rem .5rem; }
button:hover { border-color: #888; }
.muted { color: #777; }
</style>
</head>
<body>
<h1>wayfinder <span class="muted">{{.Snapshot.Timestamp}}</span></h1>

<h2>Environment</h2>
<table>
{{range $key, $value := .Snapshot.Environment}}<tr><th>{{$key}}</th><td>{{$value}}</td></tr>
{{end}}</table>

<h2>Processes</h2>
<table>
<tr><th>port</th><th>command</th><th>args</th><th>workdir</th></tr>
{{range .Snapshot.Processes}}<tr><td>{{.Port}}</td><td>{{.Command}}</td><td>{{.Args}}</td><td>{{.Workdir}}</td></tr>
{{else}}<tr><td colspan="4" class="muted">none</td></tr>
{{end}}</table>

<h2>Containers</h2>
<table>
<tr><th>name</th><th>image</th><th>ip</th><th>workdir</th></tr>
{{range .Snapshot.Containers}}<tr><td>{{.Name}}</td><td>{{.Image}}</td><td>{{.IP}}</td><td>{{.Workdir}}</td></tr>
{{else}}<tr><td colspan="4" class="muted">none</td></tr>
{{end}}</table>

<h2>Routes</h2>
<table>
<tr><th>hostname</th><th>kind</th><th>target</th><th>port</th><th>reason</th><th></th></tr>
{{range $host, $m := .Routes}}<tr>
<td>{{$host}}</td><td>{{$m.Kind}}</td><td>{{$m.Target}}</td><td>{{$m.Port}}</td><td>{{$m.Rationale}}</td>
<td><button onclick="del('{{$host}}')">delete</button></td>
</tr>
{{else}}<tr><td colspan="6" class="muted">none</td></tr>
{{end}}</table>

<h2>Service links</h2>
<table>
<tr><th>origin:service</th><th>kind</th><th>target</th><th>port</th><th></th></tr>
{{range $key, $m := .ServiceLinks}}<tr>
<td>{{$key}}</td><td>{{$m.Kind}}</td><td>{{$m.Target}}</td><td>{{$m.Port}}</td>
<td><button onclick="del('{{$key}}')">delete</button></td>
</tr>
{{else}}<tr><td colspan="5" class="muted">none</td></tr>
{{end}}</table>

<script>
async function del(host) {
  if (!confirm('Delete mapping for ' + host + '?')) return;
  await fetch('/_api/mappings/' + encodeURIComponent(host), {method: 'DELETE'});
  location.reload();
}
</script>
</body>
</html>
`
