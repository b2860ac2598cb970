package web

import (
	"bytes"
	"fmt"
	"html/template"
	"log"
	"net/http"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 1em 2em; }
table { border-collapse: collapse; }
th, td { padding: 2px 12px; text-align: right; }
tr:nth-child(even) { background: #eee; }
.flash { color: #a00; }
</style>
</head>
<body>
<h2>{{.Title}}</h2>
<p>run {{.Run}}: epoch <span id="epoch">{{.Epoch}}</span> of {{.Epochs}}
{{- if .Running}} - batch {{.Batch}} of {{.Batches}}{{else if .Stopped}} - stopped: {{.Stopped}}{{end}}</p>
{{range .Flashes}}<p class="flash">{{.}}</p>
{{end}}
{{- if .Running}}<form method="post" action="/train/stop"><button type="submit">stop</button></form>
{{end}}
<div>
<img src="/plot/loss.svg?epoch={{.Epoch}}">
<img src="/plot/error.svg?epoch={{.Epoch}}">
</div>
<table>
<tr><th>epoch</th>{{range .Headers}}<th>{{.}}</th>{{end}}</tr>
{{range .Rows}}<tr><td>{{.Epoch}}</td>{{range .Format}}<td>{{.}}</td>{{end}}</tr>
{{end}}</table>
{{if .RunTime}}<p>run time: {{.RunTime}}</p>{{end}}
{{range .Weights}}<h4>{{.Desc}}</h4>
<img src="/weights/{{.Layer}}.png?epoch={{$.Epoch}}" style="image-rendering: pixelated; width: 100%;">
{{end}}
<script>
var ws = new WebSocket((location.protocol == "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = function() { location.reload(); };
</script>
</body>
</html>
`))

// render the template to a buffer first so errors can be reported
func execTemplate(w http.ResponseWriter, t *template.Template, data interface{}) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		logError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func logError(w http.ResponseWriter, err error) {
	log.Println(err)
	http.Error(w, fmt.Sprint(err), http.StatusInternalServerError)
}
