// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package server

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/cognalia/hearthd/internal/buildinfo"
)

var dashboardTmpl = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"deref": func(f *float64) float64 {
		if f == nil {
			return 0
		}
		return *f
	},
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>hearthd</title>
<style>
body { font-family: monospace; margin: 2em; background: #1e1e1e; color: #d4d4d4; }
h1 { color: #4ec9b0; }
table { border-collapse: collapse; margin-top: 1em; }
td, th { border: 1px solid #444; padding: 0.4em 0.8em; text-align: left; }
.ok { color: #6a9955; }
.degraded { color: #f44747; }
</style>
</head>
<body>
<h1>hearthd {{.Version}}</h1>
<p>State: <span class="{{if .Health.Degraded}}degraded{{else}}ok{{end}}">{{.Health.State}}</span></p>
<table>
<tr><th>RAM</th><td>{{.Health.RAMBytes}} bytes</td></tr>
<tr><th>Trend</th><td>{{printf "%.1f" .Health.TrendBytesSec}} bytes/s</td></tr>
{{if .Health.ETASeconds}}<tr><th>OOM ETA</th><td>{{printf "%.0f" (deref .Health.ETASeconds)}} s</td></tr>{{end}}
<tr><th>Meta phase</th><td>{{.Health.MetaPhase}}</td></tr>
<tr><th>Embedding</th><td>{{if .Health.EmbeddingDegraded}}degraded{{else}}ok{{end}}</td></tr>
<tr><th>Cache</th><td>{{.Health.CacheHits}} hits / {{.Health.CacheMisses}} misses</td></tr>
</table>
<h2>Loaded models</h2>
{{if .Health.Loaded}}
<ul>{{range .Health.Loaded}}<li>{{.}}</li>{{end}}</ul>
{{else}}<p>none</p>{{end}}
</body>
</html>
`))

type dashboardData struct {
	Version string
	Health  healthResponse
}

func (s *Server) renderDashboard(c *gin.Context, resp healthResponse) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	data := dashboardData{Version: buildinfo.Version, Health: resp}
	if err := dashboardTmpl.Execute(c.Writer, data); err != nil {
		log.Errorf("health dashboard render failed: %v", err)
	}
}
