// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package api

import (
	"html/template"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"httpdns/hostrecord"
	"httpdns/netinfo"
	"httpdns/serverpool"
)

const dashboardPageLimit = 10

type dashboardEndpoint struct {
	IP       string
	Family   string
	Active   bool
	Disabled bool
	Since    string
}

// dashboardData is the struct passed to the dashboard template.
type dashboardData struct {
	SessionID string
	AccountID string
	Region    string
	Stack     string
	Started   string
	Uptime    string

	Ready          bool
	APIUp          bool
	ServiceUp      bool
	ServiceEnabled bool
	Refreshing     bool
	LastRefresh    string

	LookupHit   uint64
	LookupStale uint64
	LookupMiss  uint64
	FetchOK     uint64
	FetchError  uint64
	LocalDNSOK  uint64
	RefreshOK   uint64
	RefreshErr  uint64
	NetChanges  uint64

	CacheCount int
	Limit      int
	Endpoints  []dashboardEndpoint
	Entries    []CacheEntry
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>httpdns</title>
  <style>
    :root {
      --bg: #0d1117;
      --bg-panel: #161b22;
      --bg-hover: #21262d;
      --border: #30363d;
      --text: #e6edf3;
      --text-muted: #8b949e;
      --accent: #58a6ff;
      --success: #3fb950;
      --warning: #d29922;
      --danger: #f85149;
    }
    * { box-sizing: border-box; }
    body {
      font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', 'Noto Sans', Helvetica, Arial, sans-serif;
      background: var(--bg);
      color: var(--text);
      margin: 0;
      padding: 1.5rem;
      line-height: 1.5;
      min-height: 100vh;
    }
    h1 {
      font-size: 1.5rem;
      font-weight: 600;
      margin: 0 0 1.5rem 0;
      color: var(--text);
    }
    .grid {
      display: grid;
      grid-template-columns: repeat(auto-fill, minmax(280px, 1fr));
      gap: 1rem;
    }
    .panel {
      background: var(--bg-panel);
      border: 1px solid var(--border);
      border-radius: 8px;
      padding: 1rem 1.25rem;
      overflow: hidden;
    }
    .panel h2 {
      font-size: 0.875rem;
      font-weight: 600;
      color: var(--text-muted);
      text-transform: uppercase;
      letter-spacing: 0.03em;
      margin: 0 0 0.75rem 0;
      padding-bottom: 0.5rem;
      border-bottom: 1px solid var(--border);
    }
    .panel ul { margin: 0; padding: 0; list-style: none; }
    .panel li {
      display: flex;
      justify-content: space-between;
      align-items: baseline;
      padding: 0.35rem 0;
      border-bottom: 1px solid var(--border);
    }
    .panel li:last-child { border-bottom: none; }
    .panel .key { color: var(--text-muted); }
    .panel .val { font-variant-numeric: tabular-nums; color: var(--text); }
    .panel.wide { grid-column: 1 / -1; }
    .status-dot {
      display: inline-block;
      width: 8px;
      height: 8px;
      border-radius: 50%;
      margin-right: 0.5rem;
    }
    .status-dot.ok { background: var(--success); }
    .status-dot.fail { background: var(--danger); }
    table {
      width: 100%;
      border-collapse: collapse;
      font-size: 0.875rem;
    }
    th, td { padding: 0.5rem 0.75rem; text-align: left; border-bottom: 1px solid var(--border); }
    th { color: var(--text-muted); font-weight: 600; }
    tr:last-child td { border-bottom: none; }
    tr:hover td { background: var(--bg-hover); }
    a { color: var(--accent); text-decoration: none; }
    a:hover { text-decoration: underline; }
    .muted { color: var(--text-muted); font-size: 0.875rem; margin-top: 1rem; }
  </style>
</head>
<body>
  <h1>httpdns {{.AccountID}}</h1>
  <div class="grid">
    <div class="panel">
      <h2>Resolver</h2>
      <ul>
        <li><span class="key">Cache hits</span><span class="val">{{.LookupHit}}</span></li>
        <li><span class="key">Stale hits</span><span class="val">{{.LookupStale}}</span></li>
        <li><span class="key">Misses</span><span class="val">{{.LookupMiss}}</span></li>
        <li><span class="key">Fetches</span><span class="val">{{.FetchOK}}</span></li>
        <li><span class="key">Failed fetches</span><span class="val">{{.FetchError}}</span></li>
        <li><span class="key">Local DNS answers</span><span class="val">{{.LocalDNSOK}}</span></li>
        <li><span class="key">Uptime</span><span class="val">{{.Uptime}}</span></li>
        <li><span class="key">Started</span><span class="val">{{.Started}}</span></li>
      </ul>
    </div>
    <div class="panel">
      <h2>Schedule</h2>
      <ul>
        <li><span class="key">Region</span><span class="val">{{.Region}}</span></li>
        <li><span class="key">Last refresh</span><span class="val">{{.LastRefresh}}</span></li>
        <li><span class="key">Refreshes</span><span class="val">{{.RefreshOK}}</span></li>
        <li><span class="key">Failed refreshes</span><span class="val">{{.RefreshErr}}</span></li>
        <li><span class="key">Network changes</span><span class="val">{{.NetChanges}}</span></li>
        <li><span class="key">IP stack</span><span class="val">{{.Stack}}</span></li>
      </ul>
    </div>
    <div class="panel">
      <h2>Status</h2>
      <ul>
        <li><span class="key"><span class="status-dot {{if .Ready}}ok{{else}}fail{{end}}"></span>Ready</span><span class="val">{{if .Ready}}Yes{{else}}No{{end}}</span></li>
        <li><span class="key"><span class="status-dot {{if .APIUp}}ok{{else}}fail{{end}}"></span>API</span><span class="val">{{if .APIUp}}Up{{else}}Down{{end}}</span></li>
        <li><span class="key"><span class="status-dot {{if .ServiceEnabled}}ok{{else}}fail{{end}}"></span>Service</span><span class="val">{{if .ServiceEnabled}}Enabled{{else}}Disabled{{end}}</span></li>
        <li><span class="key">Refreshing</span><span class="val">{{if .Refreshing}}Yes{{else}}No{{end}}</span></li>
        <li><span class="key">Session</span><span class="val">{{.SessionID}}</span></li>
        <li><span class="key">Cache entries</span><span class="val">{{.CacheCount}}</span></li>
      </ul>
    </div>
    <div class="panel wide">
      <h2>Resolvers</h2>
      <table>
        <thead><tr><th>IP</th><th>Family</th><th>State</th><th>Disabled since</th></tr></thead>
        <tbody>
          {{range .Endpoints}}<tr><td>{{.IP}}</td><td>{{.Family}}</td><td><span class="status-dot {{if .Disabled}}fail{{else}}ok{{end}}"></span>{{if .Active}}active{{else if .Disabled}}cooling down{{else}}standby{{end}}</td><td>{{.Since}}</td></tr>{{end}}
        </tbody>
      </table>
    </div>
    {{if .Entries}}
    <div class="panel wide">
      <h2>Cache</h2>
      <p class="muted">
        {{if le .Limit 10}}<a href="/?full=100">Show more</a> (up to 100){{else}}<a href="/">Show first 10</a>{{end}}
      </p>
      <table>
        <thead><tr><th>Key</th><th>IPv4</th><th>IPv6</th><th>TTL</th><th>Expired</th></tr></thead>
        <tbody>
          {{range .Entries}}<tr><td>{{.Key}}</td><td>{{range .IPs}}{{.}} {{end}}</td><td>{{range .IPv6s}}{{.}} {{end}}</td><td>{{.V4TTL}}/{{.V6TTL}}</td><td>{{if or .V4Expired .V6Expired}}yes{{else}}no{{end}}</td></tr>{{end}}
        </tbody>
      </table>
    </div>
    {{end}}
  </div>
  <p class="muted">Read-only dashboard · Servers: <a href="/servers">/servers</a> · Cache: <a href="/cache">/cache</a> · Prometheus: <a href="/metrics">/metrics</a></p>
</body>
</html>
`))

// dashboardHandler serves a dark-themed read-only view of the resolver.
func (s *Server) dashboardHandler(c *gin.Context) {
	now := time.Now()
	pool := s.svc.Pool()
	status := pool.Status()
	counts := s.svc.Telemetry().Counts()

	data := dashboardData{
		SessionID:      s.svc.SessionID(),
		AccountID:      s.svc.Config().AccountID,
		Region:         status.Region,
		Stack:          netinfo.StackName(s.svc.Detector().Stack()),
		Started:        "—",
		Uptime:         "—",
		APIUp:          s.state.APIRunning(),
		ServiceUp:      s.state.ServiceStatus(),
		ServiceEnabled: status.ServiceEnabled,
		Refreshing:     pool.Refreshing(),
		LastRefresh:    "never",
		LookupHit:      counts["lookup_hit"],
		LookupStale:    counts["lookup_stale"],
		LookupMiss:     counts["lookup_miss"],
		FetchOK:        counts["fetch_ok"],
		FetchError:     counts["fetch_error"],
		LocalDNSOK:     counts["local_dns_ok"],
		RefreshOK:      counts["refresh_ok"],
		RefreshErr:     counts["refresh_error"],
		NetChanges:     counts["network_changes"],
		CacheCount:     s.svc.Cache().Len(),
	}
	data.Ready = data.APIUp && data.ServiceUp && s.svc.Started()
	if started := s.svc.StartedAt(); !started.IsZero() {
		data.Started = started.Format(time.RFC3339)
		data.Uptime = roundDuration(now.Sub(started))
	}
	if !status.LastRefresh.IsZero() {
		data.LastRefresh = status.LastRefresh.Format(time.RFC3339)
	}
	data.Endpoints = append(endpointsForDashboard(status.V4, status.ActiveV4), endpointsForDashboard(status.V6, status.ActiveV6)...)

	limit := dashboardPageLimit
	if n := c.Query("full"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	data.Limit = limit
	data.Entries = newestEntries(s.svc.Cache().Snapshot(), now, limit)

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := dashboardTemplate.Execute(c.Writer, data); err != nil {
		s.logError("dashboard render failed", "error", err)
	}
}

func endpointsForDashboard(eps []serverpool.Endpoint, active int) []dashboardEndpoint {
	out := make([]dashboardEndpoint, 0, len(eps))
	for i, ep := range eps {
		row := dashboardEndpoint{
			IP:       ep.IP,
			Family:   ep.Family.String(),
			Active:   i == active,
			Disabled: ep.Disabled,
		}
		if ep.Disabled && !ep.DisabledAt.IsZero() {
			row.Since = ep.DisabledAt.Format(time.RFC3339)
		}
		out = append(out, row)
	}
	return out
}

// newestEntries returns the limit most recently resolved keys.
func newestEntries(records []*hostrecord.HostRecord, now time.Time, limit int) []CacheEntry {
	lastLookup := func(r *hostrecord.HostRecord) int64 {
		return max(r.V4LastLookup, r.V6LastLookup)
	}
	sort.Slice(records, func(i, j int) bool { return lastLookup(records[i]) > lastLookup(records[j]) })
	if len(records) > limit {
		records = records[:limit]
	}
	return CacheEntries(records, now)
}

func roundDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d < time.Hour {
		return d.Round(time.Minute).String()
	}
	if d < 24*time.Hour {
		return d.Round(time.Hour).String()
	}
	days := int(d / (24 * time.Hour))
	rem := d % (24 * time.Hour)
	if rem == 0 {
		return strconv.Itoa(days) + "d"
	}
	return strconv.Itoa(days) + "d " + rem.Round(time.Hour).String()
}
