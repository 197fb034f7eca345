package service

import (
	"html/template"
	"net/http"

	"github.com/rs/zerolog/hlog"
)

type dashboardData struct {
	Title     string
	RefreshMS int
}

func (s *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := dashboardData{Title: "Signalboard", RefreshMS: 1000}
	if err := dashboardTemplate.Execute(w, data); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("render dashboard")
	}
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem; background: #f7f7f7; color: #222; }
h1 { margin-bottom: 1rem; }
.controls { display: flex; flex-wrap: wrap; gap: 0.5rem; align-items: center; margin-bottom: 1rem; }
.controls button { padding: 0.5rem 1rem; border: none; border-radius: 4px; background: #1976d2; color: #fff; cursor: pointer; }
.controls button.stop { background: #c62828; }
.controls button.refresh { background: #2e7d32; }
.controls label { display: flex; align-items: center; gap: 0.5rem; }
.status-indicator { margin-left: auto; font-weight: 600; color: #1976d2; }
.status-indicator.paused, .status-indicator.idle { color: #c62828; }
.overview { display: flex; gap: 1.5rem; margin-bottom: 1rem; font-size: 0.95rem; }
.grid { display: grid; grid-template-columns: repeat(auto-fill, minmax(160px, 1fr)); gap: 0.75rem; margin-bottom: 1.5rem; }
.card { background: #fff; border-radius: 6px; padding: 0.75rem; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
.card .name { font-weight: 600; text-transform: capitalize; }
.lamp { display: inline-block; width: 18px; height: 18px; border-radius: 50%; margin-right: 0.4rem; vertical-align: middle; background: #bdbdbd; }
.lamp.red { background: #c62828; }
.lamp.yellow { background: #f9a825; }
.lamp.green { background: #2e7d32; }
.lamp.black { background: #212121; }
.card.off { opacity: 0.55; }
.error { color: #b71c1c; margin-bottom: 1rem; }
.notes { position: fixed; top: 1rem; right: 1rem; display: flex; flex-direction: column; gap: 0.5rem; max-width: 320px; }
.note { padding: 0.5rem 0.75rem; border-radius: 4px; color: #fff; background: #1976d2; box-shadow: 0 4px 12px rgba(0,0,0,0.2); }
.note.success { background: #2e7d32; }
.note.warning { background: #ef6c00; }
.note.error { background: #c62828; }
table { width: 100%; border-collapse: collapse; background: #fff; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
thead { background: #e0e0e0; }
th, td { padding: 0.5rem; border: 1px solid #ccc; text-align: left; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<div class="controls">
<button id="startBtn">Start</button>
<button id="pauseBtn">Pause</button>
<button id="stopBtn" class="stop">Stop</button>
<button id="refreshBtn" class="refresh">Refresh</button>
<label for="intervalRange">Interval: <span id="intervalValue"></span></label>
<input type="range" id="intervalRange" min="5" max="60" step="5" value="10">
<span id="engineStatus" class="status-indicator"></span>
</div>
<div class="error" id="errorBox" hidden></div>
<div class="overview" id="overview"></div>
<div class="grid" id="signals"></div>
<h2>Heat map</h2>
<table id="heatmap">
<thead><tr><th>Direction</th><th>Score</th><th>Category</th><th>Insight</th></tr></thead>
<tbody></tbody>
</table>
<div class="notes" id="notes"></div>
<script>
const refreshMS = {{.RefreshMS}};
const startBtn = document.getElementById('startBtn');
const pauseBtn = document.getElementById('pauseBtn');
const stopBtn = document.getElementById('stopBtn');
const refreshBtn = document.getElementById('refreshBtn');
const intervalRange = document.getElementById('intervalRange');
const intervalValue = document.getElementById('intervalValue');
const statusBox = document.getElementById('engineStatus');
const errorBox = document.getElementById('errorBox');
const overviewBox = document.getElementById('overview');
const signalsGrid = document.getElementById('signals');
const heatmapBody = document.querySelector('#heatmap tbody');
const notesBox = document.getElementById('notes');

function text(tag, value, cls) {
  const el = document.createElement(tag);
  if (cls) { el.className = cls; }
  el.textContent = value;
  return el;
}

function renderSignals(current) {
  signalsGrid.innerHTML = '';
  Object.keys(current || {}).sort().forEach(function(direction) {
    const sig = current[direction];
    const card = document.createElement('div');
    card.className = 'card' + (sig.status === 'on' ? '' : ' off');
    card.appendChild(text('div', direction, 'name'));
    const row = document.createElement('div');
    row.appendChild(text('span', '', 'lamp ' + sig.signal));
    row.appendChild(text('span', sig.signal + ' / ' + sig.duration + 's'));
    card.appendChild(row);
    card.appendChild(text('div', sig.timestamp || ''));
    signalsGrid.appendChild(card);
  });
}

function renderState(data) {
  statusBox.textContent = data.mode + (data.loading ? ' (loading)' : '');
  statusBox.className = 'status-indicator ' + data.mode;
  const seconds = Math.round(data.interval_ms / 1000);
  intervalValue.textContent = seconds + ' s';
  intervalRange.value = seconds;
  if (data.error) {
    errorBox.hidden = false;
    errorBox.textContent = data.error.message;
  } else {
    errorBox.hidden = true;
  }
  const o = data.overview || {};
  overviewBox.textContent = 'Active: ' + o.active + '  Errors: ' + o.errors + '  Avg duration: ' + o.avg_duration + 's  Directions: ' + o.directions;
  renderSignals(data.current);
  notesBox.innerHTML = '';
  (data.notifications || []).forEach(function(n) {
    notesBox.appendChild(text('div', n.message, 'note ' + n.severity));
  });
}

function renderInsights(report) {
  heatmapBody.innerHTML = '';
  (report.heat_map || []).forEach(function(s) {
    const tr = document.createElement('tr');
    tr.appendChild(text('td', s.direction));
    tr.appendChild(text('td', s.score));
    tr.appendChild(text('td', s.category));
    tr.appendChild(text('td', s.insight));
    heatmapBody.appendChild(tr);
  });
}

function fetchState() {
  fetch('/api/state')
    .then(function(resp) { return resp.json(); })
    .then(renderState)
    .catch(function(err) { console.error('state error', err); });
  fetch('/api/insights')
    .then(function(resp) { return resp.json(); })
    .then(renderInsights)
    .catch(function(err) { console.error('insights error', err); });
}

function postControl(action, payload) {
  const body = Object.assign({ action: action }, payload || {});
  return fetch('/api/control', {
    method: 'POST',
    headers: { 'Content-Type': 'application/json' },
    body: JSON.stringify(body)
  }).then(function(resp) {
    if (!resp.ok) {
      return resp.text().then(function(t) { throw new Error(t || 'request failed'); });
    }
    return resp.json();
  }).then(fetchState).catch(function(err) { console.error('control error', err); });
}

startBtn.addEventListener('click', function() { postControl('start'); });
pauseBtn.addEventListener('click', function() { postControl('pause'); });
stopBtn.addEventListener('click', function() { postControl('stop'); });
refreshBtn.addEventListener('click', function() { postControl('refresh'); });
intervalRange.addEventListener('change', function() {
  postControl('interval', { interval_ms: Number(intervalRange.value) * 1000 });
});

fetchState();
setInterval(fetchState, refreshMS);
</script>
</body>
</html>
`))
