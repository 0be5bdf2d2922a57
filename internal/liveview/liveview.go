// Package liveview serves a browser preview of the running watch face with
// its controller state and a few host controls.
package liveview

import (
	"context"
	"encoding/json"
	"html/template"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/wearsync/display"
)

// Controller is the part of the display controller exposed to the browser.
type Controller interface {
	Snapshot() display.Snapshot
	SetVisible(bool)
	SetAmbient(bool)
	Tap()
	TimeTick()
}

// Face renders the most recent frame as PNG.
type Face interface {
	WritePNG(w io.Writer) error
}

// Server is the live view HTTP server.
type Server struct {
	logger zerolog.Logger
	ctrl   Controller
	face   Face
	server *http.Server
	ln     net.Listener
}

type liveState struct {
	Mode          liveMode    `json:"mode"`
	Weather       liveWeather `json:"weather"`
	AntiAlias     bool        `json:"anti_alias"`
	LowBitAmbient bool        `json:"low_bit_ambient"`
	TimerArmed    bool        `json:"timer_armed"`
	Subscribed    bool        `json:"subscribed"`
	PendingIcon   string      `json:"pending_icon,omitempty"`
	ResolvedIcon  string      `json:"resolved_icon,omitempty"`
	TimeZone      string      `json:"time_zone,omitempty"`
	Taps          int         `json:"taps"`
}

type liveMode struct {
	Visible   bool `json:"visible"`
	Ambient   bool `json:"ambient"`
	Connected bool `json:"connected"`
}

type liveWeather struct {
	HasData     bool    `json:"has_data"`
	MinTemp     float64 `json:"min_temp"`
	MaxTemp     float64 `json:"max_temp"`
	Description string  `json:"description"`
	HasIcon     bool    `json:"has_icon"`
}

type controlRequest struct {
	Action string `json:"action"`
}

func toLiveState(s display.Snapshot) liveState {
	state := liveState{
		Mode: liveMode{
			Visible:   s.Mode.Visible,
			Ambient:   s.Mode.Ambient,
			Connected: s.Mode.Connected,
		},
		Weather: liveWeather{
			HasData:     s.Weather.HasData,
			MinTemp:     s.Weather.MinTemp,
			MaxTemp:     s.Weather.MaxTemp,
			Description: s.Weather.Description,
			HasIcon:     s.Weather.Icon != nil,
		},
		AntiAlias:     s.AntiAlias,
		LowBitAmbient: s.LowBitAmbient,
		TimerArmed:    s.TimerArmed,
		Subscribed:    s.Subscribed,
		PendingIcon:   s.PendingIcon.ID,
		ResolvedIcon:  s.ResolvedIcon.ID,
		Taps:          s.Taps,
	}
	if s.Location != nil {
		state.TimeZone = s.Location.String()
	}
	return state
}

// New builds a server without starting it.
func New(ctrl Controller, face Face, logger zerolog.Logger) *Server {
	return &Server{logger: logger, ctrl: ctrl, face: face}
}

// Handler returns the HTTP routes of the live view.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/face.png", s.handleFace)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/control", s.handleControl)
	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.server = srv
	s.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("live view server stopped")
		}
	}()

	s.logger.Info().Str("listen", ln.Addr().String()).Msg("live view started")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops the server.
func (s *Server) Close() {
	if s == nil || s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && err != context.Canceled {
		s.logger.Error().Err(err).Msg("shutdown live view")
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := liveViewTemplate.Execute(w, nil); err != nil {
		s.logger.Error().Err(err).Msg("render live view page")
	}
}

func (s *Server) handleFace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.face.WritePNG(w); err != nil {
		s.logger.Error().Err(err).Msg("encode face")
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeState(w)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	switch req.Action {
	case "show":
		s.ctrl.SetVisible(true)
	case "hide":
		s.ctrl.SetVisible(false)
	case "ambient":
		s.ctrl.SetAmbient(true)
	case "interactive":
		s.ctrl.SetAmbient(false)
	case "tap":
		s.ctrl.Tap()
	case "tick":
		s.ctrl.TimeTick()
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	s.writeState(w)
}

func (s *Server) writeState(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toLiveState(s.ctrl.Snapshot())); err != nil {
		s.logger.Error().Err(err).Msg("encode live state")
	}
}

var liveViewTemplate = template.Must(template.New("liveview").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>wearsync Live View</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem; background: #f7f7f7; color: #222; }
h1 { margin-bottom: 1rem; }
.layout { display: flex; gap: 2rem; align-items: flex-start; }
.face { border-radius: 50%; box-shadow: 0 2px 8px rgba(0,0,0,0.3); }
.controls { display: flex; flex-wrap: wrap; gap: 0.5rem; margin-bottom: 1rem; }
button { padding: 0.4rem 0.8rem; }
pre { background: #fff; padding: 1rem; border: 1px solid #ddd; min-width: 20rem; }
</style>
</head>
<body>
<h1>wearsync Live View</h1>
<div class="controls">
  <button data-action="show">Show</button>
  <button data-action="hide">Hide</button>
  <button data-action="ambient">Ambient</button>
  <button data-action="interactive">Interactive</button>
  <button data-action="tap">Tap</button>
  <button data-action="tick">Time tick</button>
</div>
<div class="layout">
  <img id="face" class="face" src="/face.png" alt="watch face">
  <pre id="state">loading...</pre>
</div>
<script>
async function refresh() {
  document.getElementById('face').src = '/face.png?t=' + Date.now();
  const resp = await fetch('/api/state');
  document.getElementById('state').textContent = JSON.stringify(await resp.json(), null, 2);
}
document.querySelectorAll('button[data-action]').forEach(btn => {
  btn.addEventListener('click', async () => {
    await fetch('/api/control', { method: 'POST', body: JSON.stringify({ action: btn.dataset.action }) });
    refresh();
  });
});
setInterval(refresh, 1000);
refresh();
</script>
</body>
</html>
`))
