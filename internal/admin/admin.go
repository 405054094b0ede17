// Package admin exposes the robot link on the tsweb debug page.
package admin

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"tailscale.com/tsweb"

	"github.com/banshee-data/robotctl/internal/commlog"
	"github.com/banshee-data/robotctl/internal/httputil"
	"github.com/banshee-data/robotctl/internal/metrics"
	"github.com/banshee-data/robotctl/internal/robot"
)

//go:embed templates/*
var templateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(templateFS, "templates/send-command.html.tmpl"))

// Server serves the link routes. Log and Registry are optional.
type Server struct {
	Link     *robot.Link
	Log      *commlog.Log
	Registry *prometheus.Registry
}

// CommandResult is the send-command-api response body.
type CommandResult struct {
	Command  string `json:"command"`
	Payload  string `json:"payload"`
	Response string `json:"response"`
}

type statusResponse struct {
	robot.LinkStatus
	Session string         `json:"session,omitempty"`
	Stats   *commlog.Stats `json:"stats,omitempty"`
}

var historyContentTypes = map[string]string{
	"":     "text/plain; charset=utf-8",
	"txt":  "text/plain; charset=utf-8",
	"json": "application/x-ndjson",
	"csv":  "text/csv; charset=utf-8",
}

// AttachAdminRoutes registers the link routes under /debug/ on mux.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a command to the robot", s.handleSendCommandPage)
	debug.HandleSilentFunc("send-command-api", s.handleSendCommand)
	debug.HandleFunc("history", "communication log (?format=txt|json|csv)", s.handleHistory)
	debug.HandleFunc("link-alive", "ping the robot (?timeout=1s)", s.handleLinkAlive)
	debug.HandleFunc("status", "link status and round-trip stats", s.handleStatus)
	if s.Registry != nil {
		debug.Handle("metrics", "robot link metrics (Prometheus)", metrics.Handler(s.Registry))
	}
}

func (s *Server) handleSendCommandPage(w http.ResponseWriter, r *http.Request) {
	buf := bytes.NewBuffer(nil)
	data := struct {
		Status   robot.LinkStatus
		Commands []robot.CommandInfo
	}{s.Link.Status(), robot.Commands}
	if err := sendCommandTemplate.Execute(buf, data); err != nil {
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.Copy(w, buf)
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	token := strings.TrimSpace(r.FormValue("command"))
	if token == "" {
		httputil.BadRequest(w, "missing command")
		return
	}

	cmd, payload := robot.ParseToken(token)
	if _, ok := robot.LookupCommand(cmd); !ok {
		httputil.BadRequest(w, "unknown command "+cmd)
		return
	}
	if payload == "" {
		payload = robot.DefaultPayload
	}

	resp, err := s.Link.Request(cmd, payload)
	var nack *robot.NackError
	switch {
	case err == nil:
		httputil.WriteJSONOK(w, CommandResult{Command: cmd, Payload: payload, Response: resp})
	case errors.Is(err, robot.ErrNotConnected):
		httputil.ServiceUnavailable(w, err.Error())
	case errors.Is(err, robot.ErrTimeout):
		httputil.GatewayTimeout(w, err.Error())
	case errors.As(err, &nack):
		httputil.WriteJSONError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	format := strings.ToLower(r.URL.Query().Get("format"))
	ct, ok := historyContentTypes[format]
	if !ok {
		httputil.BadRequest(w, "unsupported format "+format)
		return
	}
	text, err := s.Link.History(format)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteText(w, ct, text)
}

func (s *Server) handleLinkAlive(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			httputil.BadRequest(w, "invalid timeout "+v)
			return
		}
		timeout = d
	}
	httputil.WriteJSONOK(w, map[string]bool{"alive": s.Link.IsLinkAlive(timeout)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{LinkStatus: s.Link.Status()}
	if s.Log != nil {
		st := s.Log.Stats()
		resp.Session = s.Log.Session()
		resp.Stats = &st
	}
	httputil.WriteJSONOK(w, resp)
}
