package api

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sebas/agentline/internal/telephony"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Templates holds the parsed dashboard templates
type Templates struct {
	dashboard *template.Template
	line      *template.Template
}

// DashboardData holds data for rendering templates
type DashboardData struct {
	Title             string
	Uptime            string
	Connection        string
	ConnectionError   string
	Registration      string
	RegistrationCause string
	Registered        bool
	Calls             []CallRow
	Recent            []CallRow
	Events            []EventRow
}

// CallRow is one call for display
type CallRow struct {
	Slot      string
	ID        string
	Direction string
	Remote    string
	State     string
	Muted     bool
	Since     string
}

// EventRow is one journal record for display
type EventRow struct {
	Time    string
	Name    string
	Subject string
	Error   string
}

func NewTemplates() (*Templates, error) {
	dashboard, err := template.New("dashboard.html").ParseFS(templatesFS, "templates/dashboard.html", "templates/line.html")
	if err != nil {
		return nil, err
	}
	line, err := template.New("line.html").ParseFS(templatesFS, "templates/line.html")
	if err != nil {
		return nil, err
	}
	return &Templates{dashboard: dashboard, line: line}, nil
}

// mustTemplates parses the embedded templates; they are fixed at build time.
func mustTemplates() *Templates {
	t, err := NewTemplates()
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Templates) RenderDashboard(w io.Writer, data DashboardData) error {
	return t.dashboard.Execute(w, data)
}

func (t *Templates) RenderLine(w io.Writer, data DashboardData) error {
	return t.line.Execute(w, data)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.RenderDashboard(w, s.buildDashboardData()); err != nil {
		slog.Error("[API] Failed to render dashboard", "error", err)
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
	}
}

func (s *Server) handleLinePartial(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.RenderLine(w, s.buildDashboardData()); err != nil {
		slog.Error("[API] Failed to render line partial", "error", err)
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
	}
}

func (s *Server) buildDashboardData() DashboardData {
	st := s.client.Status()
	now := time.Now()
	data := DashboardData{
		Title:             "Agent Line",
		Uptime:            formatUptime(now.Sub(s.startTime)),
		Connection:        st.Connection.String(),
		ConnectionError:   st.ConnectionError,
		Registration:      st.Registration.State.String(),
		RegistrationCause: st.Registration.Cause,
		Registered:        st.IsRegistered,
	}
	if st.ActiveCall != nil {
		data.Calls = append(data.Calls, liveRow("active", *st.ActiveCall, now))
	}
	if st.PendingCall != nil {
		data.Calls = append(data.Calls, liveRow("pending", *st.PendingCall, now))
	}
	for _, c := range s.client.RecentCalls() {
		row := liveRow("", c, now)
		if c.EndReason != telephony.EndNone {
			row.State = c.EndReason.String()
		}
		row.Since = formatUptime(c.Duration)
		data.Recent = append(data.Recent, row)
	}
	for _, rec := range s.journal.Recent(20) {
		data.Events = append(data.Events, EventRow{
			Time:    rec.Time.Format("15:04:05"),
			Name:    string(rec.Name),
			Subject: rec.Subject,
			Error:   rec.Error,
		})
	}
	return data
}

func liveRow(slot string, c telephony.CallInfo, now time.Time) CallRow {
	since := c.CreatedAt
	if !c.AnsweredAt.IsZero() {
		since = c.AnsweredAt
	}
	return CallRow{
		Slot:      slot,
		ID:        c.ID,
		Direction: c.Direction.String(),
		Remote:    c.Remote,
		State:     c.State.String(),
		Muted:     c.Muted,
		Since:     formatUptime(now.Sub(since)),
	}
}

// formatUptime formats a duration for display
func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
