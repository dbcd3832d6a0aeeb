package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/flowpbx/flowphone/internal/auth"
)

// statusResponse is the shape returned by GET /v1/status.
type statusResponse struct {
	SIPRegistered bool           `json:"sip_registered"`
	UIConnected   bool           `json:"ui_connected"`
	Identity      *auth.Identity `json:"identity"`
	ActiveCalls   int            `json:"active_calls"`
	Uptime        uptimeResponse `json:"uptime"`
}

type uptimeResponse struct {
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

// handleHealth reports liveness. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports registration, UI connectivity, identity and live
// call count.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		ActiveCalls: len(s.deps.Calls.Live()),
	}
	if s.deps.Registered != nil {
		resp.SIPRegistered = s.deps.Registered()
	}
	if s.deps.UIConnected != nil {
		resp.UIConnected = s.deps.UIConnected()
	}
	if id, ok := s.deps.Auth.Current(); ok {
		resp.Identity = &id
	}

	uptime := time.Since(s.opts.StartTime)
	resp.Uptime = uptimeResponse{
		StartedAt:  s.opts.StartTime.Format(time.RFC3339),
		UptimeSec:  int64(uptime.Seconds()),
		UptimeText: formatUptime(uptime),
	}

	writeJSON(w, http.StatusOK, resp)
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
