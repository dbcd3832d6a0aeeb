package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/database/models"
	"github.com/flowpbx/flowphone/internal/telephony"
	"github.com/flowpbx/flowphone/internal/uiws"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type dialRequest struct {
	Handle string `json:"handle"`
	Video  bool   `json:"video"`
}

// callLogResponse is the JSON response for a call history entry.
type callLogResponse struct {
	ID           int64   `json:"id"`
	CallID       string  `json:"call_id"`
	TransportID  string  `json:"transport_id"`
	Role         string  `json:"role"`
	Media        string  `json:"media"`
	RemoteHandle string  `json:"remote_handle"`
	RemoteName   string  `json:"remote_name,omitempty"`
	StartedAt    string  `json:"started_at"`
	ConnectedAt  *string `json:"connected_at"`
	EndedAt      string  `json:"ended_at"`
	Duration     int     `json:"duration"`
	EndReason    string  `json:"end_reason"`
	Category     string  `json:"category,omitempty"`
}

func toCallLogResponse(c *models.CallLog) callLogResponse {
	resp := callLogResponse{
		ID:           c.ID,
		CallID:       c.CallID,
		TransportID:  c.TransportID,
		Role:         c.Role,
		Media:        c.Media,
		RemoteHandle: c.RemoteHandle,
		RemoteName:   c.RemoteName,
		StartedAt:    c.StartedAt.Format(time.RFC3339),
		EndedAt:      c.EndedAt.Format(time.RFC3339),
		Duration:     c.Duration,
		EndReason:    c.EndReason,
		Category:     c.Category,
	}
	if c.ConnectedAt != nil {
		t := c.ConnectedAt.Format(time.RFC3339)
		resp.ConnectedAt = &t
	}
	return resp
}

// uiUnavailable reports whether err means the telephony UI could not be
// reached, as opposed to the UI refusing the request.
func uiUnavailable(err error) bool {
	return errors.Is(err, uiws.ErrNoUI) ||
		errors.Is(err, uiws.ErrDisconnected) ||
		errors.Is(err, uiws.ErrAckTimeout)
}

// parseTransportID reads the {transportID} URL parameter.
func parseTransportID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "transportID"))
	return id, err == nil
}

// handleListCalls returns every call that has not ended.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	live := s.deps.Calls.Live()
	if live == nil {
		live = []call.Snapshot{}
	}
	writeJSON(w, http.StatusOK, live)
}

// handleDial starts an outbound call through the telephony UI.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateHandle("handle", req.Handle); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	snap, err := s.deps.Calls.Dial(r.Context(), req.Handle, req.Video)
	if err != nil {
		s.logger.Warn("dial failed", "handle", req.Handle, "error", err)
		if !uiUnavailable(err) && errors.Is(err, telephony.ErrTransactionRejected) {
			writeError(w, http.StatusConflict, "call rejected by the telephony ui")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "call could not be started")
		return
	}

	writeJSON(w, http.StatusCreated, snap)
}

// handleGetCall returns one call by transport ID.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTransportID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid transport id")
		return
	}

	snap, err := s.deps.Calls.Get(id)
	if errors.Is(err, call.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		s.logger.Error("get call failed", "transport_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// handleEndCall asks the telephony UI to end a call.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTransportID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid transport id")
		return
	}

	err := s.deps.Calls.End(r.Context(), id)
	switch {
	case errors.Is(err, call.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "call not found")
	case err != nil && !uiUnavailable(err) && errors.Is(err, telephony.ErrTransactionRejected):
		writeError(w, http.StatusConflict, "end rejected by the telephony ui")
	case err != nil:
		s.logger.Warn("end call failed", "transport_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "call could not be ended")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"transport_id": id.String()})
	}
}

// handleCallHistory returns finished calls, newest first.
// Query params: limit, offset, role, search.
func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	role := q.Get("role")
	if role != "" && role != string(call.RoleCaller) && role != string(call.RoleCallee) {
		writeError(w, http.StatusBadRequest, "role must be \"caller\" or \"callee\"")
		return
	}
	search := q.Get("search")
	if errMsg := validateStringLen("search", search, maxHandleLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	entries, total, err := s.deps.History.List(r.Context(), database.CallLogFilter{
		Role:   role,
		Search: search,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
	if err != nil {
		s.logger.Error("list call history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callLogResponse, len(entries))
	for i := range entries {
		items[i] = toCallLogResponse(&entries[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}
