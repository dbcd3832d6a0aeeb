package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/flowpbx/flowphone/internal/push"
)

// maxPushPayloadSize bounds a VoIP push payload.
const maxPushPayloadSize = 16 * 1024

type pushResponse struct {
	Outcome   push.Outcome `json:"outcome"`
	Completed bool         `json:"completed"`
}

type pushTokenRequest struct {
	Token string `json:"token"`
}

// handlePush hands a VoIP push payload to the intake. The response is
// written after the push completion has run, so the shell may signal its
// own completion as soon as it reads the body.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushPayloadSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "push payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read push payload")
		return
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "request body must not be empty")
		return
	}

	// The intake enforces its own budget; a disconnecting shell must not cut
	// resolution short.
	completed := false
	outcome := s.deps.Push.Handle(context.WithoutCancel(r.Context()), raw, func() {
		completed = true
	})

	writeJSON(w, http.StatusOK, pushResponse{Outcome: outcome, Completed: completed})
}

// handlePushToken stores a rotated VoIP push token and re-registers it.
func (s *Server) handlePushToken(w http.ResponseWriter, r *http.Request) {
	var req pushTokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	err := s.deps.Tokens.Update(r.Context(), req.Token)
	switch {
	case errors.Is(err, push.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Warn("push token update failed", "error", err)
		writeError(w, http.StatusBadGateway, "push token stored but registration failed")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"registered": true})
	}
}
