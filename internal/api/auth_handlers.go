package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/flowpbx/flowphone/internal/auth"
)

type signInRequest struct {
	AppID       string `json:"app_id"`
	UserID      string `json:"user_id"`
	Password    string `json:"password"`
	AccessToken string `json:"access_token"`
	PushToken   string `json:"push_token"`
}

func (req signInRequest) validate() string {
	if msg := validateHandle("user_id", req.UserID); msg != "" {
		return msg
	}
	if msg := validateStringLen("password", req.Password, maxSecretLen); msg != "" {
		return msg
	}
	if msg := validateStringLen("access_token", req.AccessToken, maxSecretLen); msg != "" {
		return msg
	}
	if msg := validateStringLen("push_token", req.PushToken, maxSecretLen); msg != "" {
		return msg
	}
	if req.AppID != "" {
		if msg := validateStringLen("app_id", req.AppID, maxURLLen); msg != "" {
			return msg
		}
		u, err := url.Parse(req.AppID)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "app_id must be an http or https URL"
		}
	}
	return ""
}

// handleSignIn authenticates with explicit credentials. Failures carry a
// message meant for the user.
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if errMsg := req.validate(); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	id, err := s.deps.Auth.SignIn(r.Context(), auth.Credentials{
		AppID:       strings.TrimRight(req.AppID, "/"),
		UserID:      req.UserID,
		AccessToken: req.AccessToken,
		SIPPassword: req.Password,
		PushToken:   req.PushToken,
	})
	if err != nil {
		var signInErr *auth.SignInError
		if errors.As(err, &signInErr) {
			writeError(w, http.StatusUnauthorized, signInErr.Message)
			return
		}
		s.logger.Error("sign-in failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, id)
}

// handleSignOut drops the identity and stored credentials.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Auth.SignOut(r.Context()); err != nil {
		s.logger.Error("sign-out failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"signed_in": false})
}

// handleMe returns the current identity.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deps.Auth.Current()
	if !ok {
		writeError(w, http.StatusUnauthorized, "not signed in")
		return
	}
	writeJSON(w, http.StatusOK, id)
}
