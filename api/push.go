package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/directory"
	"github.com/senseeact/notifyd/push"
)

// PushRegisterRequest is the body of POST /project/{project}/register-push
type PushRegisterRequest struct {
	DeviceID     string           `json:"deviceId"`
	FCMToken     string           `json:"fcmToken"`
	Restrictions PushRestrictions `json:"restrictions"`
}

// PushRestrictions limits the tables that trigger a push. Entries are glob patterns.
type PushRestrictions struct {
	IncludeTables []string `json:"includeTables"`
	ExcludeTables []string `json:"excludeTables"`
}

// pushTarget resolves the ?user= parameter, defaulting to the caller
func (s *Server) pushTarget(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.push == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "push notifications are disabled")
		return "", false
	}
	user := userFrom(r.Context())
	target := r.URL.Query().Get("user")
	if target == "" || target == user.ID {
		return user.ID, true
	}
	if !s.accessSubject(w, r, user, projectFrom(r.Context()).Code, target) {
		return "", false
	}
	return target, true
}

// handlePushRegister handles POST /project/{project}/register-push?user=
func (s *Server) handlePushRegister(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pushTarget(w, r)
	if !ok {
		return
	}
	project := projectFrom(r.Context())

	var req PushRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.DeviceID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "deviceId is required")
		return
	}
	if req.FCMToken == "" {
		writeErrorResponse(w, http.StatusBadRequest, "fcmToken is required")
		return
	}

	_, err := s.push.Register(r.Context(), target, project.Code, req.DeviceID, req.FCMToken,
		req.Restrictions.IncludeTables, req.Restrictions.ExcludeTables)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, push.ErrInvalidRestriction), errors.Is(err, push.ErrNoTables):
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, directory.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).
			Str("user", target).
			Str("project", project.Code).
			Str("device", req.DeviceID).
			Msg("Failed to register push device")
		writeErrorResponse(w, http.StatusInternalServerError, "failed to register push device")
	}
}

// handlePushUnregister handles POST /project/{project}/unregister-push?user=&deviceId=
func (s *Server) handlePushUnregister(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pushTarget(w, r)
	if !ok {
		return
	}
	project := projectFrom(r.Context())
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	if err := s.push.Unregister(r.Context(), target, project.Code, deviceID); err != nil {
		log.Error().Err(err).
			Str("user", target).
			Str("project", project.Code).
			Str("device", deviceID).
			Msg("Failed to unregister push device")
		writeErrorResponse(w, http.StatusInternalServerError, "failed to unregister push device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
