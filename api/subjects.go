package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/store"
	"github.com/senseeact/notifyd/watch"
)

// handleSubjectRegister handles POST /project/{project}/subjects/watch/register
func (s *Server) handleSubjectRegister(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	project := projectFrom(r.Context())
	reset, ok := boolParam(w, r, "reset")
	if !ok {
		return
	}

	id, err := s.subjects.Register(r.Context(), user, project.Code, reset)
	if err != nil {
		log.Error().Err(err).Str("user", user.ID).Str("project", project.Code).Msg("Failed to register subject watch")
		writeErrorResponse(w, http.StatusInternalServerError, "failed to register subject watch")
		return
	}
	writeJSONResponse(w, id)
}

// handleSubjectWatch handles GET /project/{project}/subjects/watch/{regId}.
// Events are acknowledged once the response is written.
func (s *Server) handleSubjectWatch(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	project := projectFrom(r.Context())
	id := chi.URLParam(r, "regId")

	batch, err := s.subjects.Watch(r.Context(), user.ID, project.Code, id)
	if errors.Is(err, watch.ErrNotFound) {
		writeJSONResponse(w, []store.SubjectEvent{})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("registration", id).Msg("Failed to watch subjects")
		writeErrorResponse(w, http.StatusInternalServerError, "failed to watch subjects")
		return
	}

	if !writeJSONResponse(w, batch.Events) {
		return
	}
	if err := s.subjects.Ack(context.WithoutCancel(r.Context()), batch); err != nil {
		log.Warn().Err(err).Str("registration", id).Msg("Failed to acknowledge subject events")
	}
}

// handleSubjectUnregister handles POST /project/{project}/subjects/watch/unregister/{regId}
func (s *Server) handleSubjectUnregister(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	project := projectFrom(r.Context())
	id := chi.URLParam(r, "regId")

	if err := s.subjects.Unregister(r.Context(), user.ID, project.Code, id); err != nil {
		log.Error().Err(err).Str("registration", id).Msg("Failed to unregister subject watch")
		writeErrorResponse(w, http.StatusInternalServerError, "failed to unregister subject watch")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
