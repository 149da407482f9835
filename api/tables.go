package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/directory"
	"github.com/senseeact/notifyd/store"
	"github.com/senseeact/notifyd/watch"
)

// validCallbackURL reports whether raw is an absolute http(s) URL
func validCallbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// tableFrom resolves {table} in the current project and writes 404 if the
// project has no such table
func tableFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	table := chi.URLParam(r, "table")
	project := projectFrom(r.Context())
	if !project.HasTable(table) {
		writeErrorResponse(w, http.StatusNotFound, "table not found: "+table)
		return "", false
	}
	return table, true
}

// handleTableRegister handles
// POST /project/{project}/table/{table}/watch/register?user=&callbackUrl=&anyUser=&reset=
func (s *Server) handleTableRegister(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	project := projectFrom(r.Context())
	table, ok := tableFrom(w, r)
	if !ok {
		return
	}
	anyUser, ok := boolParam(w, r, "anyUser")
	if !ok {
		return
	}
	reset, ok := boolParam(w, r, "reset")
	if !ok {
		return
	}

	subject := ""
	if anyUser {
		if user.Role != directory.RoleAdmin {
			writeErrorResponse(w, http.StatusForbidden, "anyUser requires the admin role")
			return
		}
	} else {
		subject = r.URL.Query().Get("user")
		if subject == "" {
			subject = user.ID
		}
		if !s.accessSubject(w, r, user, project.Code, subject) {
			return
		}
	}

	callbackURL := r.URL.Query().Get("callbackUrl")
	if callbackURL != "" && !validCallbackURL(callbackURL) {
		writeErrorResponse(w, http.StatusBadRequest, "invalid callback URL: "+callbackURL)
		return
	}

	key := store.TableWatchKey{
		User:        user.ID,
		Project:     project.Code,
		Table:       table,
		Subject:     subject,
		CallbackURL: callbackURL,
	}
	id, err := s.tables.Register(r.Context(), key, reset)
	if err != nil {
		log.Error().Err(err).
			Str("user", user.ID).
			Str("project", project.Code).
			Str("table", table).
			Msg("Failed to register table watch")
		writeErrorResponse(w, http.StatusInternalServerError, "failed to register table watch")
		return
	}
	writeJSONResponse(w, id)
}

// handleTableWatch handles GET /project/{project}/table/{table}/watch/{regId}.
// Access to the watched subject is checked again since it may have been
// revoked after registration.
func (s *Server) handleTableWatch(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	project := projectFrom(r.Context())
	table, ok := tableFrom(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "regId")

	reg, err := s.tables.Get(id)
	if errors.Is(err, watch.ErrNotFound) || (err == nil && reg.User != user.ID) {
		writeJSONResponse(w, []string{})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("registration", id).Msg("Failed to get table watch")
		writeErrorResponse(w, http.StatusInternalServerError, "failed to watch table")
		return
	}
	if reg.Subject == "" {
		if user.Role != directory.RoleAdmin {
			writeErrorResponse(w, http.StatusForbidden, "anyUser requires the admin role")
			return
		}
	} else if !s.accessSubject(w, r, user, project.Code, reg.Subject) {
		return
	}

	batch, err := s.tables.Watch(r.Context(), user.ID, project.Code, table, id)
	if errors.Is(err, watch.ErrNotFound) {
		writeJSONResponse(w, []string{})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("registration", id).Msg("Failed to watch table")
		writeErrorResponse(w, http.StatusInternalServerError, "failed to watch table")
		return
	}

	if !writeJSONResponse(w, batch.Subjects) {
		return
	}
	if err := s.tables.Ack(context.WithoutCancel(r.Context()), batch); err != nil {
		log.Warn().Err(err).Str("registration", id).Msg("Failed to acknowledge table subjects")
	}
}

// handleTableUnregister handles POST /project/{project}/table/{table}/watch/unregister/{regId}
func (s *Server) handleTableUnregister(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	project := projectFrom(r.Context())
	table, ok := tableFrom(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "regId")

	if err := s.tables.Unregister(r.Context(), user.ID, project.Code, table, id); err != nil {
		log.Error().Err(err).Str("registration", id).Msg("Failed to unregister table watch")
		writeErrorResponse(w, http.StatusInternalServerError, "failed to unregister table watch")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
