package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/directory"
)

type contextKey int

const (
	userKey contextKey = iota
	projectKey
)

func userFrom(ctx context.Context) *directory.User {
	u, _ := ctx.Value(userKey).(*directory.User)
	return u
}

func projectFrom(ctx context.Context) *directory.Project {
	p, _ := ctx.Value(projectKey).(*directory.Project)
	return p
}

// authMiddleware resolves the auth token to a user. The token is read from
// the configured header, or from "Authorization: Bearer <token>".
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(s.tokenHeader)
		if token == "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			token = parts[1]
		}

		user, err := s.dir.Authenticate(r.Context(), token)
		if errors.Is(err, directory.ErrNotFound) {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid auth token")
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to authenticate request")
			writeErrorResponse(w, http.StatusInternalServerError, "authentication failed")
			return
		}
		if !user.Active {
			writeErrorResponse(w, http.StatusUnauthorized, "account is inactive")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// projectMiddleware resolves {project} and requires the user to be a member
func (s *Server) projectMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "project")
		project, err := s.dir.Project(r.Context(), code)
		if errors.Is(err, directory.ErrNotFound) {
			writeErrorResponse(w, http.StatusNotFound, "project not found: "+code)
			return
		}
		if err != nil {
			log.Error().Err(err).Str("project", code).Msg("Failed to resolve project")
			writeErrorResponse(w, http.StatusInternalServerError, "failed to resolve project")
			return
		}

		member, err := s.dir.IsProjectMember(r.Context(), userFrom(r.Context()), code)
		if err != nil {
			log.Error().Err(err).Str("project", code).Msg("Failed to check project membership")
			writeErrorResponse(w, http.StatusInternalServerError, "failed to check project membership")
			return
		}
		if !member {
			writeErrorResponse(w, http.StatusForbidden, "not a member of project "+code)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), projectKey, project)))
	})
}

// accessSubject checks that user may read subject's data in project and
// writes the error response if not
func (s *Server) accessSubject(w http.ResponseWriter, r *http.Request, user *directory.User, project, subject string) bool {
	ok, err := directory.CanAccessSubject(r.Context(), s.dir, user, project, subject)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to check subject access")
		writeErrorResponse(w, http.StatusInternalServerError, "failed to check subject access")
		return false
	}
	if !ok {
		writeErrorResponse(w, http.StatusForbidden, "no access to user "+subject)
		return false
	}
	return true
}
