package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"dealflow/auth"
	"dealflow/errs"
	"dealflow/logger"
)

type contextKey string

const (
	ctxKeySubject contextKey = "subject"
	ctxKeyUserID  contextKey = "userID"
	ctxKeyProfile contextKey = "profile"
	ctxKeyClaims  contextKey = "claims"
)

// authenticate verifies the bearer token and resolves the caller's profile.
// A valid token whose user has not been synced yet still passes with an
// unset profile so /api/users/sync can create it. Reads without any
// Authorization header pass anonymously; mutations require a token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" && isQuery(r) {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(w, r, auth.ErrInvalidToken)
			return
		}

		identity, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		profile, err := s.authService.ResolveProfile(r.Context(), identity.Subject)
		switch {
		case errors.Is(err, auth.ErrUserNotFound):
			profile = auth.Profile{User: auth.User{
				Subject: identity.Subject,
				Email:   identity.Email,
				Name:    identity.Name,
			}}
		case err != nil:
			s.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeySubject, identity.Subject)
		ctx = context.WithValue(ctx, ctxKeyUserID, profile.User.ID)
		ctx = context.WithValue(ctx, ctxKeyProfile, profile)
		ctx = context.WithValue(ctx, ctxKeyClaims, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isQuery(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// orEmpty answers anonymous callers with empty instead of running h.
func orEmpty(empty any, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if subjectFromContext(r.Context()) == "" {
			writeJSON(w, http.StatusOK, empty)
			return
		}
		h(w, r)
	}
}

func subjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(ctxKeySubject).(string)
	return subject
}

func userIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

func identityFromContext(ctx context.Context) auth.Identity {
	identity, _ := ctx.Value(ctxKeyClaims).(auth.Identity)
	if identity.Subject == "" {
		identity.Subject = subjectFromContext(ctx)
	}
	return identity
}

func profileFromContext(ctx context.Context) auth.Profile {
	profile, _ := ctx.Value(ctxKeyProfile).(auth.Profile)
	return profile
}

// requireUser returns the caller's profile, failing when the user row does not
// exist yet.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (auth.Profile, bool) {
	profile := profileFromContext(r.Context())
	if profile.User.ID == "" {
		s.writeError(w, r, auth.ErrUserNotFound)
		return auth.Profile{}, false
	}
	return profile, true
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.log().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("user_id", userIDFromContext(r.Context())),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log().Error("panic serving request",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) log() *zap.Logger {
	return logger.OrNop(s.logger)
}

// writeError maps err onto its HTTP status. Unexpected errors are logged and
// reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.log().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{Error: errs.Message(err)})
}
