package main

import (
	"net/http"

	"dealflow/auth"
)

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: result.Token, User: toUserResponse(result.User)})
}

type syncUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// handleSyncUser upserts the users row for the token's subject. Body fields
// override the token claims; an empty body is allowed.
func (s *Server) handleSyncUser(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	if r.ContentLength != 0 {
		var req syncUserRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.Email != "" {
			identity.Email = req.Email
		}
		if req.Name != "" {
			identity.Name = req.Name
		}
	}
	user, err := s.authService.SyncUser(r.Context(), identity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toMeResponse(profile))
}
