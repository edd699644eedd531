package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"dealflow/agent"
)

type agentProfileRequest struct {
	Phone         *string `json:"phone"`
	Company       *string `json:"company"`
	LicenseNumber *string `json:"licenseNumber"`
}

func (req agentProfileRequest) input() agent.ProfileInput {
	return agent.ProfileInput{
		Phone:         req.Phone,
		Company:       req.Company,
		LicenseNumber: req.LicenseNumber,
	}
}

type subscriptionRequest struct {
	Status string  `json:"status"`
	EndsAt *string `json:"endsAt"`
}

type deleteAgentResponse struct {
	Success        bool `json:"success"`
	DeletedClients int  `json:"deletedClients"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req agentProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.agentService.Create(r.Context(), profile.User, req.input())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentResponse(created))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	current, err := s.agentService.GetCurrent(r.Context(), profile.User)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentResponse(current))
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req agentProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.agentService.UpdateProfile(r.Context(), profile.User, req.input())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentResponse(updated))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	removed, err := s.agentService.Delete(r.Context(), profile.User)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteAgentResponse{Success: true, DeletedClients: removed})
}

// handleUpdateSubscription is an administrative hook; only the agent itself
// may change its subscription.
func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if !profile.IsAgent() || profile.AgentID != agentID {
		s.writeError(w, r, errForbidden)
		return
	}

	var req subscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	endsAt, err := parseTimePtr("endsAt", req.EndsAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.agentService.UpdateSubscription(r.Context(), agentID, agent.SubscriptionStatus(req.Status), endsAt); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
