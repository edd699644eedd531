package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"dealflow/client"
)

type addClientRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type demoClientRequest struct {
	Name     string  `json:"name"`
	Email    string  `json:"email"`
	Phone    string  `json:"phone"`
	DemoData *string `json:"demoData"`
}

type convertDemoRequest struct {
	ClientIDs       []string `json:"clientIds"`
	SendInvitations bool     `json:"sendInvitations"`
}

type updateClientRequest struct {
	DisplayName *string `json:"displayName"`
	Phone       *string `json:"phone"`
	Notes       *string `json:"notes"`
}

type updateEmailRequest struct {
	Email string `json:"email"`
}

type selfClientRequest struct {
	AgentID string `json:"agentId"`
	Phone   string `json:"phone"`
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	clients, err := s.clientService.List(r.Context(), profile)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]clientResponse, 0, len(clients))
	for _, c := range clients {
		items = append(items, toClientResponse(c))
	}
	writeJSON(w, http.StatusOK, newList(items))
}

func (s *Server) handleAddClient(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req addClientRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.clientService.AddAsAgent(r.Context(), profile, client.AddInput{
		Email: req.Email,
		Name:  req.Name,
		Phone: req.Phone,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientResponse(created))
}

func (s *Server) handleAddDemoClient(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req demoClientRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.clientService.AddDemo(r.Context(), profile, client.DemoInput{
		Name:     req.Name,
		Email:    req.Email,
		Phone:    req.Phone,
		DemoData: req.DemoData,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientResponse(created))
}

func (s *Server) handleConvertDemoClients(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req convertDemoRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.clientService.ConvertDemo(r.Context(), profile, req.ClientIDs, req.SendInvitations)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	failures := result.Errors
	if failures == nil {
		failures = []string{}
	}
	writeJSON(w, http.StatusOK, convertResponse{
		Converted:       result.Converted,
		InvitationsSent: result.InvitationsSent,
		Errors:          failures,
	})
}

func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req updateClientRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.clientService.Update(r.Context(), profile, chi.URLParam(r, "clientID"), client.Patch{
		DisplayName: req.DisplayName,
		Phone:       req.Phone,
		Notes:       req.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClientResponse(updated))
}

func (s *Server) handleUpdateClientEmail(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req updateEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.clientService.UpdateInvitedEmail(r.Context(), profile, chi.URLParam(r, "clientID"), req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClientResponse(updated))
}

func (s *Server) handleRemoveClient(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.clientService.Remove(r.Context(), profile, chi.URLParam(r, "clientID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGenerateInvitation(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	link, err := s.clientService.GenerateInvitationLink(r.Context(), profile, chi.URLParam(r, "clientID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invitationLinkResponse{
		Token:     link.Token,
		URL:       link.URL,
		ExpiresAt: formatTime(link.ExpiresAt),
	})
}

func (s *Server) handleCreateSelfClient(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req selfClientRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.clientService.CreateSelf(r.Context(), profile.User, req.AgentID, req.Phone)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientResponse(created))
}

func (s *Server) handleGetSelfClient(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	current, err := s.clientService.GetCurrent(r.Context(), profile.User)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCurrentClientResponse(current))
}

func (s *Server) handleDeleteSelfClient(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.clientService.DeleteSelf(r.Context(), profile.User); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInvitationDetails is public: the invitee has no account yet.
func (s *Server) handleInvitationDetails(w http.ResponseWriter, r *http.Request) {
	details, err := s.clientService.InvitationDetails(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvitationDetailsResponse(details))
}

func (s *Server) handlePendingInvitations(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	pending, err := s.clientService.PendingInvitations(r.Context(), profile.User)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]pendingInvitationResponse, 0, len(pending))
	for _, p := range pending {
		items = append(items, pendingInvitationResponse{
			ID:           p.ID,
			AgentName:    p.AgentName,
			AgentCompany: p.AgentCompany,
			InvitedAt:    formatTime(p.InvitedAt),
			ExpiresAt:    formatTime(p.ExpiresAt),
			Token:        p.Token,
		})
	}
	writeJSON(w, http.StatusOK, newList(items))
}

func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	claimed, err := s.clientService.Accept(r.Context(), profile.User, chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClientResponse(claimed))
}
