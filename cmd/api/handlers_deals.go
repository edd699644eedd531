package main

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"dealflow/deal"
	"dealflow/errs"
)

var (
	errBadLimit    = errs.New(errs.Invalid, "limit must be a positive integer")
	errBadRevision = errs.New(errs.Invalid, "revision number must be a positive integer")
)

type createDealRequest struct {
	Title           string   `json:"title"`
	Description     *string  `json:"description"`
	PropertyAddress *string  `json:"propertyAddress"`
	PropertyType    *string  `json:"propertyType"`
	ListPrice       *float64 `json:"listPrice"`
	OfferPrice      *float64 `json:"offerPrice"`
	Status          string   `json:"status"`
	Stage           string   `json:"stage"`
	TargetCloseDate *string  `json:"targetCloseDate"`
	Message         string   `json:"message"`
}

type updateDealRequest struct {
	Title           *string  `json:"title"`
	Description     *string  `json:"description"`
	PropertyAddress *string  `json:"propertyAddress"`
	PropertyType    *string  `json:"propertyType"`
	ListPrice       *float64 `json:"listPrice"`
	OfferPrice      *float64 `json:"offerPrice"`
	Status          *string  `json:"status"`
	Stage           *string  `json:"stage"`
	TargetCloseDate *string  `json:"targetCloseDate"`
	ActualCloseDate *string  `json:"actualCloseDate"`
	Message         string   `json:"message"`
}

func (req updateDealRequest) patch() (deal.Patch, error) {
	patch := deal.Patch{
		Title:           req.Title,
		Description:     req.Description,
		PropertyAddress: req.PropertyAddress,
		PropertyType:    req.PropertyType,
		ListPrice:       req.ListPrice,
		OfferPrice:      req.OfferPrice,
	}
	if req.Status != nil {
		status := deal.Status(*req.Status)
		patch.Status = &status
	}
	if req.Stage != nil {
		stage := deal.Stage(*req.Stage)
		patch.Stage = &stage
	}
	var err error
	if patch.TargetCloseDate, err = parseTimePtr("targetCloseDate", req.TargetCloseDate); err != nil {
		return deal.Patch{}, err
	}
	if patch.ActualCloseDate, err = parseTimePtr("actualCloseDate", req.ActualCloseDate); err != nil {
		return deal.Patch{}, err
	}
	return patch, nil
}

type updateStageRequest struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

type addDealClientRequest struct {
	ClientID string `json:"clientId"`
	Role     string `json:"role"`
}

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	summaries, err := s.dealService.List(r.Context(), profile, deal.Status(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]dealSummaryResponse, 0, len(summaries))
	for _, sum := range summaries {
		items = append(items, dealSummaryResponse{
			dealResponse: toDealResponse(sum.Deal),
			Clients:      toParticipantResponses(sum.Clients),
		})
	}
	writeJSON(w, http.StatusOK, newList(items))
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req createDealRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	target, err := parseTimePtr("targetCloseDate", req.TargetCloseDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.dealService.Create(r.Context(), profile, deal.CreateInput{
		Title:           req.Title,
		Description:     req.Description,
		PropertyAddress: req.PropertyAddress,
		PropertyType:    req.PropertyType,
		ListPrice:       req.ListPrice,
		OfferPrice:      req.OfferPrice,
		Status:          deal.Status(req.Status),
		Stage:           deal.Stage(req.Stage),
		TargetCloseDate: target,
		Message:         req.Message,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDealResponse(created))
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	detail, err := s.dealService.Get(r.Context(), profile, chi.URLParam(r, "dealID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dealDetailResponse{
		dealResponse:  toDealResponse(detail.Deal),
		Clients:       toParticipantResponses(detail.Clients),
		Revisions:     toRevisionResponses(detail.Revisions),
		DocumentCount: detail.DocumentCount,
	})
}

func (s *Server) handleUpdateDeal(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req updateDealRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	patch, err := req.patch()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.dealService.Update(r.Context(), profile, chi.URLParam(r, "dealID"), patch, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(updated))
}

func (s *Server) handleUpdateStage(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req updateStageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.dealService.UpdateStage(r.Context(), profile, chi.URLParam(r, "dealID"), deal.Stage(req.Stage), req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(updated))
}

func (s *Server) handleRemoveDeal(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.dealService.Remove(r.Context(), profile, chi.URLParam(r, "dealID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevisionHistory(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, errBadLimit)
			return
		}
		limit = n
	}
	revisions, err := s.dealService.RevisionHistory(r.Context(), profile, chi.URLParam(r, "dealID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(toRevisionResponses(revisions)))
}

func (s *Server) handleRevisionAt(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n <= 0 {
		s.writeError(w, r, errBadRevision)
		return
	}
	rev, err := s.dealService.RevisionAt(r.Context(), profile, chi.URLParam(r, "dealID"), n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRevisionResponse(rev))
}

func (s *Server) handleAddDealClient(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req addDealClientRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	added, err := s.dealService.AddClient(r.Context(), profile, chi.URLParam(r, "dealID"), req.ClientID, deal.Role(req.Role))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toParticipantResponse(added))
}

func (s *Server) handleRemoveDealClient(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	err := s.dealService.RemoveClient(r.Context(), profile, chi.URLParam(r, "dealID"), chi.URLParam(r, "clientID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
