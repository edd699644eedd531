package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"dealflow/agent"
	"dealflow/auth"
	"dealflow/client"
	"dealflow/deal"
	"dealflow/document"
	"dealflow/errs"
)

var (
	errBadJSON   = errs.New(errs.Invalid, "invalid JSON payload")
	errForbidden = errs.New(errs.Forbidden, "forbidden")
)

const maxJSONBody = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Total: len(items)}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.New(errs.Invalid, "request body is required")
		}
		return errBadJSON
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTimePtr(field string, s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, errs.New(errs.Invalid, field+" must be an RFC3339 timestamp")
	}
	return &t, nil
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt,omitempty"`
}

func toUserResponse(u auth.User) userResponse {
	resp := userResponse{ID: u.ID, Email: u.Email, Name: u.Name}
	if !u.CreatedAt.IsZero() {
		resp.CreatedAt = formatTime(u.CreatedAt)
	}
	return resp
}

type meResponse struct {
	User          userResponse `json:"user"`
	Role          string       `json:"role,omitempty"`
	AgentID       string       `json:"agentId,omitempty"`
	ClientID      string       `json:"clientId,omitempty"`
	ClientAgentID string       `json:"clientAgentId,omitempty"`
}

func toMeResponse(p auth.Profile) meResponse {
	return meResponse{
		User:          toUserResponse(p.User),
		Role:          string(p.Kind),
		AgentID:       p.AgentID,
		ClientID:      p.ClientID,
		ClientAgentID: p.ClientAgentID,
	}
}

type agentResponse struct {
	ID                 string  `json:"id"`
	UserID             string  `json:"userId"`
	Name               string  `json:"name"`
	Email              string  `json:"email"`
	Phone              *string `json:"phone,omitempty"`
	Company            *string `json:"company,omitempty"`
	LicenseNumber      *string `json:"licenseNumber,omitempty"`
	SubscriptionStatus string  `json:"subscriptionStatus"`
	SubscriptionEndsAt *string `json:"subscriptionEndsAt,omitempty"`
	CreatedAt          string  `json:"createdAt"`
	UpdatedAt          string  `json:"updatedAt"`
}

func toAgentResponse(a agent.Agent) agentResponse {
	return agentResponse{
		ID:                 a.ID,
		UserID:             a.UserID,
		Name:               a.Name,
		Email:              a.Email,
		Phone:              a.Phone,
		Company:            a.Company,
		LicenseNumber:      a.LicenseNumber,
		SubscriptionStatus: string(a.SubscriptionStatus),
		SubscriptionEndsAt: formatTimePtr(a.SubscriptionEndsAt),
		CreatedAt:          formatTime(a.CreatedAt),
		UpdatedAt:          formatTime(a.UpdatedAt),
	}
}

type clientResponse struct {
	ID                  string  `json:"id"`
	UserID              string  `json:"userId"`
	AgentID             string  `json:"agentId"`
	Email               string  `json:"email"`
	Name                string  `json:"name"`
	DisplayName         *string `json:"displayName,omitempty"`
	Phone               *string `json:"phone,omitempty"`
	Notes               *string `json:"notes,omitempty"`
	Status              string  `json:"status"`
	IsDemo              bool    `json:"isDemo"`
	DemoData            *string `json:"demoData,omitempty"`
	RequiresConsent     bool    `json:"requiresConsent"`
	InvitationExpiresAt *string `json:"invitationExpiresAt,omitempty"`
	InvitedAt           string  `json:"invitedAt"`
	AcceptedAt          *string `json:"acceptedAt,omitempty"`
}

func toClientResponse(c client.Client) clientResponse {
	return clientResponse{
		ID:                  c.ID,
		UserID:              c.UserID,
		AgentID:             c.AgentID,
		Email:               c.Email,
		Name:                c.Name,
		DisplayName:         c.DisplayName,
		Phone:               c.Phone,
		Notes:               c.Notes,
		Status:              string(c.Status),
		IsDemo:              c.IsDemo,
		DemoData:            c.DemoData,
		RequiresConsent:     c.RequiresConsent,
		InvitationExpiresAt: formatTimePtr(c.InvitationExpiresAt),
		InvitedAt:           formatTime(c.InvitedAt),
		AcceptedAt:          formatTimePtr(c.AcceptedAt),
	}
}

type currentClientResponse struct {
	clientResponse
	Agent struct {
		Name    string  `json:"name"`
		Email   string  `json:"email"`
		Company *string `json:"company,omitempty"`
	} `json:"agent"`
}

func toCurrentClientResponse(c client.Current) currentClientResponse {
	resp := currentClientResponse{clientResponse: toClientResponse(c.Client)}
	resp.Agent.Name = c.AgentName
	resp.Agent.Email = c.AgentEmail
	resp.Agent.Company = c.AgentCompany
	return resp
}

type invitationDetailsResponse struct {
	Valid        bool    `json:"valid"`
	AgentName    string  `json:"agentName,omitempty"`
	AgentCompany *string `json:"agentCompany,omitempty"`
	ClientName   string  `json:"clientName,omitempty"`
	ExpiresAt    string  `json:"expiresAt,omitempty"`
	Error        string  `json:"error,omitempty"`
}

func toInvitationDetailsResponse(d client.InvitationDetails) invitationDetailsResponse {
	if !d.Valid {
		return invitationDetailsResponse{Error: d.Error}
	}
	return invitationDetailsResponse{
		Valid:        true,
		AgentName:    d.AgentName,
		AgentCompany: d.AgentCompany,
		ClientName:   d.ClientName,
		ExpiresAt:    formatTime(d.ExpiresAt),
	}
}

type pendingInvitationResponse struct {
	ID           string  `json:"id"`
	AgentName    string  `json:"agentName"`
	AgentCompany *string `json:"agentCompany,omitempty"`
	InvitedAt    string  `json:"invitedAt"`
	ExpiresAt    string  `json:"expiresAt"`
	Token        string  `json:"token"`
}

type invitationLinkResponse struct {
	Token     string `json:"token"`
	URL       string `json:"invitationUrl"`
	ExpiresAt string `json:"expiresAt"`
}

type convertResponse struct {
	Converted       int      `json:"converted"`
	InvitationsSent int      `json:"invitationsSent"`
	Errors          []string `json:"errors"`
}

type dealResponse struct {
	ID              string   `json:"id"`
	AgentID         string   `json:"agentId"`
	Title           string   `json:"title"`
	Description     *string  `json:"description,omitempty"`
	PropertyAddress *string  `json:"propertyAddress,omitempty"`
	PropertyType    *string  `json:"propertyType,omitempty"`
	ListPrice       *float64 `json:"listPrice,omitempty"`
	OfferPrice      *float64 `json:"offerPrice,omitempty"`
	Status          string   `json:"status"`
	Stage           string   `json:"stage"`
	TargetCloseDate *string  `json:"targetCloseDate,omitempty"`
	ActualCloseDate *string  `json:"actualCloseDate,omitempty"`
	CurrentRevision int      `json:"currentRevision"`
	CreatedBy       string   `json:"createdBy"`
	IsDeleted       bool     `json:"isDeleted"`
	CreatedAt       string   `json:"createdAt"`
	UpdatedAt       string   `json:"updatedAt"`
}

func toDealResponse(d deal.Deal) dealResponse {
	return dealResponse{
		ID:              d.ID,
		AgentID:         d.AgentID,
		Title:           d.Title,
		Description:     d.Description,
		PropertyAddress: d.PropertyAddress,
		PropertyType:    d.PropertyType,
		ListPrice:       d.ListPrice,
		OfferPrice:      d.OfferPrice,
		Status:          string(d.Status),
		Stage:           string(d.Stage),
		TargetCloseDate: formatTimePtr(d.TargetCloseDate),
		ActualCloseDate: formatTimePtr(d.ActualCloseDate),
		CurrentRevision: d.CurrentRevision,
		CreatedBy:       d.CreatedBy,
		IsDeleted:       d.IsDeleted,
		CreatedAt:       formatTime(d.CreatedAt),
		UpdatedAt:       formatTime(d.UpdatedAt),
	}
}

type participantResponse struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Status      string `json:"status"`
	Role        string `json:"role"`
	AddedAt     string `json:"addedAt"`
	AddedBy     string `json:"addedBy"`
}

func toParticipantResponse(p deal.Participant) participantResponse {
	return participantResponse{
		ClientID:    p.ClientID,
		DisplayName: p.DisplayName,
		Email:       p.Email,
		Status:      p.Status,
		Role:        string(p.Role),
		AddedAt:     formatTime(p.AddedAt),
		AddedBy:     p.AddedBy,
	}
}

func toParticipantResponses(in []deal.Participant) []participantResponse {
	out := make([]participantResponse, 0, len(in))
	for _, p := range in {
		out = append(out, toParticipantResponse(p))
	}
	return out
}

type revisionResponse struct {
	ID             string         `json:"id"`
	DealID         string         `json:"dealId"`
	RevisionNumber int            `json:"revisionNumber"`
	ModifiedBy     string         `json:"modifiedBy"`
	ModifiedByName string         `json:"modifiedByName"`
	ModifiedAt     string         `json:"modifiedAt"`
	ChangeType     string         `json:"changeType"`
	Changes        map[string]any `json:"changes,omitempty"`
	Snapshot       deal.Snapshot  `json:"snapshot"`
	Message        string         `json:"message,omitempty"`
}

func toRevisionResponse(r deal.Revision) revisionResponse {
	return revisionResponse{
		ID:             r.ID,
		DealID:         r.DealID,
		RevisionNumber: r.RevisionNumber,
		ModifiedBy:     r.ModifiedBy,
		ModifiedByName: r.ModifiedByName,
		ModifiedAt:     formatTime(r.ModifiedAt),
		ChangeType:     string(r.ChangeType),
		Changes:        r.Changes,
		Snapshot:       r.Snapshot,
		Message:        r.Message,
	}
}

func toRevisionResponses(in []deal.Revision) []revisionResponse {
	out := make([]revisionResponse, 0, len(in))
	for _, r := range in {
		out = append(out, toRevisionResponse(r))
	}
	return out
}

type dealSummaryResponse struct {
	dealResponse
	Clients []participantResponse `json:"clients"`
}

type dealDetailResponse struct {
	dealResponse
	Clients       []participantResponse `json:"clients"`
	Revisions     []revisionResponse    `json:"revisions"`
	DocumentCount int                   `json:"documentCount"`
}

type documentResponse struct {
	ID              string         `json:"id"`
	DealID          string         `json:"dealId"`
	StorageID       string         `json:"storageId"`
	FileName        string         `json:"fileName"`
	FileType        string         `json:"fileType"`
	FileSize        int64          `json:"fileSize"`
	Category        string         `json:"category"`
	UploadedBy      string         `json:"uploadedBy"`
	UploadedByName  string         `json:"uploadedByName"`
	UploadedByEmail string         `json:"uploadedByEmail"`
	UploadedAt      string         `json:"uploadedAt"`
	RevisionID      *string        `json:"revisionId,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func toDocumentResponse(d document.Document) documentResponse {
	return documentResponse{
		ID:              d.ID,
		DealID:          d.DealID,
		StorageID:       d.StorageID,
		FileName:        d.FileName,
		FileType:        d.FileType,
		FileSize:        d.FileSize,
		Category:        string(d.Category),
		UploadedBy:      d.UploadedBy,
		UploadedByName:  d.UploadedByName,
		UploadedByEmail: d.UploadedByEmail,
		UploadedAt:      formatTime(d.UploadedAt),
		RevisionID:      d.RevisionID,
		Metadata:        d.Metadata,
	}
}

type statsResponse struct {
	TotalDocuments      int            `json:"totalDocuments"`
	TotalSize           int64          `json:"totalSize"`
	SizeInMB            float64        `json:"sizeInMB"`
	DocumentsByCategory map[string]int `json:"documentsByCategory"`
	LastUpload          *string        `json:"lastUpload,omitempty"`
}

func toStatsResponse(s document.Stats) statsResponse {
	byCategory := make(map[string]int, len(s.DocumentsByCategory))
	for category, n := range s.DocumentsByCategory {
		byCategory[string(category)] = n
	}
	return statsResponse{
		TotalDocuments:      s.TotalDocuments,
		TotalSize:           s.TotalSize,
		SizeInMB:            s.SizeInMB,
		DocumentsByCategory: byCategory,
		LastUpload:          formatTimePtr(s.LastUpload),
	}
}

type accessLogResponse struct {
	ID         int64  `json:"id"`
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
	UserEmail  string `json:"userEmail"`
	AccessType string `json:"accessType"`
	AccessedAt string `json:"accessedAt"`
}

type categoryResponse struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type uploadURLResponse struct {
	StorageID string `json:"storageId"`
	UploadURL string `json:"uploadUrl"`
	ExpiresAt string `json:"expiresAt"`
}

type accessTokenResponse struct {
	URL         string `json:"url"`
	DownloadURL string `json:"downloadUrl"`
	ExpiresAt   string `json:"expiresAt"`
	SessionID   string `json:"sessionId"`
}
