package deal

import (
	"time"

	"dealflow/errs"
)

// Status is the commercial state of a deal.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPending   Status = "pending"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// Stage is the pipeline position of a deal.
type Stage string

const (
	StageLead        Stage = "lead"
	StageShowing     Stage = "showing"
	StageOffer       Stage = "offer"
	StageNegotiation Stage = "negotiation"
	StageContract    Stage = "contract"
	StageInspection  Stage = "inspection"
	StageClosing     Stage = "closing"
	StageClosed      Stage = "closed"
)

// ChangeType classifies a revision.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeUpdated  ChangeType = "updated"
	ChangeStage    ChangeType = "stage_change"
	ChangeStatus   ChangeType = "status_change"
	ChangeClient   ChangeType = "client_change"
	ChangeDocument ChangeType = "document_change"
	ChangeDeleted  ChangeType = "deleted"
)

// Role is a client's part in a deal.
type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleSeller   Role = "seller"
	RoleCoBuyer  Role = "co_buyer"
	RoleCoSeller Role = "co_seller"
)

var (
	ErrNotFound          = errs.New(errs.NotFound, "deal not found")
	ErrRevisionNotFound  = errs.New(errs.NotFound, "revision not found")
	ErrClientNotFound    = errs.New(errs.NotFound, "client not found")
	ErrNotAssociated     = errs.New(errs.NotFound, "client not associated with this deal")
	ErrAgentRequired     = errs.New(errs.Forbidden, "only agents can manage deals")
	ErrNotOwner          = errs.New(errs.Forbidden, "deal does not belong to this agent")
	ErrAccessDenied      = errs.New(errs.Forbidden, "access denied")
	ErrForeignClient     = errs.New(errs.Forbidden, "client does not belong to this agent")
	ErrAlreadyAssociated = errs.New(errs.Conflict, "client already associated with this deal")
	ErrTitleRequired     = errs.New(errs.Invalid, "title is required")
	ErrInvalidStatus     = errs.New(errs.Invalid, "invalid deal status")
	ErrInvalidStage      = errs.New(errs.Invalid, "invalid deal stage")
	ErrInvalidRole       = errs.New(errs.Invalid, "invalid client role")
	ErrInvalidPrice      = errs.New(errs.Invalid, "prices must not be negative")
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPending, StatusClosed, StatusCancelled:
		return true
	}
	return false
}

func (s Stage) Valid() bool {
	switch s {
	case StageLead, StageShowing, StageOffer, StageNegotiation, StageContract, StageInspection, StageClosing, StageClosed:
		return true
	}
	return false
}

func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleCoBuyer, RoleCoSeller:
		return true
	}
	return false
}

// Deal mirrors a deals row.
type Deal struct {
	ID              string
	AgentID         string
	Title           string
	Description     *string
	PropertyAddress *string
	PropertyType    *string
	ListPrice       *float64
	OfferPrice      *float64
	Status          Status
	Stage           Stage
	TargetCloseDate *time.Time
	ActualCloseDate *time.Time
	CurrentRevision int
	CreatedBy       string
	IsDeleted       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Snapshot is the full deal state recorded with every revision.
type Snapshot struct {
	AgentID         string     `json:"agentId"`
	Title           string     `json:"title"`
	Description     *string    `json:"description,omitempty"`
	PropertyAddress *string    `json:"propertyAddress,omitempty"`
	PropertyType    *string    `json:"propertyType,omitempty"`
	ListPrice       *float64   `json:"listPrice,omitempty"`
	OfferPrice      *float64   `json:"offerPrice,omitempty"`
	Status          Status     `json:"status"`
	Stage           Stage      `json:"stage"`
	TargetCloseDate *time.Time `json:"targetCloseDate,omitempty"`
	ActualCloseDate *time.Time `json:"actualCloseDate,omitempty"`
	IsDeleted       bool       `json:"isDeleted"`
}

func (d Deal) Snapshot() Snapshot {
	return Snapshot{
		AgentID:         d.AgentID,
		Title:           d.Title,
		Description:     d.Description,
		PropertyAddress: d.PropertyAddress,
		PropertyType:    d.PropertyType,
		ListPrice:       d.ListPrice,
		OfferPrice:      d.OfferPrice,
		Status:          d.Status,
		Stage:           d.Stage,
		TargetCloseDate: d.TargetCloseDate,
		ActualCloseDate: d.ActualCloseDate,
		IsDeleted:       d.IsDeleted,
	}
}

// FieldChange records one scalar field moving between values.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Revision is one immutable entry of a deal's history.
type Revision struct {
	ID             string
	DealID         string
	RevisionNumber int
	ModifiedBy     string
	ModifiedByName string
	ModifiedAt     time.Time
	ChangeType     ChangeType
	Changes        map[string]any
	Snapshot       Snapshot
	Message        string
}

// Participant is a client attached to a deal.
type Participant struct {
	ClientID    string
	DisplayName string
	Email       string
	Status      string
	Role        Role
	AddedAt     time.Time
	AddedBy     string
}

// Detail is a deal with its participants, history and document count.
type Detail struct {
	Deal          Deal
	Clients       []Participant
	Revisions     []Revision
	DocumentCount int
}

// Summary is a list entry.
type Summary struct {
	Deal    Deal
	Clients []Participant
}

// CreateInput carries the fields of a new deal. Zero Status and Stage fall
// back to draft and lead.
type CreateInput struct {
	Title           string
	Description     *string
	PropertyAddress *string
	PropertyType    *string
	ListPrice       *float64
	OfferPrice      *float64
	Status          Status
	Stage           Stage
	TargetCloseDate *time.Time
	Message         string
}

// Patch lists the fields to change; nil fields are left alone.
type Patch struct {
	Title           *string
	Description     *string
	PropertyAddress *string
	PropertyType    *string
	ListPrice       *float64
	OfferPrice      *float64
	Status          *Status
	Stage           *Stage
	TargetCloseDate *time.Time
	ActualCloseDate *time.Time
}
