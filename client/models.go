package client

import (
	"time"

	"dealflow/errs"
)

// Status is the lifecycle state of a client relationship.
type Status string

const (
	StatusInvited Status = "invited"
	StatusActive  Status = "active"
)

// InvitationStatus tracks an invitation record.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationSent     InvitationStatus = "sent"
	InvitationAccepted InvitationStatus = "accepted"
)

var (
	ErrNotFound          = errs.New(errs.NotFound, "client not found")
	ErrProfileNotFound   = errs.New(errs.NotFound, "client profile not found")
	ErrAgentNotFound     = errs.New(errs.NotFound, "agent not found")
	ErrAgentRequired     = errs.New(errs.Forbidden, "only agents can manage clients")
	ErrForeign           = errs.New(errs.Forbidden, "client does not belong to this agent")
	ErrEmailMismatch     = errs.New(errs.Forbidden, "invitation was sent to a different email address")
	ErrDuplicate         = errs.New(errs.Conflict, "client with this email already exists for this agent")
	ErrProfileExists     = errs.New(errs.Conflict, "client profile already exists")
	ErrAlreadyAccepted   = errs.New(errs.Conflict, "invitation has already been accepted")
	ErrHasDeals          = errs.New(errs.Invariant, "cannot remove client: client is associated with deals")
	ErrNotInvited        = errs.New(errs.Invariant, "cannot change email after invitation has been accepted")
	ErrClaimed           = errs.New(errs.Invariant, "client has already accepted an invitation")
	ErrDemoClient        = errs.New(errs.Invariant, "demo clients must be converted before they can be invited")
	ErrInvalidEmail      = errs.New(errs.Invalid, "invalid email format")
	ErrNameRequired      = errs.New(errs.Invalid, "client name is required")
	ErrNoEmail           = errs.New(errs.Invalid, "client email not found")
	ErrInvalidInvitation = errs.New(errs.Invalid, "invalid invitation token")
	ErrInvitationExpired = errs.New(errs.Invalid, "invitation has expired")
)

// Client is an agent-client relationship together with the user row it
// currently points at. Placeholder is true while that user is a pending or
// demo identity nobody has claimed.
type Client struct {
	ID                  string
	UserID              string
	AgentID             string
	DisplayName         *string
	Phone               *string
	Notes               *string
	Status              Status
	IsDemo              bool
	DemoData            *string
	InvitationExpiresAt *time.Time
	RequiresConsent     bool
	InvitedAt           time.Time
	AcceptedAt          *time.Time
	Email               string
	Name                string
	Placeholder         bool
}

// Current is the caller's own client profile with its agent.
type Current struct {
	Client
	AgentName    string
	AgentEmail   string
	AgentCompany *string
}

// AddInput is what an agent supplies to invite a client.
type AddInput struct {
	Email string
	Name  string
	Phone string
}

// DemoInput creates a synthetic client for trials. Email defaults to a
// generated example.com address.
type DemoInput struct {
	Name     string
	Email    string
	Phone    string
	DemoData *string
}

// Patch updates agent-managed fields. Nil leaves a field unchanged; a blank
// value clears it.
type Patch struct {
	DisplayName *string
	Phone       *string
	Notes       *string
}

// InvitationDetails is the public view of an invitation token. When Valid is
// false only Error is set.
type InvitationDetails struct {
	Valid        bool
	AgentName    string
	AgentCompany *string
	ClientName   string
	ExpiresAt    time.Time
	Error        string
}

// PendingInvitation is an open invitation addressed to the caller's email.
type PendingInvitation struct {
	ID           string
	AgentName    string
	AgentCompany *string
	InvitedAt    time.Time
	ExpiresAt    time.Time
	Token        string
}

// InvitationLink is a freshly minted invitation URL.
type InvitationLink struct {
	Token     string
	URL       string
	ExpiresAt time.Time
}

// ConvertResult reports a batch demo conversion. Per-client failures are
// collected in Errors rather than aborting the batch.
type ConvertResult struct {
	Converted       int
	InvitationsSent int
	Errors          []string
}
