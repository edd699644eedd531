package agent

import (
	"time"

	"dealflow/errs"
)

// SubscriptionStatus is the billing state of an agent.
type SubscriptionStatus string

const (
	SubscriptionTrial    SubscriptionStatus = "trial"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionTrial, SubscriptionActive, SubscriptionCanceled:
		return true
	}
	return false
}

var (
	ErrNotFound            = errs.New(errs.NotFound, "agent profile not found")
	ErrExists              = errs.New(errs.Conflict, "agent profile already exists")
	ErrHasDeals            = errs.New(errs.Invariant, "cannot delete agent: agent owns deals")
	ErrInvalidSubscription = errs.New(errs.Invalid, "invalid subscription status")
)

// Agent is an agent profile joined with its user.
type Agent struct {
	ID                 string
	UserID             string
	Phone              *string
	Company            *string
	LicenseNumber      *string
	SubscriptionStatus SubscriptionStatus
	SubscriptionEndsAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Name               string
	Email              string
}

// ProfileInput carries the editable agent fields. In updates a nil field is
// left alone and a blank one is cleared.
type ProfileInput struct {
	Phone         *string
	Company       *string
	LicenseNumber *string
}
