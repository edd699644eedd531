package auth

import "time"

// User is the domain representation of an identity known to the service.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Subject      string
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity is what a verified bearer token asserts about the caller.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// ProfileKind discriminates Profile.
type ProfileKind string

const (
	ProfileUnset  ProfileKind = ""
	ProfileAgent  ProfileKind = "agent"
	ProfileClient ProfileKind = "client"
)

// Profile is the caller's role resolved from the agents and clients tables.
// AgentID is set for ProfileAgent; ClientID and ClientAgentID for ProfileClient.
type Profile struct {
	Kind          ProfileKind
	User          User
	AgentID       string
	ClientID      string
	ClientAgentID string
}

func (p Profile) IsAgent() bool  { return p.Kind == ProfileAgent }
func (p Profile) IsClient() bool { return p.Kind == ProfileClient }

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
