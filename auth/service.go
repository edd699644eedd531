package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"dealflow/errs"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errs.New(errs.Unauthenticated, "auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errs.New(errs.Invalid, "auth: password must be at least 8 characters")
	// ErrMissingFields signals an incomplete registration request.
	ErrMissingFields = errs.New(errs.Invalid, "auth: email and name are required")
	// ErrInvalidEmail signals a malformed email address.
	ErrInvalidEmail = errs.New(errs.Invalid, "auth: invalid email address")
	// ErrInvalidToken signals a missing, malformed or expired bearer token.
	ErrInvalidToken = errs.New(errs.Unauthenticated, "Not authenticated")
)

const defaultTokenTTL = 24 * time.Hour

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new authentication service. A non-positive ttl falls
// back to 24 hours.
func NewService(repo Repository, jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

// WithClock overrides the time source, primarily for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.now = clock
	}
	return s
}

// Register creates a new user account with a freshly minted subject.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	email := strings.TrimSpace(req.Email)
	name := strings.TrimSpace(req.Name)
	if email == "" || name == "" {
		return nil, ErrMissingFields
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Subject:      uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: string(passwordHash),
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// IssueToken signs an identity token for user.
func (s *Service) IssueToken(user User) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":   user.Subject,
		"email": user.Email,
		"name":  user.Name,
		"exp":   now.Add(s.ttl).Unix(),
		"iat":   now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return tokenString, nil
}

// VerifyToken validates a JWT token and returns the identity it asserts.
func (s *Service) VerifyToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return Identity{}, ErrInvalidToken
	}
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)

	return Identity{Subject: subject, Email: email, Name: name}, nil
}

// SyncUser creates or refreshes the users row for a verified identity.
func (s *Service) SyncUser(ctx context.Context, identity Identity) (User, error) {
	if identity.Subject == "" {
		return User{}, ErrInvalidToken
	}
	return s.repo.UpsertUser(ctx, identity)
}

// CurrentUser returns the users row bound to subject.
func (s *Service) CurrentUser(ctx context.Context, subject string) (User, error) {
	if subject == "" {
		return User{}, ErrInvalidToken
	}
	return s.repo.GetUserBySubject(ctx, subject)
}

// ResolveProfile returns the caller's user row together with its role.
func (s *Service) ResolveProfile(ctx context.Context, subject string) (Profile, error) {
	if subject == "" {
		return Profile{}, ErrInvalidToken
	}
	return s.repo.ResolveProfile(ctx, subject)
}
