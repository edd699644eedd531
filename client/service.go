// Package client manages agent-client relationships and the invitation flow
// that turns a placeholder identity into a claimed one.
package client

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"dealflow/auth"
	"dealflow/db"
)

// Config controls invitation behaviour.
type Config struct {
	AppBaseURL        string
	InvitationTTL     time.Duration
	RequireEmailMatch bool
}

// Service owns clients and invitations.
type Service struct {
	pool   db.Pool
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewService wires the client service. logger may be nil.
func NewService(pool db.Pool, cfg Config, logger *zap.Logger) *Service {
	if cfg.InvitationTTL <= 0 {
		cfg.InvitationTTL = 7 * 24 * time.Hour
	}
	cfg.AppBaseURL = strings.TrimRight(cfg.AppBaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{pool: pool, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock overrides the time source, primarily for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.now = clock
	}
	return s
}

func requireAgent(actor auth.Profile) error {
	if !actor.IsAgent() {
		return ErrAgentRequired
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@"):], ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func newInvitationToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("client: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

const clientColumns = `c.id, c.user_id, c.agent_id, c.display_name, c.phone, c.notes, c.status, c.is_demo,
	c.demo_data, c.invitation_expires_at, c.requires_consent, c.invited_at, c.accepted_at,
	COALESCE(u.email, ''), COALESCE(u.name, ''), u.subject`

func scanClient(row pgx.Row, extra ...any) (Client, error) {
	var (
		c       Client
		subject string
	)
	dest := []any{
		&c.ID,
		&c.UserID,
		&c.AgentID,
		&c.DisplayName,
		&c.Phone,
		&c.Notes,
		&c.Status,
		&c.IsDemo,
		&c.DemoData,
		&c.InvitationExpiresAt,
		&c.RequiresConsent,
		&c.InvitedAt,
		&c.AcceptedAt,
		&c.Email,
		&c.Name,
		&subject,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Client{}, err
	}
	c.Placeholder = auth.IsPlaceholderSubject(subject)
	return c, nil
}

// loadOwned reads a client owned by the acting agent, locking the row when
// lock is set.
func loadOwned(ctx context.Context, q db.Querier, actor auth.Profile, clientID string, lock bool) (Client, error) {
	query := `
		SELECT ` + clientColumns + `
		FROM clients c
		JOIN users u ON u.id = c.user_id
		WHERE c.id::text = $1
	`
	if lock {
		query += ` FOR UPDATE OF c`
	}
	c, err := scanClient(q.QueryRow(ctx, query, clientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Client{}, ErrNotFound
		}
		return Client{}, fmt.Errorf("client: load: %w", err)
	}
	if c.AgentID != actor.AgentID {
		return Client{}, ErrForeign
	}
	return c, nil
}

func hasDeals(ctx context.Context, q db.Querier, clientID string) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deal_clients WHERE client_id = $1)`, clientID).Scan(&exists); err != nil {
		return false, fmt.Errorf("client: check deals: %w", err)
	}
	return exists, nil
}

// List returns the acting agent's clients, newest first.
func (s *Service) List(ctx context.Context, actor auth.Profile) ([]Client, error) {
	if err := requireAgent(actor); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + clientColumns + `
		FROM clients c
		JOIN users u ON u.id = c.user_id
		WHERE c.agent_id = $1
		ORDER BY c.invited_at DESC
	`
	rows, err := s.pool.Query(ctx, query, actor.AgentID)
	if err != nil {
		return nil, fmt.Errorf("client: list: %w", err)
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("client: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("client: iterate: %w", err)
	}
	return out, nil
}

// Update changes agent-managed fields of a client.
func (s *Service) Update(ctx context.Context, actor auth.Profile, clientID string, patch Patch) (Client, error) {
	if err := requireAgent(actor); err != nil {
		return Client{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Client{}, fmt.Errorf("client: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := loadOwned(ctx, tx, actor, clientID, true)
	if err != nil {
		return Client{}, err
	}
	if patch.DisplayName != nil {
		c.DisplayName = optional(*patch.DisplayName)
	}
	if patch.Phone != nil {
		c.Phone = optional(*patch.Phone)
	}
	if patch.Notes != nil {
		c.Notes = optional(*patch.Notes)
	}

	const updateSQL = `UPDATE clients SET display_name = $2, phone = $3, notes = $4 WHERE id = $1`
	if _, err := tx.Exec(ctx, updateSQL, c.ID, c.DisplayName, c.Phone, c.Notes); err != nil {
		return Client{}, fmt.Errorf("client: update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Client{}, fmt.Errorf("client: commit: %w", err)
	}
	return c, nil
}

// UpdateInvitedEmail corrects the address of a client that has not accepted
// yet. The placeholder user and any pending invitations follow the change.
func (s *Service) UpdateInvitedEmail(ctx context.Context, actor auth.Profile, clientID, email string) (Client, error) {
	if err := requireAgent(actor); err != nil {
		return Client{}, err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return Client{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Client{}, fmt.Errorf("client: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := loadOwned(ctx, tx, actor, clientID, true)
	if err != nil {
		return Client{}, err
	}
	if c.Status != StatusInvited || !c.Placeholder {
		return Client{}, ErrNotInvited
	}

	now := s.now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE users SET email = $2, updated_at = $3 WHERE id = $1`, c.UserID, email, now); err != nil {
		return Client{}, fmt.Errorf("client: update user email: %w", err)
	}
	const invitationsSQL = `UPDATE invitations SET email = $2 WHERE client_id = $1 AND status = 'pending'`
	if _, err := tx.Exec(ctx, invitationsSQL, c.ID, email); err != nil {
		return Client{}, fmt.Errorf("client: update invitations: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Client{}, fmt.Errorf("client: commit: %w", err)
	}
	c.Email = email
	return c, nil
}

// deleteClient removes a client with its invitations, and its user when that
// user is still a placeholder. Clients on any deal are kept.
func deleteClient(ctx context.Context, tx pgx.Tx, c Client) error {
	busy, err := hasDeals(ctx, tx, c.ID)
	if err != nil {
		return err
	}
	if busy {
		return ErrHasDeals
	}
	if _, err := tx.Exec(ctx, `DELETE FROM invitations WHERE client_id = $1`, c.ID); err != nil {
		return fmt.Errorf("client: delete invitations: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM clients WHERE id = $1`, c.ID); err != nil {
		return fmt.Errorf("client: delete: %w", err)
	}
	if c.Placeholder {
		if _, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, c.UserID); err != nil {
			return fmt.Errorf("client: delete placeholder user: %w", err)
		}
	}
	return nil
}

// Remove deletes one of the acting agent's clients.
func (s *Service) Remove(ctx context.Context, actor auth.Profile, clientID string) error {
	if err := requireAgent(actor); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("client: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := loadOwned(ctx, tx, actor, clientID, true)
	if err != nil {
		return err
	}
	if err := deleteClient(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("client: commit: %w", err)
	}
	s.logger.Info("client removed", zap.String("client_id", c.ID), zap.String("agent_id", c.AgentID))
	return nil
}

// CreateSelf makes the caller an active client of agentID.
func (s *Service) CreateSelf(ctx context.Context, user auth.User, agentID, phone string) (Client, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Client{}, fmt.Errorf("client: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const profileSQL = `
		SELECT EXISTS (SELECT 1 FROM clients WHERE user_id = $1),
		       EXISTS (SELECT 1 FROM agents WHERE id::text = $2)
	`
	var profileExists, agentExists bool
	if err := tx.QueryRow(ctx, profileSQL, user.ID, agentID).Scan(&profileExists, &agentExists); err != nil {
		return Client{}, fmt.Errorf("client: check profile: %w", err)
	}
	if profileExists {
		return Client{}, ErrProfileExists
	}
	if !agentExists {
		return Client{}, ErrAgentNotFound
	}

	now := s.now().UTC()
	c := Client{
		UserID:     user.ID,
		AgentID:    agentID,
		Phone:      optional(phone),
		Status:     StatusActive,
		InvitedAt:  now,
		AcceptedAt: &now,
		Email:      user.Email,
		Name:       user.Name,
	}
	const insertSQL = `
		INSERT INTO clients (user_id, agent_id, phone, status, invited_at, accepted_at)
		VALUES ($1, $2, $3, 'active', $4, $4)
		RETURNING id
	`
	if err := tx.QueryRow(ctx, insertSQL, c.UserID, c.AgentID, c.Phone, now).Scan(&c.ID); err != nil {
		if db.IsForeignKeyViolation(err) {
			return Client{}, ErrAgentNotFound
		}
		return Client{}, fmt.Errorf("client: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Client{}, fmt.Errorf("client: commit: %w", err)
	}
	return c, nil
}

// GetCurrent returns the caller's client profile and its agent.
func (s *Service) GetCurrent(ctx context.Context, user auth.User) (Current, error) {
	query := `
		SELECT ` + clientColumns + `, COALESCE(au.name, ''), COALESCE(au.email, ''), a.company
		FROM clients c
		JOIN users u ON u.id = c.user_id
		JOIN agents a ON a.id = c.agent_id
		JOIN users au ON au.id = a.user_id
		WHERE c.user_id = $1
		ORDER BY c.accepted_at DESC NULLS LAST
		LIMIT 1
	`
	var cur Current
	c, err := scanClient(s.pool.QueryRow(ctx, query, user.ID), &cur.AgentName, &cur.AgentEmail, &cur.AgentCompany)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Current{}, ErrProfileNotFound
		}
		return Current{}, fmt.Errorf("client: load current: %w", err)
	}
	cur.Client = c
	return cur, nil
}

// DeleteSelf removes the caller's client profile. The user row stays.
func (s *Service) DeleteSelf(ctx context.Context, user auth.User) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("client: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT ` + clientColumns + `
		FROM clients c
		JOIN users u ON u.id = c.user_id
		WHERE c.user_id = $1
		ORDER BY c.accepted_at DESC NULLS LAST
		LIMIT 1
		FOR UPDATE OF c
	`
	c, err := scanClient(tx.QueryRow(ctx, query, user.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrProfileNotFound
		}
		return fmt.Errorf("client: load current: %w", err)
	}
	if err := deleteClient(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("client: commit: %w", err)
	}
	return nil
}

// AddDemo creates an immediately active demo client backed by a synthetic
// user.
func (s *Service) AddDemo(ctx context.Context, actor auth.Profile, in DemoInput) (Client, error) {
	if err := requireAgent(actor); err != nil {
		return Client{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Client{}, ErrNameRequired
	}
	now := s.now().UTC()
	email := strings.TrimSpace(in.Email)
	if email == "" {
		email = fmt.Sprintf("demo_%d@example.com", now.UnixMilli())
	} else if _, err := normalizeEmail(email); err != nil {
		return Client{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Client{}, fmt.Errorf("client: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c := Client{
		AgentID:     actor.AgentID,
		Phone:       optional(in.Phone),
		Status:      StatusActive,
		IsDemo:      true,
		DemoData:    in.DemoData,
		InvitedAt:   now,
		AcceptedAt:  &now,
		Email:       email,
		Name:        name,
		Placeholder: true,
	}
	const userSQL = `
		INSERT INTO users (subject, email, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id
	`
	if err := tx.QueryRow(ctx, userSQL, auth.DemoSubject(email, now), email, name, now).Scan(&c.UserID); err != nil {
		return Client{}, fmt.Errorf("client: insert demo user: %w", err)
	}
	const clientSQL = `
		INSERT INTO clients (user_id, agent_id, phone, status, is_demo, demo_data, invited_at, accepted_at)
		VALUES ($1, $2, $3, 'active', true, $4, $5, $5)
		RETURNING id
	`
	if err := tx.QueryRow(ctx, clientSQL, c.UserID, c.AgentID, c.Phone, c.DemoData, now).Scan(&c.ID); err != nil {
		return Client{}, fmt.Errorf("client: insert demo client: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Client{}, fmt.Errorf("client: commit: %w", err)
	}
	return c, nil
}
