package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"dealflow/auth"
	"dealflow/events"
)

// AddAsAgent invites a client by email. A fresh placeholder user is always
// created with the agent-supplied name, whether or not someone already
// registered that address, so the response never reveals existing accounts.
func (s *Service) AddAsAgent(ctx context.Context, actor auth.Profile, in AddInput) (Client, error) {
	if err := requireAgent(actor); err != nil {
		return Client{}, err
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return Client{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Client{}, ErrNameRequired
	}

	token, err := newInvitationToken()
	if err != nil {
		return Client{}, err
	}
	now := s.now().UTC()
	expiresAt := now.Add(s.cfg.InvitationTTL)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Client{}, fmt.Errorf("client: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialises concurrent invitations by the same agent.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM agents WHERE id = $1 FOR UPDATE`, actor.AgentID); err != nil {
		return Client{}, fmt.Errorf("client: lock agent: %w", err)
	}

	const lookupSQL = `
		SELECT EXISTS (
		           SELECT 1
		           FROM clients c
		           JOIN users u ON u.id = c.user_id
		           WHERE c.agent_id = $1 AND lower(u.email) = lower($2)
		       ),
		       (
		           SELECT id
		           FROM users
		           WHERE lower(email) = lower($2)
		             AND NOT starts_with(subject, 'pending_')
		             AND NOT starts_with(subject, 'demo_')
		           ORDER BY created_at
		           LIMIT 1
		       )
	`
	var (
		duplicate    bool
		targetUserID *string
	)
	if err := tx.QueryRow(ctx, lookupSQL, actor.AgentID, email).Scan(&duplicate, &targetUserID); err != nil {
		return Client{}, fmt.Errorf("client: lookup email: %w", err)
	}
	if duplicate {
		return Client{}, ErrDuplicate
	}

	c := Client{
		AgentID:             actor.AgentID,
		Phone:               optional(in.Phone),
		Status:              StatusInvited,
		InvitationExpiresAt: &expiresAt,
		RequiresConsent:     targetUserID != nil,
		InvitedAt:           now,
		Email:               email,
		Name:                name,
		Placeholder:         true,
	}

	const userSQL = `
		INSERT INTO users (subject, email, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id
	`
	if err := tx.QueryRow(ctx, userSQL, auth.PlaceholderSubject(email, now), email, name, now).Scan(&c.UserID); err != nil {
		return Client{}, fmt.Errorf("client: insert placeholder user: %w", err)
	}

	const clientSQL = `
		INSERT INTO clients (user_id, agent_id, phone, status, invitation_token, invitation_expires_at, requires_consent, invited_at)
		VALUES ($1, $2, $3, 'invited', $4, $5, $6, $7)
		RETURNING id
	`
	if err := tx.QueryRow(ctx, clientSQL, c.UserID, c.AgentID, c.Phone, token, expiresAt, c.RequiresConsent, now).Scan(&c.ID); err != nil {
		return Client{}, fmt.Errorf("client: insert: %w", err)
	}

	metadata, err := json.Marshal(map[string]any{
		"isExistingUser": targetUserID != nil,
		"targetUserId":   targetUserID,
	})
	if err != nil {
		return Client{}, fmt.Errorf("client: marshal invitation metadata: %w", err)
	}
	if err := insertInvitation(ctx, tx, c, email, token, InvitationPending, expiresAt, now, string(metadata)); err != nil {
		return Client{}, err
	}

	if err := events.Enqueue(ctx, tx, events.TopicClientInvited, map[string]any{
		"clientId":  c.ID,
		"agentId":   c.AgentID,
		"email":     email,
		"expiresAt": expiresAt,
	}); err != nil {
		return Client{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Client{}, fmt.Errorf("client: commit: %w", err)
	}
	s.logger.Info("client invited", zap.String("client_id", c.ID), zap.String("agent_id", c.AgentID))
	return c, nil
}

func insertInvitation(ctx context.Context, tx pgx.Tx, c Client, email, token string, status InvitationStatus, expiresAt, now time.Time, metadata any) error {
	var sentAt *time.Time
	if status == InvitationSent {
		sentAt = &now
	}
	const insertSQL = `
		INSERT INTO invitations (agent_id, client_id, email, token, status, sent_at, expires_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
	`
	if _, err := tx.Exec(ctx, insertSQL, c.AgentID, c.ID, email, token, string(status), sentAt, expiresAt, metadata, now); err != nil {
		return fmt.Errorf("client: insert invitation: %w", err)
	}
	return nil
}

// Accept claims an invitation for redeemer: the client row is repointed from
// its placeholder user to the redeemer and the placeholder is deleted, all in
// one transaction. The token stays on the client, so replaying it hits the
// already-accepted guard.
func (s *Service) Accept(ctx context.Context, redeemer auth.User, token string) (Client, error) {
	if strings.TrimSpace(token) == "" {
		return Client{}, ErrInvalidInvitation
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Client{}, fmt.Errorf("client: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT ` + clientColumns + `
		FROM clients c
		JOIN users u ON u.id = c.user_id
		WHERE c.invitation_token = $1
		FOR UPDATE OF c
	`
	c, err := scanClient(tx.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Client{}, ErrInvalidInvitation
		}
		return Client{}, fmt.Errorf("client: load invitation: %w", err)
	}

	now := s.now().UTC()
	switch {
	case c.InvitationExpiresAt != nil && c.InvitationExpiresAt.Before(now):
		return Client{}, ErrInvitationExpired
	case !c.Placeholder:
		return Client{}, ErrAlreadyAccepted
	case s.cfg.RequireEmailMatch && !strings.EqualFold(strings.TrimSpace(redeemer.Email), c.Email):
		return Client{}, ErrEmailMismatch
	}

	placeholderID := c.UserID
	const claimSQL = `
		UPDATE clients
		SET user_id = $2, status = 'active', accepted_at = $3, invitation_expires_at = NULL, requires_consent = false
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, claimSQL, c.ID, redeemer.ID, now); err != nil {
		return Client{}, fmt.Errorf("client: claim: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, placeholderID); err != nil {
		return Client{}, fmt.Errorf("client: delete placeholder user: %w", err)
	}
	const invitationSQL = `
		UPDATE invitations
		SET status = 'accepted', accepted_at = $2, accepted_by = $3
		WHERE token = $1
	`
	if _, err := tx.Exec(ctx, invitationSQL, token, now, redeemer.Email); err != nil {
		return Client{}, fmt.Errorf("client: mark invitation accepted: %w", err)
	}

	if err := events.Enqueue(ctx, tx, events.TopicInvitationAccepted, map[string]any{
		"clientId":   c.ID,
		"agentId":    c.AgentID,
		"userId":     redeemer.ID,
		"acceptedAt": now,
	}); err != nil {
		return Client{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Client{}, fmt.Errorf("client: commit: %w", err)
	}

	c.UserID = redeemer.ID
	c.Status = StatusActive
	c.AcceptedAt = &now
	c.InvitationExpiresAt = nil
	c.RequiresConsent = false
	c.Email = redeemer.Email
	c.Name = redeemer.Name
	c.Placeholder = false
	return c, nil
}

// InvitationDetails describes an invitation to an unauthenticated visitor.
func (s *Service) InvitationDetails(ctx context.Context, token string) (InvitationDetails, error) {
	const selectSQL = `
		SELECT c.invitation_expires_at, cu.subject,
		       COALESCE(au.name, ''), a.company, COALESCE(c.display_name, cu.name, '')
		FROM clients c
		JOIN users cu ON cu.id = c.user_id
		JOIN agents a ON a.id = c.agent_id
		JOIN users au ON au.id = a.user_id
		WHERE c.invitation_token = $1
	`
	var (
		expiresAt *time.Time
		subject   string
		details   InvitationDetails
	)
	err := s.pool.QueryRow(ctx, selectSQL, token).Scan(
		&expiresAt,
		&subject,
		&details.AgentName,
		&details.AgentCompany,
		&details.ClientName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InvitationDetails{Error: "Invalid invitation token"}, nil
		}
		return InvitationDetails{}, fmt.Errorf("client: invitation details: %w", err)
	}

	switch {
	case expiresAt != nil && expiresAt.Before(s.now()):
		return InvitationDetails{Error: "This invitation has expired"}, nil
	case !auth.IsPlaceholderSubject(subject):
		return InvitationDetails{Error: "This invitation has already been accepted"}, nil
	}

	if details.AgentName == "" {
		details.AgentName = "Unknown Agent"
	}
	if details.ClientName == "" {
		details.ClientName = "Unknown Client"
	}
	if expiresAt != nil {
		details.ExpiresAt = *expiresAt
	}
	details.Valid = true
	return details, nil
}

// PendingInvitations lists open invitations addressed to user's email.
func (s *Service) PendingInvitations(ctx context.Context, user auth.User) ([]PendingInvitation, error) {
	if strings.TrimSpace(user.Email) == "" {
		return nil, nil
	}
	const selectSQL = `
		SELECT i.id, COALESCE(au.name, ''), a.company, i.created_at, i.expires_at, i.token
		FROM invitations i
		JOIN clients c ON c.id = i.client_id
		JOIN agents a ON a.id = i.agent_id
		JOIN users au ON au.id = a.user_id
		WHERE lower(i.email) = lower($1) AND i.status = 'pending'
		ORDER BY i.created_at DESC
	`
	rows, err := s.pool.Query(ctx, selectSQL, user.Email)
	if err != nil {
		return nil, fmt.Errorf("client: pending invitations: %w", err)
	}
	defer rows.Close()

	var out []PendingInvitation
	for rows.Next() {
		var p PendingInvitation
		if err := rows.Scan(&p.ID, &p.AgentName, &p.AgentCompany, &p.InvitedAt, &p.ExpiresAt, &p.Token); err != nil {
			return nil, fmt.Errorf("client: scan invitation: %w", err)
		}
		if p.AgentName == "" {
			p.AgentName = "Unknown Agent"
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("client: iterate invitations: %w", err)
	}
	return out, nil
}

// GenerateInvitationLink mints a new invitation token for a client that has
// not been claimed yet. Demo clients go through ConvertDemo first.
func (s *Service) GenerateInvitationLink(ctx context.Context, actor auth.Profile, clientID string) (InvitationLink, error) {
	if err := requireAgent(actor); err != nil {
		return InvitationLink{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return InvitationLink{}, fmt.Errorf("client: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := loadOwned(ctx, tx, actor, clientID, true)
	if err != nil {
		return InvitationLink{}, err
	}
	if c.IsDemo {
		return InvitationLink{}, ErrDemoClient
	}
	if c.Email == "" {
		return InvitationLink{}, ErrNoEmail
	}
	if !c.Placeholder {
		return InvitationLink{}, ErrClaimed
	}

	link, err := s.reinvite(ctx, tx, c, InvitationSent)
	if err != nil {
		return InvitationLink{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return InvitationLink{}, fmt.Errorf("client: commit: %w", err)
	}
	return link, nil
}

// reinvite puts c back into the invited state under a new token and records
// an invitation with the given status.
func (s *Service) reinvite(ctx context.Context, tx pgx.Tx, c Client, status InvitationStatus) (InvitationLink, error) {
	token, err := newInvitationToken()
	if err != nil {
		return InvitationLink{}, err
	}
	now := s.now().UTC()
	expiresAt := now.Add(s.cfg.InvitationTTL)

	const updateSQL = `
		UPDATE clients
		SET invitation_token = $2, invitation_expires_at = $3, status = 'invited', is_demo = false
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, updateSQL, c.ID, token, expiresAt); err != nil {
		return InvitationLink{}, fmt.Errorf("client: reset invitation: %w", err)
	}
	// Earlier tokens stop working once the client row moves on.
	if _, err := tx.Exec(ctx, `DELETE FROM invitations WHERE client_id = $1 AND status <> 'accepted'`, c.ID); err != nil {
		return InvitationLink{}, fmt.Errorf("client: drop stale invitations: %w", err)
	}
	if err := insertInvitation(ctx, tx, c, c.Email, token, status, expiresAt, now, nil); err != nil {
		return InvitationLink{}, err
	}
	if err := events.Enqueue(ctx, tx, events.TopicClientInvited, map[string]any{
		"clientId":  c.ID,
		"agentId":   c.AgentID,
		"email":     c.Email,
		"expiresAt": expiresAt,
	}); err != nil {
		return InvitationLink{}, err
	}
	return InvitationLink{
		Token:     token,
		URL:       s.cfg.AppBaseURL + "/invite/" + token,
		ExpiresAt: expiresAt,
	}, nil
}

// ConvertDemo turns demo clients into invited ones, optionally issuing
// invitations to those with a real-looking address. Each client is converted
// in its own transaction.
func (s *Service) ConvertDemo(ctx context.Context, actor auth.Profile, clientIDs []string, sendInvitations bool) (ConvertResult, error) {
	if err := requireAgent(actor); err != nil {
		return ConvertResult{}, err
	}
	result := ConvertResult{Errors: []string{}}
	for _, id := range clientIDs {
		sent, err := s.convertOne(ctx, actor, id, sendInvitations)
		switch {
		case errors.Is(err, ErrNotFound):
			result.Errors = append(result.Errors, fmt.Sprintf("Client %s not found", id))
		case errors.Is(err, ErrForeign):
			result.Errors = append(result.Errors, fmt.Sprintf("Client %s does not belong to this agent", id))
		case errors.Is(err, errNotDemo):
			result.Errors = append(result.Errors, fmt.Sprintf("Client %s is not a demo client", id))
		case err != nil:
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			s.logger.Warn("demo conversion failed", zap.String("client_id", id), zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("Error converting client %s: %v", id, err))
		default:
			result.Converted++
			if sent {
				result.InvitationsSent++
			}
		}
	}
	return result, nil
}

var errNotDemo = errors.New("client: not a demo client")

func (s *Service) convertOne(ctx context.Context, actor auth.Profile, clientID string, sendInvitation bool) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("client: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := loadOwned(ctx, tx, actor, clientID, true)
	if err != nil {
		return false, err
	}
	if !c.IsDemo {
		return false, errNotDemo
	}

	sent := false
	if sendInvitation && c.Email != "" && !strings.Contains(c.Email, "@example.com") {
		if _, err := s.reinvite(ctx, tx, c, InvitationPending); err != nil {
			return false, err
		}
		sent = true
	} else {
		const updateSQL = `UPDATE clients SET is_demo = false, status = 'invited' WHERE id = $1`
		if _, err := tx.Exec(ctx, updateSQL, c.ID); err != nil {
			return false, fmt.Errorf("client: convert demo: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("client: commit: %w", err)
	}
	return sent, nil
}
