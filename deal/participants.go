package deal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dealflow/auth"
	"dealflow/db"
)

// AddClient associates one of the agent's clients with a deal.
func (s *Service) AddClient(ctx context.Context, actor auth.Profile, dealID, clientID string, role Role) (Participant, error) {
	if err := requireAgent(actor); err != nil {
		return Participant{}, err
	}
	if !role.Valid() {
		return Participant{}, ErrInvalidRole
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Participant{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := LockForAgent(ctx, tx, actor.AgentID, dealID); err != nil {
		return Participant{}, err
	}

	p, ownerAgentID, err := loadClient(ctx, tx, clientID)
	if err != nil {
		return Participant{}, err
	}
	if ownerAgentID != actor.AgentID {
		return Participant{}, ErrForeignClient
	}

	now := s.now().UTC()
	const insertSQL = `
		INSERT INTO deal_clients (deal_id, client_id, role, added_at, added_by)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, insertSQL, dealID, clientID, string(role), now, actor.User.ID); err != nil {
		if db.IsUniqueViolation(err) {
			return Participant{}, ErrAlreadyAssociated
		}
		return Participant{}, fmt.Errorf("deal: add client: %w", err)
	}
	p.Role = role
	p.AddedAt = now
	p.AddedBy = actor.User.ID

	_, rev, err := s.revisions.Append(ctx, tx, AppendInput{
		DealID:     dealID,
		ModifiedBy: actor.User.ID,
		At:         now,
		ChangeType: ChangeClient,
		Changes: map[string]any{
			"action":     "added",
			"clientId":   clientID,
			"clientName": p.DisplayName,
			"role":       role,
		},
		Message: fmt.Sprintf("Added %s as %s", p.DisplayName, role),
	})
	if err != nil {
		return Participant{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Participant{}, fmt.Errorf("deal: commit: %w", err)
	}
	s.revisions.Committed(rev)
	return p, nil
}

// RemoveClient drops a client from a deal.
func (s *Service) RemoveClient(ctx context.Context, actor auth.Profile, dealID, clientID string) error {
	if err := requireAgent(actor); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := LockForAgent(ctx, tx, actor.AgentID, dealID); err != nil {
		return err
	}

	var role Role
	const deleteSQL = `DELETE FROM deal_clients WHERE deal_id = $1 AND client_id::text = $2 RETURNING role`
	if err := tx.QueryRow(ctx, deleteSQL, dealID, clientID).Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotAssociated
		}
		return fmt.Errorf("deal: remove client: %w", err)
	}

	p, _, err := loadClient(ctx, tx, clientID)
	if err != nil {
		return err
	}

	_, rev, err := s.revisions.Append(ctx, tx, AppendInput{
		DealID:     dealID,
		ModifiedBy: actor.User.ID,
		At:         s.now().UTC(),
		ChangeType: ChangeClient,
		Changes: map[string]any{
			"action":     "removed",
			"clientId":   clientID,
			"clientName": p.DisplayName,
			"role":       role,
		},
		Message: fmt.Sprintf("Removed %s (%s)", p.DisplayName, role),
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("deal: commit: %w", err)
	}
	s.revisions.Committed(rev)
	return nil
}

func loadClient(ctx context.Context, q db.Querier, clientID string) (Participant, string, error) {
	const selectSQL = `
		SELECT c.id, COALESCE(c.display_name, u.name, u.email, ''), COALESCE(u.email, ''), c.status, c.agent_id
		FROM clients c
		JOIN users u ON u.id = c.user_id
		WHERE c.id::text = $1
	`
	var (
		p       Participant
		agentID string
	)
	if err := q.QueryRow(ctx, selectSQL, clientID).Scan(&p.ClientID, &p.DisplayName, &p.Email, &p.Status, &agentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, "", ErrClientNotFound
		}
		return Participant{}, "", fmt.Errorf("deal: load client: %w", err)
	}
	return p, agentID, nil
}
