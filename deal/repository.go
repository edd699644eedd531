package deal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dealflow/auth"
	"dealflow/db"
)

const dealColumns = `id, agent_id, title, description, property_address, property_type,
	list_price, offer_price, status, stage, target_close_date, actual_close_date,
	current_revision, created_by, is_deleted, created_at, updated_at`

func scanDeal(row pgx.Row, extra ...any) (Deal, error) {
	var d Deal
	dest := []any{
		&d.ID,
		&d.AgentID,
		&d.Title,
		&d.Description,
		&d.PropertyAddress,
		&d.PropertyType,
		&d.ListPrice,
		&d.OfferPrice,
		&d.Status,
		&d.Stage,
		&d.TargetCloseDate,
		&d.ActualCloseDate,
		&d.CurrentRevision,
		&d.CreatedBy,
		&d.IsDeleted,
		&d.CreatedAt,
		&d.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Deal{}, err
	}
	return d, nil
}

// LockForAgent loads a live deal owned by agentID and locks its row for the
// rest of q's transaction.
func LockForAgent(ctx context.Context, q db.Querier, agentID, dealID string) (Deal, error) {
	const selectSQL = `SELECT ` + dealColumns + ` FROM deals WHERE id::text = $1 FOR UPDATE`

	d, err := scanDeal(q.QueryRow(ctx, selectSQL, dealID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: lock: %w", err)
	}
	if d.IsDeleted {
		return Deal{}, ErrNotFound
	}
	if d.AgentID != agentID {
		return Deal{}, ErrNotOwner
	}
	return d, nil
}

// Authorize returns the deal when actor may read it: the owning agent, or an
// active client associated with the deal. Soft-deleted deals stay readable by
// their agent only when allowDeleted is set.
func Authorize(ctx context.Context, q db.Querier, actor auth.Profile, dealID string, allowDeleted bool) (Deal, error) {
	const selectSQL = `
		SELECT ` + dealColumns + `,
		       EXISTS (
		           SELECT 1
		           FROM deal_clients dc
		           JOIN clients c ON c.id = dc.client_id
		           WHERE dc.deal_id = d.id AND c.user_id::text = $2 AND c.status = 'active'
		       )
		FROM deals d
		WHERE d.id::text = $1
	`

	var associated bool
	d, err := scanDeal(q.QueryRow(ctx, selectSQL, dealID, actor.User.ID), &associated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: authorize: %w", err)
	}

	owner := actor.IsAgent() && d.AgentID == actor.AgentID
	switch {
	case d.IsDeleted && !(owner && allowDeleted):
		return Deal{}, ErrNotFound
	case owner || associated:
		return d, nil
	default:
		return Deal{}, ErrAccessDenied
	}
}

func loadParticipants(ctx context.Context, q db.Querier, dealIDs []string) (map[string][]Participant, error) {
	out := make(map[string][]Participant, len(dealIDs))
	if len(dealIDs) == 0 {
		return out, nil
	}

	const selectSQL = `
		SELECT dc.deal_id, dc.client_id, COALESCE(c.display_name, u.name, u.email, ''), COALESCE(u.email, ''),
		       c.status, dc.role, dc.added_at, dc.added_by
		FROM deal_clients dc
		JOIN clients c ON c.id = dc.client_id
		JOIN users u ON u.id = c.user_id
		WHERE dc.deal_id::text = ANY($1)
		ORDER BY dc.added_at
	`
	rows, err := q.Query(ctx, selectSQL, dealIDs)
	if err != nil {
		return nil, fmt.Errorf("deal: list participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			dealID string
			p      Participant
		)
		if err := rows.Scan(&dealID, &p.ClientID, &p.DisplayName, &p.Email, &p.Status, &p.Role, &p.AddedAt, &p.AddedBy); err != nil {
			return nil, fmt.Errorf("deal: scan participant: %w", err)
		}
		out[dealID] = append(out[dealID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate participants: %w", err)
	}
	return out, nil
}

func collectDeals(rows pgx.Rows) ([]Deal, error) {
	defer rows.Close()
	var out []Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("deal: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate: %w", err)
	}
	return out, nil
}
