package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/db"
)

// Repository persists agent profiles.
type Repository interface {
	Create(ctx context.Context, userID string, in ProfileInput, at time.Time) (Agent, error)
	GetByUser(ctx context.Context, userID string) (Agent, error)
	Update(ctx context.Context, a Agent) error
	UpdateSubscription(ctx context.Context, agentID string, status SubscriptionStatus, endsAt *time.Time, at time.Time) error
	Delete(ctx context.Context, agentID string) (int, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool db.Pool
}

// NewRepository creates a PostgreSQL-backed agent repository.
func NewRepository(pool db.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const agentColumns = `a.id, a.user_id, a.phone, a.company, a.license_number, a.subscription_status,
	a.subscription_ends_at, a.created_at, a.updated_at, COALESCE(u.name, ''), COALESCE(u.email, '')`

func scanAgent(row pgx.Row) (Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Phone,
		&a.Company,
		&a.LicenseNumber,
		&a.SubscriptionStatus,
		&a.SubscriptionEndsAt,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.Name,
		&a.Email,
	)
	return a, err
}

// Create inserts a trial agent profile for userID.
func (r *PGRepository) Create(ctx context.Context, userID string, in ProfileInput, at time.Time) (Agent, error) {
	const insertSQL = `
		INSERT INTO agents (user_id, phone, company, license_number, subscription_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'trial', $5, $5)
		RETURNING id
	`
	var id string
	if err := r.pool.QueryRow(ctx, insertSQL, userID, in.Phone, in.Company, in.LicenseNumber, at).Scan(&id); err != nil {
		if db.IsUniqueViolation(err) {
			return Agent{}, ErrExists
		}
		return Agent{}, fmt.Errorf("agent: insert: %w", err)
	}
	return r.GetByUser(ctx, userID)
}

// GetByUser loads the agent profile of a user.
func (r *PGRepository) GetByUser(ctx context.Context, userID string) (Agent, error) {
	query := `
		SELECT ` + agentColumns + `
		FROM agents a
		JOIN users u ON u.id = a.user_id
		WHERE a.user_id = $1
	`
	a, err := scanAgent(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("agent: load: %w", err)
	}
	return a, nil
}

// Update writes the editable profile fields.
func (r *PGRepository) Update(ctx context.Context, a Agent) error {
	const updateSQL = `
		UPDATE agents
		SET phone = $2, company = $3, license_number = $4, updated_at = $5
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, updateSQL, a.ID, a.Phone, a.Company, a.LicenseNumber, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("agent: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSubscription sets the subscription state of an agent.
func (r *PGRepository) UpdateSubscription(ctx context.Context, agentID string, status SubscriptionStatus, endsAt *time.Time, at time.Time) error {
	const updateSQL = `
		UPDATE agents
		SET subscription_status = $2, subscription_ends_at = $3, updated_at = $4
		WHERE id::text = $1
	`
	tag, err := r.pool.Exec(ctx, updateSQL, agentID, string(status), endsAt, at)
	if err != nil {
		return fmt.Errorf("agent: update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an agent together with its clients, their invitations and
// any placeholder users behind them. Agents owning deals are kept because
// deals are never hard-deleted.
func (r *PGRepository) Delete(ctx context.Context, agentID string) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("agent: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var ownsDeals bool
	const lockSQL = `
		SELECT EXISTS (SELECT 1 FROM deals WHERE agent_id = a.id)
		FROM agents a
		WHERE a.id = $1
		FOR UPDATE
	`
	if err := tx.QueryRow(ctx, lockSQL, agentID).Scan(&ownsDeals); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("agent: lock: %w", err)
	}
	if ownsDeals {
		return 0, ErrHasDeals
	}

	if _, err := tx.Exec(ctx, `DELETE FROM invitations WHERE agent_id = $1`, agentID); err != nil {
		return 0, fmt.Errorf("agent: delete invitations: %w", err)
	}

	rows, err := tx.Query(ctx, `DELETE FROM clients WHERE agent_id = $1 RETURNING user_id`, agentID)
	if err != nil {
		return 0, fmt.Errorf("agent: delete clients: %w", err)
	}
	userIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("agent: collect clients: %w", err)
	}

	if len(userIDs) > 0 {
		const placeholdersSQL = `
			DELETE FROM users
			WHERE id::text = ANY($1)
			  AND (starts_with(subject, 'pending_') OR starts_with(subject, 'demo_'))
		`
		if _, err := tx.Exec(ctx, placeholdersSQL, userIDs); err != nil {
			return 0, fmt.Errorf("agent: delete placeholder users: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM agents WHERE id = $1`, agentID); err != nil {
		return 0, fmt.Errorf("agent: delete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("agent: commit: %w", err)
	}
	return len(userIDs), nil
}
