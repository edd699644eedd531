package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dealflow/db"
	"dealflow/errs"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = errs.New(errs.NotFound, "User not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errs.New(errs.Conflict, "auth: email already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserBySubject(ctx context.Context, subject string) (User, error)
	UpsertUser(ctx context.Context, identity Identity) (User, error)
	ResolveProfile(ctx context.Context, subject string) (Profile, error)
}

// CreateUserParams contains write parameters for creating users.
type CreateUserParams struct {
	Subject      string
	Email        string
	Name         string
	PasswordHash string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool db.Querier
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id, subject, COALESCE(email, ''), COALESCE(name, ''), COALESCE(password_hash, ''), created_at, updated_at`

// CreateUser inserts a locally registered user. Placeholder rows sharing the
// email do not count as duplicates; only rows with a password do.
func (r *PGRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	const insertSQL = `
		INSERT INTO users (subject, email, name, password_hash)
		SELECT $1, $2, $3, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM users WHERE lower(email) = lower($2) AND password_hash IS NOT NULL
		)
		RETURNING ` + userColumns

	user, err := scanUser(r.pool.QueryRow(ctx, insertSQL, params.Subject, params.Email, params.Name, params.PasswordHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsUniqueViolation(err) {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("auth: create user: %w", err)
	}

	return user, nil
}

// GetUserByEmail retrieves the registered (password-bearing) user for an email.
func (r *PGRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const selectSQL = `
		SELECT ` + userColumns + `
		FROM users
		WHERE lower(email) = lower($1) AND password_hash IS NOT NULL
	`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by email: %w", err)
	}

	return user, nil
}

// GetUserBySubject retrieves a user by identity subject.
func (r *PGRepository) GetUserBySubject(ctx context.Context, subject string) (User, error) {
	const selectSQL = `
		SELECT ` + userColumns + `
		FROM users
		WHERE subject = $1
	`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, subject))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by subject: %w", err)
	}

	return user, nil
}

// UpsertUser creates the users row for identity or refreshes its email and name.
func (r *PGRepository) UpsertUser(ctx context.Context, identity Identity) (User, error) {
	const upsertSQL = `
		INSERT INTO users (subject, email, name)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
		ON CONFLICT (subject) DO UPDATE
		SET email = COALESCE(EXCLUDED.email, users.email),
		    name = COALESCE(EXCLUDED.name, users.name),
		    updated_at = now()
		RETURNING ` + userColumns

	user, err := scanUser(r.pool.QueryRow(ctx, upsertSQL, identity.Subject, identity.Email, identity.Name))
	if err != nil {
		return User{}, fmt.Errorf("auth: upsert user: %w", err)
	}
	return user, nil
}

// ResolveProfile loads the user and its role profile in one round trip. An
// agent row wins over a client row; of several client rows the active one
// accepted most recently is chosen.
func (r *PGRepository) ResolveProfile(ctx context.Context, subject string) (Profile, error) {
	const selectSQL = `
		SELECT u.id, u.subject, COALESCE(u.email, ''), COALESCE(u.name, ''), COALESCE(u.password_hash, ''),
		       u.created_at, u.updated_at,
		       a.id, c.id, c.agent_id
		FROM users u
		LEFT JOIN agents a ON a.user_id = u.id
		LEFT JOIN LATERAL (
			SELECT id, agent_id
			FROM clients
			WHERE user_id = u.id AND status = 'active'
			ORDER BY accepted_at DESC NULLS LAST
			LIMIT 1
		) c ON true
		WHERE u.subject = $1
	`

	var (
		profile       Profile
		agentID       *string
		clientID      *string
		clientAgentID *string
	)
	err := r.pool.QueryRow(ctx, selectSQL, subject).Scan(
		&profile.User.ID,
		&profile.User.Subject,
		&profile.User.Email,
		&profile.User.Name,
		&profile.User.PasswordHash,
		&profile.User.CreatedAt,
		&profile.User.UpdatedAt,
		&agentID,
		&clientID,
		&clientAgentID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrUserNotFound
		}
		return Profile{}, fmt.Errorf("auth: resolve profile: %w", err)
	}

	switch {
	case agentID != nil:
		profile.Kind = ProfileAgent
		profile.AgentID = *agentID
	case clientID != nil:
		profile.Kind = ProfileClient
		profile.ClientID = *clientID
		if clientAgentID != nil {
			profile.ClientAgentID = *clientAgentID
		}
	}
	return profile, nil
}

func scanUser(row pgx.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Subject,
		&user.Email,
		&user.Name,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}
