package deal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dealflow/auth"
	"dealflow/db"
)

// Service owns deals and their revision log.
type Service struct {
	pool      db.Pool
	revisions *Revisions
	logger    *zap.Logger
	now       func() time.Time
}

// NewService wires the deal service. revisions and logger may be nil.
func NewService(pool db.Pool, revisions *Revisions, logger *zap.Logger) *Service {
	if revisions == nil {
		revisions = NewRevisions(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pool:      pool,
		revisions: revisions,
		logger:    logger,
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

func requireAgent(actor auth.Profile) error {
	if !actor.IsAgent() {
		return ErrAgentRequired
	}
	return nil
}

// Create inserts a deal and its first revision.
func (s *Service) Create(ctx context.Context, actor auth.Profile, in CreateInput) (Deal, error) {
	if err := requireAgent(actor); err != nil {
		return Deal{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Deal{}, ErrTitleRequired
	}
	if in.Status == "" {
		in.Status = StatusDraft
	}
	if in.Stage == "" {
		in.Stage = StageLead
	}
	if !in.Status.Valid() {
		return Deal{}, ErrInvalidStatus
	}
	if !in.Stage.Valid() {
		return Deal{}, ErrInvalidStage
	}
	if (in.ListPrice != nil && *in.ListPrice < 0) || (in.OfferPrice != nil && *in.OfferPrice < 0) {
		return Deal{}, ErrInvalidPrice
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		message = "Deal created"
	}

	now := s.now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO deals (agent_id, title, description, property_address, property_type, list_price,
		                   offer_price, status, stage, target_close_date, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING id
	`
	var dealID string
	if err := tx.QueryRow(ctx, insertSQL,
		actor.AgentID,
		title,
		trimmed(in.Description),
		trimmed(in.PropertyAddress),
		trimmed(in.PropertyType),
		in.ListPrice,
		in.OfferPrice,
		string(in.Status),
		string(in.Stage),
		in.TargetCloseDate,
		actor.User.ID,
		now,
	).Scan(&dealID); err != nil {
		return Deal{}, fmt.Errorf("deal: insert: %w", err)
	}

	d, rev, err := s.revisions.Append(ctx, tx, AppendInput{
		DealID:     dealID,
		ModifiedBy: actor.User.ID,
		At:         now,
		ChangeType: ChangeCreated,
		Message:    message,
	})
	if err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit: %w", err)
	}
	s.revisions.Committed(rev)
	s.logger.Info("deal created", zap.String("deal_id", d.ID), zap.String("agent_id", d.AgentID))
	return d, nil
}

// Update applies patch and records one revision describing the difference.
// A patch that changes nothing records nothing.
func (s *Service) Update(ctx context.Context, actor auth.Profile, dealID string, patch Patch, message string) (Deal, error) {
	if err := requireAgent(actor); err != nil {
		return Deal{}, err
	}
	if err := validatePatch(patch); err != nil {
		return Deal{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := LockForAgent(ctx, tx, actor.AgentID, dealID)
	if err != nil {
		return Deal{}, err
	}

	next, changes, changeType := applyPatch(current, patch)
	if changeType == "" {
		return current, nil
	}

	message = strings.TrimSpace(message)
	if message == "" && changeType == ChangeStage {
		message = fmt.Sprintf("Stage changed from %s to %s", current.Stage, next.Stage)
	}

	now := s.now().UTC()
	const updateSQL = `
		UPDATE deals
		SET title = $2, description = $3, property_address = $4, property_type = $5,
		    list_price = $6, offer_price = $7, status = $8, stage = $9,
		    target_close_date = $10, actual_close_date = $11
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, updateSQL,
		next.ID,
		next.Title,
		next.Description,
		next.PropertyAddress,
		next.PropertyType,
		next.ListPrice,
		next.OfferPrice,
		string(next.Status),
		string(next.Stage),
		next.TargetCloseDate,
		next.ActualCloseDate,
	); err != nil {
		return Deal{}, fmt.Errorf("deal: update: %w", err)
	}

	updated, rev, err := s.revisions.Append(ctx, tx, AppendInput{
		DealID:     dealID,
		ModifiedBy: actor.User.ID,
		At:         now,
		ChangeType: changeType,
		Changes:    changes,
		Message:    message,
	})
	if err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit: %w", err)
	}
	s.revisions.Committed(rev)
	return updated, nil
}

// UpdateStage moves a deal to stage.
func (s *Service) UpdateStage(ctx context.Context, actor auth.Profile, dealID string, stage Stage, message string) (Deal, error) {
	if !stage.Valid() {
		return Deal{}, ErrInvalidStage
	}
	return s.Update(ctx, actor, dealID, Patch{Stage: &stage}, message)
}

// Remove soft-deletes a deal. Its history stays readable.
func (s *Service) Remove(ctx context.Context, actor auth.Profile, dealID string) error {
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
	if _, err := tx.Exec(ctx, `UPDATE deals SET is_deleted = true WHERE id = $1`, dealID); err != nil {
		return fmt.Errorf("deal: soft delete: %w", err)
	}

	_, rev, err := s.revisions.Append(ctx, tx, AppendInput{
		DealID:     dealID,
		ModifiedBy: actor.User.ID,
		At:         s.now().UTC(),
		ChangeType: ChangeDeleted,
		Message:    "Deal deleted",
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("deal: commit: %w", err)
	}
	s.revisions.Committed(rev)
	s.logger.Info("deal deleted", zap.String("deal_id", dealID))
	return nil
}

// Get returns a deal with its participants, full history and live document
// count.
func (s *Service) Get(ctx context.Context, actor auth.Profile, dealID string) (Detail, error) {
	d, err := Authorize(ctx, s.pool, actor, dealID, false)
	if err != nil {
		return Detail{}, err
	}

	participants, err := loadParticipants(ctx, s.pool, []string{d.ID})
	if err != nil {
		return Detail{}, err
	}
	revisions, err := s.revisions.History(ctx, s.pool, d.ID, 0)
	if err != nil {
		return Detail{}, err
	}

	var documents int
	const countSQL = `SELECT COUNT(*) FROM documents WHERE deal_id = $1 AND NOT is_deleted`
	if err := s.pool.QueryRow(ctx, countSQL, d.ID).Scan(&documents); err != nil {
		return Detail{}, fmt.Errorf("deal: count documents: %w", err)
	}

	return Detail{
		Deal:          d,
		Clients:       participants[d.ID],
		Revisions:     revisions,
		DocumentCount: documents,
	}, nil
}

// List returns the live deals visible to actor, optionally filtered by status.
func (s *Service) List(ctx context.Context, actor auth.Profile, status Status) ([]Summary, error) {
	if status != "" && !status.Valid() {
		return nil, ErrInvalidStatus
	}

	var (
		deals []Deal
		err   error
	)
	switch {
	case actor.IsAgent():
		const agentSQL = `
			SELECT ` + dealColumns + `
			FROM deals
			WHERE agent_id = $1 AND NOT is_deleted AND ($2 = '' OR status = $2)
			ORDER BY updated_at DESC
		`
		rows, qerr := s.pool.Query(ctx, agentSQL, actor.AgentID, string(status))
		if qerr != nil {
			return nil, fmt.Errorf("deal: list: %w", qerr)
		}
		deals, err = collectDeals(rows)
	case actor.IsClient():
		const clientSQL = `
			SELECT ` + dealColumns + `
			FROM deals d
			WHERE NOT d.is_deleted AND ($2 = '' OR d.status = $2)
			  AND EXISTS (
			      SELECT 1
			      FROM deal_clients dc
			      JOIN clients c ON c.id = dc.client_id
			      WHERE dc.deal_id = d.id AND c.user_id = $1 AND c.status = 'active'
			  )
			ORDER BY d.updated_at DESC
		`
		rows, qerr := s.pool.Query(ctx, clientSQL, actor.User.ID, string(status))
		if qerr != nil {
			return nil, fmt.Errorf("deal: list: %w", qerr)
		}
		deals, err = collectDeals(rows)
	default:
		return []Summary{}, nil
	}
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(deals))
	for i, d := range deals {
		ids[i] = d.ID
	}
	participants, err := loadParticipants(ctx, s.pool, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Summary, len(deals))
	for i, d := range deals {
		out[i] = Summary{Deal: d, Clients: participants[d.ID]}
	}
	return out, nil
}

// RevisionHistory returns up to limit revisions, newest first. The owning
// agent can read the history of a deleted deal.
func (s *Service) RevisionHistory(ctx context.Context, actor auth.Profile, dealID string, limit int) ([]Revision, error) {
	if _, err := Authorize(ctx, s.pool, actor, dealID, true); err != nil {
		return nil, err
	}
	return s.revisions.History(ctx, s.pool, dealID, limit)
}

// RevisionAt returns the revision numbered n, which carries the full deal
// state as of that point.
func (s *Service) RevisionAt(ctx context.Context, actor auth.Profile, dealID string, n int) (Revision, error) {
	if n <= 0 {
		return Revision{}, ErrRevisionNotFound
	}
	if _, err := Authorize(ctx, s.pool, actor, dealID, true); err != nil {
		return Revision{}, err
	}
	return s.revisions.At(ctx, s.pool, dealID, n)
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
