package deal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/db"
	"dealflow/events"
)

// Observer is told about every committed revision.
type Observer interface {
	RevisionAppended(changeType string)
}

// AppendInput describes a revision to record.
type AppendInput struct {
	DealID     string
	ModifiedBy string
	At         time.Time
	ChangeType ChangeType
	Changes    map[string]any
	Message    string
}

// Revisions appends to and reads from the per-deal revision log.
//
// Append bumps deals.current_revision with a single UPDATE … RETURNING, so the
// row lock it takes orders concurrent writers and the number it returns is
// the next gapless sequence value. The revision row and its outbox event are
// written in the caller's transaction; the deal pointer and the latest
// revision therefore always commit together.
type Revisions struct {
	observer Observer
}

// NewRevisions returns a revision log helper. observer may be nil.
func NewRevisions(observer Observer) *Revisions {
	return &Revisions{observer: observer}
}

// Append records a revision inside q's transaction and returns the deal state
// after the write together with the new revision.
func (r *Revisions) Append(ctx context.Context, q db.Querier, in AppendInput) (Deal, Revision, error) {
	const bumpSQL = `
		UPDATE deals
		SET current_revision = current_revision + 1, updated_at = $2
		WHERE id = $1
		RETURNING ` + dealColumns

	current, err := scanDeal(q.QueryRow(ctx, bumpSQL, in.DealID, in.At))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, Revision{}, ErrNotFound
		}
		return Deal{}, Revision{}, fmt.Errorf("deal: bump revision: %w", err)
	}

	rev := Revision{
		DealID:         in.DealID,
		RevisionNumber: current.CurrentRevision,
		ModifiedBy:     in.ModifiedBy,
		ModifiedAt:     in.At,
		ChangeType:     in.ChangeType,
		Changes:        in.Changes,
		Snapshot:       current.Snapshot(),
		Message:        in.Message,
	}

	var changes any
	if len(in.Changes) > 0 {
		raw, err := json.Marshal(in.Changes)
		if err != nil {
			return Deal{}, Revision{}, fmt.Errorf("deal: marshal changes: %w", err)
		}
		changes = string(raw)
	}
	snapshot, err := json.Marshal(rev.Snapshot)
	if err != nil {
		return Deal{}, Revision{}, fmt.Errorf("deal: marshal snapshot: %w", err)
	}

	const insertSQL = `
		INSERT INTO deal_revisions (deal_id, revision_number, modified_by, modified_at, change_type, changes, snapshot, message)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, NULLIF($8, ''))
		RETURNING id
	`
	if err := q.QueryRow(ctx, insertSQL,
		rev.DealID,
		rev.RevisionNumber,
		rev.ModifiedBy,
		rev.ModifiedAt,
		string(rev.ChangeType),
		changes,
		string(snapshot),
		rev.Message,
	).Scan(&rev.ID); err != nil {
		return Deal{}, Revision{}, fmt.Errorf("deal: insert revision: %w", err)
	}

	if err := events.Enqueue(ctx, q, events.TopicRevisionAppended, map[string]any{
		"dealId":         rev.DealID,
		"revisionId":     rev.ID,
		"revisionNumber": rev.RevisionNumber,
		"changeType":     rev.ChangeType,
		"modifiedBy":     rev.ModifiedBy,
	}); err != nil {
		return Deal{}, Revision{}, err
	}

	return current, rev, nil
}

// Committed reports revisions whose transaction has committed.
func (r *Revisions) Committed(revs ...Revision) {
	if r == nil || r.observer == nil {
		return
	}
	for _, rev := range revs {
		r.observer.RevisionAppended(string(rev.ChangeType))
	}
}

const revisionColumns = `
	r.id, r.deal_id, r.revision_number, r.modified_by, COALESCE(u.name, u.email, ''),
	r.modified_at, r.change_type, r.changes, r.snapshot, COALESCE(r.message, '')`

// History returns up to limit revisions of a deal, newest first. limit <= 0
// returns all of them.
func (r *Revisions) History(ctx context.Context, q db.Querier, dealID string, limit int) ([]Revision, error) {
	query := `
		SELECT ` + revisionColumns + `
		FROM deal_revisions r
		JOIN users u ON u.id = r.modified_by
		WHERE r.deal_id = $1
		ORDER BY r.revision_number DESC
	`
	args := []any{dealID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("deal: list revisions: %w", err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate revisions: %w", err)
	}
	return out, nil
}

// At returns revision n of a deal.
func (r *Revisions) At(ctx context.Context, q db.Querier, dealID string, n int) (Revision, error) {
	query := `
		SELECT ` + revisionColumns + `
		FROM deal_revisions r
		JOIN users u ON u.id = r.modified_by
		WHERE r.deal_id = $1 AND r.revision_number = $2
	`
	rev, err := scanRevision(q.QueryRow(ctx, query, dealID, n))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Revision{}, ErrRevisionNotFound
		}
		return Revision{}, err
	}
	return rev, nil
}

func scanRevision(row pgx.Row) (Revision, error) {
	var (
		rev        Revision
		changeType string
		changes    []byte
		snapshot   []byte
	)
	if err := row.Scan(
		&rev.ID,
		&rev.DealID,
		&rev.RevisionNumber,
		&rev.ModifiedBy,
		&rev.ModifiedByName,
		&rev.ModifiedAt,
		&changeType,
		&changes,
		&snapshot,
		&rev.Message,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Revision{}, err
		}
		return Revision{}, fmt.Errorf("deal: scan revision: %w", err)
	}
	rev.ChangeType = ChangeType(changeType)
	if len(changes) > 0 {
		if err := json.Unmarshal(changes, &rev.Changes); err != nil {
			return Revision{}, fmt.Errorf("deal: decode changes: %w", err)
		}
	}
	if err := json.Unmarshal(snapshot, &rev.Snapshot); err != nil {
		return Revision{}, fmt.Errorf("deal: decode snapshot: %w", err)
	}
	return rev, nil
}
