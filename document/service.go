// Package document manages deal documents and the token gate that serves
// their bytes.
package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"dealflow/auth"
	"dealflow/db"
	"dealflow/deal"
	"dealflow/storage"
)

// RevisionAppender records document changes in the owning deal's history.
type RevisionAppender interface {
	Append(ctx context.Context, q db.Querier, in deal.AppendInput) (deal.Deal, deal.Revision, error)
	Committed(revs ...deal.Revision)
}

// Observer receives gate outcomes.
type Observer interface {
	TokenIssued()
	Redeemed(result string)
}

// Config holds the base URL that upload and access links are built on.
type Config struct {
	PublicBaseURL string
}

// Service manages document metadata and access tokens.
type Service struct {
	pool      db.Pool
	revisions RevisionAppender
	store     storage.BlobStore
	tickets   *storage.Tickets
	cfg       Config
	logger    *zap.Logger
	observer  Observer
	now       func() time.Time
}

// NewService wires the document service. logger may be nil.
func NewService(pool db.Pool, revisions RevisionAppender, store storage.BlobStore, tickets *storage.Tickets, cfg Config, logger *zap.Logger) *Service {
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pool:      pool,
		revisions: revisions,
		store:     store,
		tickets:   tickets,
		cfg:       cfg,
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

// WithObserver attaches a gate observer.
func (s *Service) WithObserver(o Observer) *Service {
	s.observer = o
	return s
}

// GenerateUploadURL reserves a storage id and signs a ticket for it.
func (s *Service) GenerateUploadURL(_ context.Context, actor auth.Profile) (UploadURL, error) {
	if !actor.IsAgent() {
		return UploadURL{}, ErrAgentRequired
	}
	id := storage.NewID()
	ticket, expiresAt, err := s.tickets.Issue(id, actor.User.Subject)
	if err != nil {
		return UploadURL{}, err
	}
	return UploadURL{
		StorageID: id,
		URL:       fmt.Sprintf("%s/uploads/%s?ticket=%s", s.cfg.PublicBaseURL, id, url.QueryEscape(ticket)),
		ExpiresAt: expiresAt,
	}, nil
}

// Upload stores the request body under storageID once the ticket checks out.
func (s *Service) Upload(ctx context.Context, storageID, ticket string, body io.Reader, contentType string) (int64, error) {
	if _, err := s.tickets.Verify(ticket, storageID); err != nil {
		return 0, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return s.store.Put(ctx, storageID, body, contentType)
}

const documentColumns = `d.id, d.deal_id, d.storage_id, d.file_name, d.file_type, d.file_size, d.category,
	d.uploaded_by, COALESCE(u.name, ''), COALESCE(u.email, ''), d.uploaded_at, d.revision_id, d.metadata,
	d.is_deleted, d.deleted_at`

func scanDocument(row pgx.Row) (Document, error) {
	var (
		doc      Document
		metadata []byte
	)
	if err := row.Scan(
		&doc.ID,
		&doc.DealID,
		&doc.StorageID,
		&doc.FileName,
		&doc.FileType,
		&doc.FileSize,
		&doc.Category,
		&doc.UploadedBy,
		&doc.UploadedByName,
		&doc.UploadedByEmail,
		&doc.UploadedAt,
		&doc.RevisionID,
		&metadata,
		&doc.IsDeleted,
		&doc.DeletedAt,
	); err != nil {
		return Document{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
			return Document{}, fmt.Errorf("document: decode metadata: %w", err)
		}
	}
	return doc, nil
}

// Save attaches an uploaded blob to a deal and records a document_change
// revision that the document row points back to.
func (s *Service) Save(ctx context.Context, actor auth.Profile, in SaveInput) (Document, error) {
	if !actor.IsAgent() {
		return Document{}, ErrAgentRequired
	}
	in.FileName = strings.TrimSpace(in.FileName)
	if in.FileName == "" {
		return Document{}, ErrNameRequired
	}
	if in.Category == "" {
		in.Category = CategoryOther
	}
	if !in.Category.Valid() {
		return Document{}, ErrInvalidCategory
	}
	if in.FileSize < 0 {
		return Document{}, ErrInvalidSize
	}
	if in.FileType == "" {
		in.FileType = "application/octet-stream"
	}

	blob, err := s.store.Open(ctx, in.StorageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidID) {
			return Document{}, ErrUploadMissing
		}
		return Document{}, err
	}
	blob.Close()

	var metadata any
	if len(in.Metadata) > 0 {
		raw, err := json.Marshal(in.Metadata)
		if err != nil {
			return Document{}, fmt.Errorf("document: marshal metadata: %w", err)
		}
		metadata = string(raw)
	}

	now := s.now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("document: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := deal.LockForAgent(ctx, tx, actor.AgentID, in.DealID); err != nil {
		return Document{}, err
	}

	const insertSQL = `
		INSERT INTO documents (deal_id, storage_id, file_name, file_type, file_size, category, uploaded_by, uploaded_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		RETURNING id
	`
	var docID string
	if err := tx.QueryRow(ctx, insertSQL,
		in.DealID,
		in.StorageID,
		in.FileName,
		in.FileType,
		in.FileSize,
		string(in.Category),
		actor.User.ID,
		now,
		metadata,
	).Scan(&docID); err != nil {
		return Document{}, fmt.Errorf("document: insert: %w", err)
	}

	_, rev, err := s.revisions.Append(ctx, tx, deal.AppendInput{
		DealID:     in.DealID,
		ModifiedBy: actor.User.ID,
		At:         now,
		ChangeType: deal.ChangeDocument,
		Changes: map[string]any{
			"action":     "document_added",
			"documentId": docID,
			"fileName":   in.FileName,
			"category":   in.Category,
			"fileSize":   in.FileSize,
		},
		Message: "Added document: " + in.FileName,
	})
	if err != nil {
		return Document{}, err
	}

	if _, err := tx.Exec(ctx, `UPDATE documents SET revision_id = $2 WHERE id = $1`, docID, rev.ID); err != nil {
		return Document{}, fmt.Errorf("document: link revision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Document{}, fmt.Errorf("document: commit: %w", err)
	}
	s.revisions.Committed(rev)

	revisionID := rev.ID
	return Document{
		ID:              docID,
		DealID:          in.DealID,
		StorageID:       in.StorageID,
		FileName:        in.FileName,
		FileType:        in.FileType,
		FileSize:        in.FileSize,
		Category:        in.Category,
		UploadedBy:      actor.User.ID,
		UploadedByName:  actor.User.Name,
		UploadedByEmail: actor.User.Email,
		UploadedAt:      now,
		RevisionID:      &revisionID,
		Metadata:        in.Metadata,
	}, nil
}

// lockOwned locks a live document and its deal for the owning agent.
func (s *Service) lockOwned(ctx context.Context, tx pgx.Tx, actor auth.Profile, docID string) (Document, error) {
	if !actor.IsAgent() {
		return Document{}, ErrAgentRequired
	}
	query := `
		SELECT ` + documentColumns + `
		FROM documents d
		JOIN users u ON u.id = d.uploaded_by
		WHERE d.id::text = $1
		FOR UPDATE OF d
	`
	doc, err := scanDocument(tx.QueryRow(ctx, query, docID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("document: lock: %w", err)
	}
	if doc.IsDeleted {
		return Document{}, ErrNotFound
	}
	if _, err := deal.LockForAgent(ctx, tx, actor.AgentID, doc.DealID); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Rename changes a document's file name.
func (s *Service) Rename(ctx context.Context, actor auth.Profile, docID, newName string) (Document, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return Document{}, ErrNameRequired
	}
	return s.mutate(ctx, actor, docID, func(doc *Document) *edit {
		if doc.FileName == newName {
			return nil
		}
		from := doc.FileName
		doc.FileName = newName
		return &edit{
			changes: map[string]any{
				"action":     "document_renamed",
				"documentId": doc.ID,
				"from":       from,
				"to":         newName,
			},
			message: fmt.Sprintf("Renamed document: %s → %s", from, newName),
			stmt:    `UPDATE documents SET file_name = $2 WHERE id = $1`,
			args:    []any{doc.ID, newName},
		}
	})
}

// ChangeCategory moves a document to another category.
func (s *Service) ChangeCategory(ctx context.Context, actor auth.Profile, docID string, category Category) (Document, error) {
	if !category.Valid() {
		return Document{}, ErrInvalidCategory
	}
	return s.mutate(ctx, actor, docID, func(doc *Document) *edit {
		if doc.Category == category {
			return nil
		}
		from := doc.Category
		doc.Category = category
		return &edit{
			changes: map[string]any{
				"action":     "document_category_changed",
				"documentId": doc.ID,
				"fileName":   doc.FileName,
				"from":       from,
				"to":         category,
			},
			message: fmt.Sprintf("Changed category of %s from %s to %s", doc.FileName, from, category),
			stmt:    `UPDATE documents SET category = $2 WHERE id = $1`,
			args:    []any{doc.ID, string(category)},
		}
	})
}

// edit is one metadata change: the revision it records and the statement
// persisting it.
type edit struct {
	changes map[string]any
	message string
	stmt    string
	args    []any
}

// mutate runs one metadata change under the document and deal locks. A nil
// edit leaves the document untouched and records no revision.
func (s *Service) mutate(ctx context.Context, actor auth.Profile, docID string, change func(doc *Document) *edit) (Document, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("document: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	doc, err := s.lockOwned(ctx, tx, actor, docID)
	if err != nil {
		return Document{}, err
	}

	e := change(&doc)
	if e == nil {
		return doc, nil
	}
	if _, err := tx.Exec(ctx, e.stmt, e.args...); err != nil {
		return Document{}, fmt.Errorf("document: update: %w", err)
	}

	_, rev, err := s.revisions.Append(ctx, tx, deal.AppendInput{
		DealID:     doc.DealID,
		ModifiedBy: actor.User.ID,
		At:         s.now().UTC(),
		ChangeType: deal.ChangeDocument,
		Changes:    e.changes,
		Message:    e.message,
	})
	if err != nil {
		return Document{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Document{}, fmt.Errorf("document: commit: %w", err)
	}
	s.revisions.Committed(rev)
	return doc, nil
}

// Delete soft-deletes a document and removes its blob once the change has
// committed.
func (s *Service) Delete(ctx context.Context, actor auth.Profile, docID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("document: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	doc, err := s.lockOwned(ctx, tx, actor, docID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE documents SET is_deleted = true, deleted_at = $2 WHERE id = $1`, doc.ID, now); err != nil {
		return fmt.Errorf("document: soft delete: %w", err)
	}

	_, rev, err := s.revisions.Append(ctx, tx, deal.AppendInput{
		DealID:     doc.DealID,
		ModifiedBy: actor.User.ID,
		At:         now,
		ChangeType: deal.ChangeDocument,
		Changes: map[string]any{
			"action":     "document_deleted",
			"documentId": doc.ID,
			"fileName":   doc.FileName,
			"category":   doc.Category,
		},
		Message: "Deleted document: " + doc.FileName,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("document: commit: %w", err)
	}
	s.revisions.Committed(rev)

	if err := s.store.Delete(ctx, doc.StorageID); err != nil {
		s.logger.Warn("blob delete failed", zap.String("document_id", doc.ID), zap.String("storage_id", doc.StorageID), zap.Error(err))
	}
	return nil
}

// List returns a deal's live documents. Storage locations are never exposed;
// callers go through the token gate.
func (s *Service) List(ctx context.Context, actor auth.Profile, dealID string, category Category) ([]Document, error) {
	if category != "" && !category.Valid() {
		return nil, ErrInvalidCategory
	}
	if _, err := deal.Authorize(ctx, s.pool, actor, dealID, false); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + documentColumns + `
		FROM documents d
		JOIN users u ON u.id = d.uploaded_by
		WHERE d.deal_id = $1 AND NOT d.is_deleted AND ($2 = '' OR d.category = $2)
		ORDER BY d.uploaded_at DESC
	`
	rows, err := s.pool.Query(ctx, query, dealID, string(category))
	if err != nil {
		return nil, fmt.Errorf("document: list: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("document: scan: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("document: iterate: %w", err)
	}
	return out, nil
}

// StorageStats summarises storage use for a deal owned by the agent.
func (s *Service) StorageStats(ctx context.Context, actor auth.Profile, dealID string) (Stats, error) {
	if !actor.IsAgent() {
		return Stats{}, ErrAgentRequired
	}
	d, err := deal.Authorize(ctx, s.pool, actor, dealID, false)
	if err != nil {
		return Stats{}, err
	}
	if d.AgentID != actor.AgentID {
		return Stats{}, deal.ErrNotOwner
	}

	const statsSQL = `
		SELECT category, COUNT(*), COALESCE(SUM(file_size), 0), MAX(uploaded_at)
		FROM documents
		WHERE deal_id = $1 AND NOT is_deleted
		GROUP BY category
	`
	rows, err := s.pool.Query(ctx, statsSQL, dealID)
	if err != nil {
		return Stats{}, fmt.Errorf("document: stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{DocumentsByCategory: map[Category]int{}}
	for rows.Next() {
		var (
			category Category
			count    int
			size     int64
			last     *time.Time
		)
		if err := rows.Scan(&category, &count, &size, &last); err != nil {
			return Stats{}, fmt.Errorf("document: scan stats: %w", err)
		}
		stats.DocumentsByCategory[category] = count
		stats.TotalDocuments += count
		stats.TotalSize += size
		if last != nil && (stats.LastUpload == nil || last.After(*stats.LastUpload)) {
			stats.LastUpload = last
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("document: iterate stats: %w", err)
	}
	stats.SizeInMB = float64(stats.TotalSize*100/(1024*1024)) / 100
	return stats, nil
}

// AccessLogs returns the audit trail of a document, newest first.
func (s *Service) AccessLogs(ctx context.Context, actor auth.Profile, docID string) ([]AccessLog, error) {
	if !actor.IsAgent() {
		return nil, ErrAgentRequired
	}

	var agentID string
	const ownerSQL = `
		SELECT dl.agent_id
		FROM documents d
		JOIN deals dl ON dl.id = d.deal_id
		WHERE d.id::text = $1
	`
	if err := s.pool.QueryRow(ctx, ownerSQL, docID).Scan(&agentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("document: load owner: %w", err)
	}
	if agentID != actor.AgentID {
		return nil, ErrAccessDenied
	}

	const logsSQL = `
		SELECT l.id, l.document_id, l.user_id, COALESCE(u.name, ''), COALESCE(u.email, ''), l.access_type, l.accessed_at
		FROM document_access_logs l
		JOIN users u ON u.id = l.user_id
		WHERE l.document_id = $1
		ORDER BY l.accessed_at DESC, l.id DESC
	`
	rows, err := s.pool.Query(ctx, logsSQL, docID)
	if err != nil {
		return nil, fmt.Errorf("document: access logs: %w", err)
	}
	defer rows.Close()

	var out []AccessLog
	for rows.Next() {
		var l AccessLog
		if err := rows.Scan(&l.ID, &l.DocumentID, &l.UserID, &l.UserName, &l.UserEmail, &l.AccessType, &l.AccessedAt); err != nil {
			return nil, fmt.Errorf("document: scan access log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("document: iterate access logs: %w", err)
	}
	return out, nil
}
