package document

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"dealflow/events"
	"dealflow/storage"
)

// Redemption outcomes reported to the observer.
const (
	ResultServed   = "served"
	ResultInvalid  = "invalid"
	ResultExpired  = "expired"
	ResultUsed     = "used"
	ResultMismatch = "mismatch"
	ResultMissing  = "missing"
	ResultError    = "error"
)

// accessTokenTTL is the fixed lifetime of a document access token.
const accessTokenTTL = 5 * time.Minute

func newAccessToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("document: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// IssueToken authorizes subject for docID and stores a single-use access
// token. The authorization predicate is evaluated fresh in one query: the
// caller must own the deal or be an active client associated with it.
func (s *Service) IssueToken(ctx context.Context, subject, docID, ip string) (IssuedToken, error) {
	const authSQL = `
		SELECT d.is_deleted OR dl.is_deleted,
		       u.id,
		       COALESCE(ag.id = dl.agent_id, false) OR EXISTS (
		           SELECT 1
		           FROM deal_clients dc
		           JOIN clients c ON c.id = dc.client_id
		           WHERE dc.deal_id = dl.id AND c.user_id = u.id AND c.status = 'active'
		       )
		FROM documents d
		JOIN deals dl ON dl.id = d.deal_id
		LEFT JOIN users u ON u.subject = $2
		LEFT JOIN agents ag ON ag.user_id = u.id
		WHERE d.id::text = $1
	`
	var (
		deleted    bool
		userID     *string
		authorized bool
	)
	if err := s.pool.QueryRow(ctx, authSQL, docID, subject).Scan(&deleted, &userID, &authorized); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IssuedToken{}, ErrNotFound
		}
		return IssuedToken{}, fmt.Errorf("document: authorize: %w", err)
	}
	if deleted {
		return IssuedToken{}, ErrNotFound
	}
	if userID == nil || !authorized {
		return IssuedToken{}, ErrAccessDenied
	}

	token, err := newAccessToken()
	if err != nil {
		return IssuedToken{}, err
	}
	sessionID := uuid.NewString()
	now := s.now().UTC()
	expiresAt := now.Add(accessTokenTTL)

	var ipAddress *string
	if ip != "" {
		ipAddress = &ip
	}

	const insertSQL = `
		INSERT INTO document_access_tokens (token, session_id, document_id, user_id, subject, ip_address, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := s.pool.Exec(ctx, insertSQL, token, sessionID, docID, *userID, subject, ipAddress, expiresAt, now); err != nil {
		return IssuedToken{}, fmt.Errorf("document: store token: %w", err)
	}

	if s.observer != nil {
		s.observer.TokenIssued()
	}

	link := fmt.Sprintf("%s/secure-documents?id=%s&token=%s", s.cfg.PublicBaseURL, url.QueryEscape(docID), url.QueryEscape(token))
	return IssuedToken{
		URL:         link,
		DownloadURL: link + "&download=true",
		ExpiresAt:   expiresAt,
		SessionID:   sessionID,
	}, nil
}

// Redeem burns token and opens the document it grants. Only one of any number
// of concurrent redemptions of the same token succeeds. When the document or
// its blob is gone the transaction rolls back and the token stays unused.
func (s *Service) Redeem(ctx context.Context, docID, token string, download bool) (served Served, err error) {
	result := ResultError
	defer func() {
		if s.observer != nil {
			s.observer.Redeemed(result)
		}
	}()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Served{}, fmt.Errorf("document: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	const burnSQL = `
		UPDATE document_access_tokens t
		SET usage_count = t.usage_count + 1, used_at = $3
		WHERE t.token = $1
		  AND t.document_id::text = $2
		  AND t.usage_count = 0
		  AND t.expires_at > $3
		  AND EXISTS (SELECT 1 FROM users u WHERE u.id = t.user_id AND u.subject = t.subject)
		RETURNING t.user_id, t.session_id
	`
	var userID, sessionID string
	if err := tx.QueryRow(ctx, burnSQL, token, docID, now).Scan(&userID, &sessionID); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Served{}, fmt.Errorf("document: redeem token: %w", err)
		}
		failure := s.classify(ctx, tx, docID, token, now)
		result = resultFor(failure)
		return Served{}, failure
	}

	const docSQL = `
		SELECT d.storage_id, d.file_name, d.file_type
		FROM documents d
		JOIN deals dl ON dl.id = d.deal_id
		WHERE d.id::text = $1 AND NOT d.is_deleted AND NOT dl.is_deleted
	`
	var storageID, fileName, fileType string
	if err := tx.QueryRow(ctx, docSQL, docID).Scan(&storageID, &fileName, &fileType); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			result = ResultMissing
			return Served{}, ErrFileNotFound
		}
		return Served{}, fmt.Errorf("document: load: %w", err)
	}

	blob, err := s.store.Open(ctx, storageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidID) {
			result = ResultMissing
			return Served{}, ErrFileNotFound
		}
		return Served{}, fmt.Errorf("document: open blob: %w", err)
	}
	defer func() {
		if err != nil {
			blob.Close()
		}
	}()

	accessType := AccessView
	if download {
		accessType = AccessDownload
	}
	const logSQL = `
		INSERT INTO document_access_logs (document_id, user_id, access_type, accessed_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, logSQL, docID, userID, string(accessType), now); err != nil {
		return Served{}, fmt.Errorf("document: log access: %w", err)
	}

	if err := events.Enqueue(ctx, tx, events.TopicDocumentAccessed, map[string]any{
		"documentId": docID,
		"userId":     userID,
		"sessionId":  sessionID,
		"accessType": accessType,
		"accessedAt": now,
	}); err != nil {
		return Served{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Served{}, fmt.Errorf("document: commit: %w", err)
	}

	if fileType == "" {
		fileType = blob.ContentType
	}
	result = ResultServed
	s.logger.Debug("document served",
		zap.String("document_id", docID),
		zap.String("access_type", string(accessType)),
	)
	return Served{
		FileName: fileName,
		FileType: fileType,
		Size:     blob.Size,
		Body:     blob.ReadCloser,
	}, nil
}

// classify explains why a token could not be burned. Checks run in a fixed
// order so a token that fails several conditions always reports the first.
func (s *Service) classify(ctx context.Context, tx pgx.Tx, docID, token string, now time.Time) error {
	const selectSQL = `
		SELECT t.document_id::text, t.expires_at, t.usage_count,
		       EXISTS (SELECT 1 FROM users u WHERE u.id = t.user_id AND u.subject = t.subject)
		FROM document_access_tokens t
		WHERE t.token = $1
	`
	var (
		tokenDocID string
		expiresAt  time.Time
		usageCount int
		bound      bool
	)
	if err := tx.QueryRow(ctx, selectSQL, token).Scan(&tokenDocID, &expiresAt, &usageCount, &bound); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTokenInvalid
		}
		return fmt.Errorf("document: classify token: %w", err)
	}
	switch {
	case !bound:
		return ErrTokenInvalid
	case !expiresAt.After(now):
		return ErrTokenExpired
	case usageCount > 0:
		return ErrTokenUsed
	case tokenDocID != docID:
		return ErrTokenMismatch
	default:
		// A concurrent redemption won between the update and this read.
		return ErrTokenUsed
	}
}

func resultFor(failure error) string {
	switch {
	case errors.Is(failure, ErrTokenExpired):
		return ResultExpired
	case errors.Is(failure, ErrTokenUsed):
		return ResultUsed
	case errors.Is(failure, ErrTokenMismatch):
		return ResultMismatch
	case errors.Is(failure, ErrTokenInvalid):
		return ResultInvalid
	default:
		return ResultError
	}
}
