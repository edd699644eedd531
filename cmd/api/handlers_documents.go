package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"dealflow/document"
	"dealflow/errs"
)

const maxUploadBytes = 100 << 20

var errNothingToUpdate = errs.New(errs.Invalid, "fileName or category is required")

type saveDocumentRequest struct {
	StorageID string         `json:"storageId"`
	FileName  string         `json:"fileName"`
	FileType  string         `json:"fileType"`
	FileSize  int64          `json:"fileSize"`
	Category  string         `json:"category"`
	Metadata  map[string]any `json:"metadata"`
}

type updateDocumentRequest struct {
	FileName *string `json:"fileName"`
	Category *string `json:"category"`
}

type uploadResponse struct {
	StorageID string `json:"storageId"`
	Size      int64  `json:"size"`
}

func (s *Server) handleGenerateUploadURL(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	slot, err := s.documentService.GenerateUploadURL(r.Context(), profile)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadURLResponse{
		StorageID: slot.StorageID,
		UploadURL: slot.URL,
		ExpiresAt: formatTime(slot.ExpiresAt),
	})
}

// handleUpload accepts the raw file body. The ticket in the query string is
// the only credential.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	storageID := chi.URLParam(r, "storageID")
	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	size, err := s.documentService.Upload(r.Context(), storageID, r.URL.Query().Get("ticket"), body, r.Header.Get("Content-Type"))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file too large"})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{StorageID: storageID, Size: size})
}

func (s *Server) handleSaveDocument(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req saveDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.documentService.Save(r.Context(), profile, document.SaveInput{
		DealID:    chi.URLParam(r, "dealID"),
		StorageID: req.StorageID,
		FileName:  req.FileName,
		FileType:  req.FileType,
		FileSize:  req.FileSize,
		Category:  document.Category(req.Category),
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentResponse(saved))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	category := document.Category(r.URL.Query().Get("category"))
	docs, err := s.documentService.List(r.Context(), profile, chi.URLParam(r, "dealID"), category)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		items = append(items, toDocumentResponse(d))
	}
	writeJSON(w, http.StatusOK, newList(items))
}

func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	stats, err := s.documentService.StorageStats(r.Context(), profile, chi.URLParam(r, "dealID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsResponse(stats))
}

func (s *Server) handleCategories(w http.ResponseWriter, _ *http.Request) {
	infos := document.Categories()
	items := make([]categoryResponse, 0, len(infos))
	for _, info := range infos {
		items = append(items, categoryResponse{Value: string(info.Value), Label: info.Label})
	}
	writeJSON(w, http.StatusOK, newList(items))
}

// handleUpdateDocument applies a rename and a category change. Each one
// records its own revision.
func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req updateDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.FileName == nil && req.Category == nil {
		s.writeError(w, r, errNothingToUpdate)
		return
	}

	docID := chi.URLParam(r, "documentID")
	var (
		updated document.Document
		err     error
	)
	if req.FileName != nil {
		if updated, err = s.documentService.Rename(r.Context(), profile, docID, *req.FileName); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.Category != nil {
		if updated, err = s.documentService.ChangeCategory(r.Context(), profile, docID, document.Category(*req.Category)); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(updated))
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.documentService.Delete(r.Context(), profile, chi.URLParam(r, "documentID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIssueAccessToken(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromContext(r.Context())
	issued, err := s.documentService.IssueToken(r.Context(), subject, chi.URLParam(r, "documentID"), clientIP(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accessTokenResponse{
		URL:         issued.URL,
		DownloadURL: issued.DownloadURL,
		ExpiresAt:   formatTime(issued.ExpiresAt),
		SessionID:   issued.SessionID,
	})
}

func (s *Server) handleAccessLogs(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	logs, err := s.documentService.AccessLogs(r.Context(), profile, chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]accessLogResponse, 0, len(logs))
	for _, l := range logs {
		items = append(items, accessLogResponse{
			ID:         l.ID,
			DocumentID: l.DocumentID,
			UserID:     l.UserID,
			UserName:   l.UserName,
			UserEmail:  l.UserEmail,
			AccessType: string(l.AccessType),
			AccessedAt: formatTime(l.AccessedAt),
		})
	}
	writeJSON(w, http.StatusOK, newList(items))
}

// handleSecureDocument redeems a one-time token and streams the file. It is
// hit directly by browsers, so failures are plain text.
func (s *Server) handleSecureDocument(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	docID, token := q.Get("id"), q.Get("token")
	if docID == "" || token == "" {
		http.Error(w, "Missing parameters", http.StatusBadRequest)
		return
	}
	download := q.Get("download") == "true"

	served, err := s.documentService.Redeem(r.Context(), docID, token, download)
	if err != nil {
		switch errs.HTTPStatus(err) {
		case http.StatusForbidden:
			http.Error(w, errs.Message(err), http.StatusForbidden)
		case http.StatusNotFound:
			http.Error(w, "File not found", http.StatusNotFound)
		default:
			s.log().Error("serve secure document", zap.String("document_id", docID), zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}
	defer served.Body.Close()

	disposition := "inline"
	if download {
		disposition = "attachment"
	}
	h := w.Header()
	h.Set("Content-Type", served.FileType)
	h.Set("Content-Length", strconv.FormatInt(served.Size, 10))
	h.Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, sanitizeFilename(served.FileName)))
	h.Set("Cache-Control", "private, no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, served.Body); err != nil {
		s.log().Warn("stream secure document", zap.String("document_id", docID), zap.Error(err))
	}
}

func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, name)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
