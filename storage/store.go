// Package storage keeps uploaded document bytes outside the database and
// signs the short-lived tickets that authorise an upload.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"dealflow/errs"
)

var (
	// ErrNotFound signals that no blob is stored under the id.
	ErrNotFound = errs.New(errs.NotFound, "storage: blob not found")
	// ErrInvalidID signals a storage id that was not minted by NewID.
	ErrInvalidID = errs.New(errs.Invalid, "storage: invalid storage id")
	// ErrExists signals a second write to a storage id. Blobs are write-once.
	ErrExists = errs.New(errs.Conflict, "upload already completed")
)

// Blob is an open stored object. Callers must Close it.
type Blob struct {
	io.ReadCloser
	Size        int64
	ContentType string
}

// BlobStore persists opaque document bytes addressed by storage id.
type BlobStore interface {
	Put(ctx context.Context, id string, r io.Reader, contentType string) (int64, error)
	Open(ctx context.Context, id string) (Blob, error)
	Delete(ctx context.Context, id string) error
}

// NewID reserves a fresh storage id.
func NewID() string {
	return uuid.NewString()
}

// FileStore is a BlobStore rooted at a local directory. Each blob is written
// next to a small JSON sidecar holding its content type.
type FileStore struct {
	dir string
}

type sidecar struct {
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) paths(id string) (string, string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", "", ErrInvalidID
	}
	base := filepath.Join(s.dir, id)
	return base + ".bin", base + ".json", nil
}

// Put streams r into the store. The blob becomes visible only once fully
// written, and an id that already holds a blob is refused with ErrExists.
func (s *FileStore) Put(ctx context.Context, id string, r io.Reader, contentType string) (int64, error) {
	blobPath, metaPath, err := s.paths(id)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(s.dir, id+".*.part")
	if err != nil {
		return 0, fmt.Errorf("storage: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("storage: write blob: %w", err)
	}

	// Link fails if blobPath exists, so concurrent writers cannot both win.
	if err := os.Link(tmp.Name(), blobPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("storage: commit blob: %w", err)
	}

	meta, err := json.Marshal(sidecar{ContentType: contentType, Size: size})
	if err != nil {
		return 0, fmt.Errorf("storage: encode sidecar: %w", err)
	}
	if err := os.WriteFile(metaPath, meta, 0o640); err != nil {
		return 0, fmt.Errorf("storage: write sidecar: %w", err)
	}
	return size, nil
}

// Open returns a reader over the stored blob.
func (s *FileStore) Open(_ context.Context, id string) (Blob, error) {
	blobPath, metaPath, err := s.paths(id)
	if err != nil {
		return Blob{}, err
	}

	f, err := os.Open(blobPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Blob{}, ErrNotFound
		}
		return Blob{}, fmt.Errorf("storage: open blob: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return Blob{}, fmt.Errorf("storage: stat blob: %w", err)
	}

	blob := Blob{ReadCloser: f, Size: info.Size(), ContentType: "application/octet-stream"}
	if raw, err := os.ReadFile(metaPath); err == nil {
		var meta sidecar
		if json.Unmarshal(raw, &meta) == nil && meta.ContentType != "" {
			blob.ContentType = meta.ContentType
		}
	}
	return blob, nil
}

// Delete removes the blob. Deleting a missing blob is not an error.
func (s *FileStore) Delete(_ context.Context, id string) error {
	blobPath, metaPath, err := s.paths(id)
	if err != nil {
		return err
	}
	for _, p := range []string{blobPath, metaPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("storage: delete blob: %w", err)
		}
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
