package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestFileStore_PutOpenDelete(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	id := NewID()

	size, err := store.Put(ctx, id, strings.NewReader("%PDF-1.7 hello"), "application/pdf")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if size != 14 {
		t.Fatalf("expected size 14, got %d", size)
	}

	blob, err := store.Open(ctx, id)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, _ := io.ReadAll(blob)
	blob.Close()
	if string(body) != "%PDF-1.7 hello" || blob.ContentType != "application/pdf" || blob.Size != 14 {
		t.Fatalf("unexpected blob %q %q %d", body, blob.ContentType, blob.Size)
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Open(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
}

func TestFileStore_PutIsWriteOnce(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	id := NewID()

	if _, err := store.Put(ctx, id, strings.NewReader("first"), "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, id, strings.NewReader("second"), "text/plain"); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists on second put, got %v", err)
	}

	blob, err := store.Open(ctx, id)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, _ := io.ReadAll(blob)
	blob.Close()
	if string(body) != "first" || blob.ContentType != "application/pdf" {
		t.Fatalf("blob was replaced: %q %q", body, blob.ContentType)
	}
}

func TestFileStore_RejectsForeignIDs(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Open(context.Background(), "../etc/passwd"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestTickets_IssueVerify(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	tickets := NewTickets("secret", 0).WithClock(func() time.Time { return now })
	id := NewID()

	ticket, expiresAt, err := tickets.Issue(id, "sub-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !expiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	subject, err := tickets.Verify(ticket, id)
	if err != nil || subject != "sub-1" {
		t.Fatalf("verify: %q, %v", subject, err)
	}
	if _, err := tickets.Verify(ticket, NewID()); !errors.Is(err, ErrInvalidTicket) {
		t.Fatalf("expected mismatch to fail, got %v", err)
	}

	tickets.WithClock(func() time.Time { return now.Add(time.Hour) })
	if _, err := tickets.Verify(ticket, id); !errors.Is(err, ErrInvalidTicket) {
		t.Fatalf("expected expired ticket to fail, got %v", err)
	}
}
