package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"dealflow/errs"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", 0)

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "supersafe",
		Name:     "Alice Agent",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Subject == "" || IsPlaceholderSubject(user.Subject) {
		t.Fatalf("register: expected a real subject, got %q", user.Subject)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	identity, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if identity.Subject != user.Subject || identity.Email != req.Email || identity.Name != req.Name {
		t.Fatalf("verify token: unexpected identity %+v", identity)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret", 0)

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		Name:     "Alice Agent",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
	}); !errors.Is(err, errs.Invalid) {
		t.Fatalf("expected validation error for missing fields, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "not-an-email",
		Password: "strongpassword",
		Name:     "Bob",
	}); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret", 0)

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		Name:     "Alice Agent",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	_, err := svc.Register(context.Background(), req)
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
	if !errors.Is(err, errs.Conflict) {
		t.Fatalf("expected conflict category, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", 0)

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{Email: "bob@example.com", Password: "correct-horse", Name: "Bob"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Login(context.Background(), LoginRequest{Email: "bob@example.com", Password: "wrong-horse"}); !errors.Is(err, errs.Unauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestService_VerifyTokenRejectsExpiredAndForeign(t *testing.T) {
	issuedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(newFakeRepository(), "test-secret", time.Hour).WithClock(func() time.Time { return issuedAt })

	token, err := svc.IssueToken(User{Subject: "sub-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := svc.VerifyToken(token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	svc.WithClock(func() time.Time { return issuedAt.Add(2 * time.Hour) })
	if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	other := NewService(newFakeRepository(), "other-secret", time.Hour).WithClock(func() time.Time { return issuedAt })
	if _, err := other.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected foreign token to be rejected, got %v", err)
	}
}

func TestService_SyncUserRefreshesProfileFields(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", 0)
	ctx := context.Background()

	first, err := svc.SyncUser(ctx, Identity{Subject: "idp|42", Email: "old@example.com", Name: "Old"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	second, err := svc.SyncUser(ctx, Identity{Subject: "idp|42", Email: "new@example.com", Name: "New"})
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same row, got %q and %q", first.ID, second.ID)
	}
	if second.Email != "new@example.com" || second.Name != "New" {
		t.Fatalf("expected refreshed fields, got %+v", second)
	}

	current, err := svc.CurrentUser(ctx, "idp|42")
	if err != nil || current.ID != first.ID {
		t.Fatalf("current user: %+v, %v", current, err)
	}
	if _, err := svc.CurrentUser(ctx, "idp|missing"); !errors.Is(err, errs.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPlaceholderSubjects(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	if got := PlaceholderSubject("c@example.com", at); got != "pending_c@example.com_1700000000123" {
		t.Fatalf("unexpected placeholder subject %q", got)
	}
	if !IsPlaceholderSubject(DemoSubject("demo@example.com", at)) {
		t.Fatal("demo subject should count as placeholder")
	}
	if IsPlaceholderSubject("idp|42") {
		t.Fatal("real subject reported as placeholder")
	}
}

type fakeRepository struct {
	usersBySubject map[string]User
	nextID         int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersBySubject: make(map[string]User),
		nextID:         1,
	}
}

func (f *fakeRepository) CreateUser(_ context.Context, params CreateUserParams) (User, error) {
	for _, u := range f.usersBySubject {
		if u.PasswordHash != "" && strings.EqualFold(u.Email, params.Email) {
			return User{}, ErrDuplicateEmail
		}
	}

	user := User{
		ID:           fmt.Sprintf("user-%d", f.nextID),
		Subject:      params.Subject,
		Email:        params.Email,
		Name:         params.Name,
		PasswordHash: params.PasswordHash,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	f.nextID++
	f.usersBySubject[user.Subject] = user
	return user, nil
}

func (f *fakeRepository) GetUserByEmail(_ context.Context, email string) (User, error) {
	for _, u := range f.usersBySubject {
		if u.PasswordHash != "" && strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (f *fakeRepository) GetUserBySubject(_ context.Context, subject string) (User, error) {
	user, ok := f.usersBySubject[subject]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) UpsertUser(_ context.Context, identity Identity) (User, error) {
	user, ok := f.usersBySubject[identity.Subject]
	if !ok {
		user = User{ID: fmt.Sprintf("user-%d", f.nextID), Subject: identity.Subject, CreatedAt: time.Now().UTC()}
		f.nextID++
	}
	if identity.Email != "" {
		user.Email = identity.Email
	}
	if identity.Name != "" {
		user.Name = identity.Name
	}
	user.UpdatedAt = time.Now().UTC()
	f.usersBySubject[identity.Subject] = user
	return user, nil
}

func (f *fakeRepository) ResolveProfile(_ context.Context, subject string) (Profile, error) {
	user, ok := f.usersBySubject[subject]
	if !ok {
		return Profile{}, ErrUserNotFound
	}
	return Profile{User: user}, nil
}
