// Package agent manages agent profiles.
package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"dealflow/auth"
)

// Service handles agent profile operations.
type Service struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates an agent service. logger may be nil.
func NewService(repo Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// WithClock overrides the time source, primarily for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.now = clock
	}
	return s
}

func clean(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

// Create gives user an agent profile on a trial subscription.
func (s *Service) Create(ctx context.Context, user auth.User, in ProfileInput) (Agent, error) {
	in = ProfileInput{
		Phone:         clean(in.Phone),
		Company:       clean(in.Company),
		LicenseNumber: clean(in.LicenseNumber),
	}
	if _, err := s.repo.GetByUser(ctx, user.ID); err == nil {
		return Agent{}, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return Agent{}, err
	}
	a, err := s.repo.Create(ctx, user.ID, in, s.now().UTC())
	if err != nil {
		return Agent{}, err
	}
	s.logger.Info("agent created", zap.String("agent_id", a.ID), zap.String("user_id", user.ID))
	return a, nil
}

// GetCurrent returns the caller's agent profile.
func (s *Service) GetCurrent(ctx context.Context, user auth.User) (Agent, error) {
	return s.repo.GetByUser(ctx, user.ID)
}

// UpdateProfile applies in to the caller's agent profile.
func (s *Service) UpdateProfile(ctx context.Context, user auth.User, in ProfileInput) (Agent, error) {
	a, err := s.repo.GetByUser(ctx, user.ID)
	if err != nil {
		return Agent{}, err
	}
	if in.Phone != nil {
		a.Phone = clean(in.Phone)
	}
	if in.Company != nil {
		a.Company = clean(in.Company)
	}
	if in.LicenseNumber != nil {
		a.LicenseNumber = clean(in.LicenseNumber)
	}
	a.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, a); err != nil {
		return Agent{}, err
	}
	return a, nil
}

// UpdateSubscription records a billing state change.
func (s *Service) UpdateSubscription(ctx context.Context, agentID string, status SubscriptionStatus, endsAt *time.Time) error {
	if !status.Valid() {
		return ErrInvalidSubscription
	}
	return s.repo.UpdateSubscription(ctx, agentID, status, endsAt, s.now().UTC())
}

// Delete removes the caller's agent profile and returns how many clients went
// with it.
func (s *Service) Delete(ctx context.Context, user auth.User) (int, error) {
	a, err := s.repo.GetByUser(ctx, user.ID)
	if err != nil {
		return 0, err
	}
	n, err := s.repo.Delete(ctx, a.ID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("agent deleted", zap.String("agent_id", a.ID), zap.Int("deleted_clients", n))
	return n, nil
}
