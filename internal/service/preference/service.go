package preference

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
	"github.com/jwalitptl/notification-hub/pkg/errors"
)

// Service is the user-facing preference management API.
type Service struct {
	repo repository.PreferenceRepository
}

func NewService(repo repository.PreferenceRepository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]*model.NotificationPreference, error) {
	prefs, err := s.repo.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list preferences: %w", err)
	}
	return prefs, nil
}

func (s *Service) Update(ctx context.Context, p *model.NotificationPreference) error {
	if err := validatePreference(p); err != nil {
		return errors.BadRequest("invalid preference", err)
	}
	p.UpdatedAt = time.Now()
	if err := s.repo.Upsert(ctx, p); err != nil {
		return fmt.Errorf("failed to update preference: %w", err)
	}
	return nil
}

func (s *Service) Reset(ctx context.Context, userID uuid.UUID, t model.NotificationType, channel model.Channel) error {
	if err := s.repo.Delete(ctx, userID, t, channel); err != nil {
		return fmt.Errorf("failed to reset preference: %w", err)
	}
	return nil
}

func validatePreference(p *model.NotificationPreference) error {
	if p.UserID == uuid.Nil {
		return fmt.Errorf("user ID is required")
	}
	if !p.Type.Valid() {
		return fmt.Errorf("unknown notification type %q", p.Type)
	}
	if !p.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", p.Channel)
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", p.Timezone)
		}
	}
	return nil
}
