package preference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
)

// CacheConfig controls the read-through preference cache.
type CacheConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:             time.Minute,
		CleanupInterval: 10 * time.Minute,
	}
}

// missing marks a cached lookup that found no preference row.
type missing struct{}

// CachedRepository wraps a PreferenceRepository with a go-cache read-through
// cache for single-preference lookups. Writes invalidate the affected key.
type CachedRepository struct {
	repository.PreferenceRepository
	cache *cache.Cache
}

func NewCachedRepository(repo repository.PreferenceRepository, cfg CacheConfig) *CachedRepository {
	return &CachedRepository{
		PreferenceRepository: repo,
		cache:                cache.New(cfg.TTL, cfg.CleanupInterval),
	}
}

func cacheKey(userID uuid.UUID, t model.NotificationType, channel model.Channel) string {
	return fmt.Sprintf("%s:%s:%s", userID, t, channel)
}

func (r *CachedRepository) Get(ctx context.Context, userID uuid.UUID, t model.NotificationType, channel model.Channel) (*model.NotificationPreference, error) {
	key := cacheKey(userID, t, channel)
	if cached, found := r.cache.Get(key); found {
		if p, ok := cached.(*model.NotificationPreference); ok {
			c := *p
			return &c, nil
		}
		return nil, model.ErrNotFound
	}

	p, err := r.PreferenceRepository.Get(ctx, userID, t, channel)
	switch {
	case errors.Is(err, model.ErrNotFound):
		r.cache.Set(key, missing{}, cache.DefaultExpiration)
		return nil, err
	case err != nil:
		return nil, err
	}

	c := *p
	r.cache.Set(key, &c, cache.DefaultExpiration)
	return p, nil
}

func (r *CachedRepository) Upsert(ctx context.Context, p *model.NotificationPreference) error {
	if err := r.PreferenceRepository.Upsert(ctx, p); err != nil {
		return err
	}
	r.cache.Delete(cacheKey(p.UserID, p.Type, p.Channel))
	return nil
}

func (r *CachedRepository) Delete(ctx context.Context, userID uuid.UUID, t model.NotificationType, channel model.Channel) error {
	if err := r.PreferenceRepository.Delete(ctx, userID, t, channel); err != nil {
		return err
	}
	r.cache.Delete(cacheKey(userID, t, channel))
	return nil
}
