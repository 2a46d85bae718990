package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"offer-decisioning-api/internal/features"
	"offer-decisioning-api/internal/models"
	"offer-decisioning-api/internal/repository"
)

// ProfileCache is a read-through cache in front of a ContactRepository.
// It is bypassed while the profile_cache flag is off. Cache failures fall
// through to the repository.
type ProfileCache struct {
	next  repository.ContactRepository
	cache Cache
	ttl   time.Duration
	flags *features.Manager
	log   zerolog.Logger
}

func NewProfileCache(next repository.ContactRepository, c Cache, ttl time.Duration, flags *features.Manager, log zerolog.Logger) *ProfileCache {
	return &ProfileCache{next: next, cache: c, ttl: ttl, flags: flags, log: log}
}

func profileKey(id string) string {
	return "contact:" + id
}

func (p *ProfileCache) GetContact(ctx context.Context, id string) (models.Contact, error) {
	if !p.flags.IsEnabled(features.FeatureProfileCache) {
		return p.next.GetContact(ctx, id)
	}

	var contact models.Contact
	err := GetJSON(ctx, p.cache, profileKey(id), &contact)
	if err == nil {
		return contact, nil
	}
	if !errors.Is(err, ErrNotFound) {
		p.log.Warn().Err(err).Str("contact_id", id).Msg("profile cache read failed")
	}

	contact, err = p.next.GetContact(ctx, id)
	if err != nil {
		return models.Contact{}, err
	}
	if err := SetJSON(ctx, p.cache, profileKey(id), contact, p.ttl); err != nil {
		p.log.Warn().Err(err).Str("contact_id", id).Msg("profile cache write failed")
	}
	return contact, nil
}

// SaveContact writes through and drops the cached copy.
func (p *ProfileCache) SaveContact(ctx context.Context, contact models.Contact) error {
	if err := p.next.SaveContact(ctx, contact); err != nil {
		return err
	}
	if err := p.cache.Delete(ctx, profileKey(contact.ID)); err != nil {
		p.log.Warn().Err(err).Str("contact_id", contact.ID).Msg("profile cache invalidation failed")
	}
	return nil
}

var _ repository.ContactRepository = (*ProfileCache)(nil)
