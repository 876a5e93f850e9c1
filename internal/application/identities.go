package application

import (
	"context"
	"errors"
	"strings"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
)

// GetOrCreateIdentity registers a platform user on first contact. Names are kept from the
// first contact and never refreshed.
func (s *PairService) GetOrCreateIdentity(ctx context.Context, externalID int64, firstName, lastName string) (domain.Identity, error) {
	if externalID == 0 {
		return domain.Identity{}, errors.New("external id is required")
	}

	return s.store.GetOrCreateIdentity(ctx, domain.Identity{
		ExternalID: externalID,
		FirstName:  defaultString(strings.TrimSpace(firstName), "Anonymous"),
		LastName:   strings.TrimSpace(lastName),
		CreatedAt:  s.clock(),
	})
}

func (s *PairService) GetIdentityByID(ctx context.Context, id uint) (domain.Identity, error) {
	return s.store.GetIdentityByID(ctx, id)
}

func (s *PairService) GetIdentityByExternalID(ctx context.Context, externalID int64) (domain.Identity, error) {
	return s.store.GetIdentityByExternalID(ctx, externalID)
}
