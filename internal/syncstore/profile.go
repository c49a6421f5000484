package syncstore

import (
	"context"

	"github.com/feedsync/client/internal/dataservice"
	"github.com/feedsync/client/internal/models"
)

// patchProfileLocked applies fn to a loaded profile. Caller holds s.mu.
func (s *Store) patchProfileLocked(id string, fn func(models.Profile) models.Profile) bool {
	profile, ok := s.profiles[id]
	if !ok {
		return false
	}
	s.profiles[id] = fn(profile)
	return true
}

// Profile returns a loaded profile from live state.
func (s *Store) Profile(id string) (models.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[id]
	return profile, ok
}

// ViewProfile returns a profile for immediate rendering: live state,
// else a snapshot-cache hit plus a silent authoritative refetch, else
// the durable fetch inline. A successful fetch materializes the
// profile in live state so follow toggles and bridge events apply.
func (s *Store) ViewProfile(ctx context.Context, id string) (models.Profile, error) {
	s.mu.Lock()
	if profile, ok := s.profiles[id]; ok {
		s.mu.Unlock()
		return profile, nil
	}
	s.mu.Unlock()

	if cached, hit := s.profileCache.Get(id); hit {
		go s.refetchProfile(id)
		return cached, nil
	}

	profile, err := s.fetchProfileByID(ctx, id)
	if err != nil {
		return models.Profile{}, err
	}
	s.profileCache.Put(id, profile)
	s.mu.Lock()
	if _, loaded := s.profiles[id]; !loaded {
		s.profiles[id] = profile
	}
	s.mu.Unlock()
	return profile, nil
}

// CloseProfile drops a profile from live state when its view unmounts.
func (s *Store) CloseProfile(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.toggles[toggleKey("follow", id)]; ok && ts.inFlight {
		// Keep it materialized until the pending toggle resolves.
		return
	}
	delete(s.profiles, id)
}

func (s *Store) fetchProfileByID(ctx context.Context, id string) (models.Profile, error) {
	resp, err := dataservice.SelectWithRetry(ctx, s.ds, models.SelectRequest{
		Table:  models.TableProfiles,
		Filter: map[string]string{"id": id},
		Limit:  1,
	}, s.retry)
	if err != nil {
		return models.Profile{}, err
	}
	profiles := decodeRows[models.Profile](resp.Rows)
	if len(profiles) == 0 {
		return models.Profile{}, dataservice.NewError(dataservice.KindNotFound, "profile %s not found", id)
	}
	return profiles[0], nil
}

// refetchProfile is the silent authority check behind a cache hit.
func (s *Store) refetchProfile(id string) {
	profile, err := s.fetchProfileByID(s.ctx, id)
	if err != nil {
		if dataservice.IsNotFound(err) {
			s.profileCache.Invalidate(id)
			s.notify()
		}
		return
	}
	s.profileCache.Put(id, profile)
	s.mu.Lock()
	if _, loaded := s.profiles[id]; loaded {
		if ts, ok := s.toggles[toggleKey("follow", id)]; !ok || !ts.inFlight {
			s.profiles[id] = profile
		}
	}
	s.mu.Unlock()
	s.notify()
}
