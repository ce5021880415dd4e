package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/storage"
)

// EmptyProfileName is the name of the built-in profile with id
// auth.EmptyEndEntityProfile. It exists without being stored.
const EmptyProfileName = "EMPTY"

// Profile is an end-entity profile.
type Profile struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	// AvailableCAs restricts which CAs end entities may use; empty allows
	// any CA.
	AvailableCAs    []int32 `json:"available_cas,omitempty"`
	RequireApproval bool    `json:"require_approval,omitempty"`
}

var emptyProfile = Profile{ID: auth.EmptyEndEntityProfile, Name: EmptyProfileName}

func (p *Profile) allowsCA(caID int32) bool {
	return len(p.AvailableCAs) == 0 || slices.Contains(p.AvailableCAs, caID)
}

// PutProfile creates a profile. A zero ID is replaced by the next free id.
func (s *Store) PutProfile(ctx context.Context, p Profile) (Profile, error) {
	if p.Name == "" || p.Name == EmptyProfileName {
		return Profile{}, fmt.Errorf("invalid profile name %q", p.Name)
	}
	if p.ID == auth.EmptyEndEntityProfile {
		return Profile{}, fmt.Errorf("profile id %d is reserved", p.ID)
	}
	if p.ID == 0 {
		next, err := s.nextProfileID(ctx)
		if err != nil {
			return Profile{}, err
		}
		p.ID = next
	}
	data, err := encodeRecord(p, 1)
	if err != nil {
		return Profile{}, err
	}
	id := strconv.Itoa(p.ID)
	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(typeProfile, id, 0, data); err != nil {
			return err
		}
		return tx.PutCAS(typeProfileName, p.Name, 0, &storage.Record{Data: []byte(id), Version: 1})
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return Profile{}, fmt.Errorf("profile %q (%d): %w", p.Name, p.ID, ErrProfileExists)
	}
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}

// ProfileID implements auth.ProfileDirectory.
func (s *Store) ProfileID(ctx context.Context, name string) (int, error) {
	if name == EmptyProfileName {
		return auth.EmptyEndEntityProfile, nil
	}
	rec, err := s.repo.Get(ctx, typeProfileName, name)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("%q: %w", name, auth.ErrProfileNotFound)
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(rec.Data))
}

// Profile returns the profile with the given id.
func (s *Store) Profile(ctx context.Context, id int) (Profile, error) {
	p, err := s.profile(ctx, id)
	if err != nil {
		return Profile{}, err
	}
	return *p, nil
}

func (s *Store) profile(ctx context.Context, id int) (*Profile, error) {
	if id == auth.EmptyEndEntityProfile {
		p := emptyProfile
		return &p, nil
	}
	var p Profile
	_, err := s.getJSON(ctx, typeProfile, strconv.Itoa(id), &p)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("profile %d: %w", id, auth.ErrProfileNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) nextProfileID(ctx context.Context) (int, error) {
	ids, err := s.repo.List(ctx, typeProfile)
	if err != nil {
		return 0, err
	}
	next := auth.EmptyEndEntityProfile + 1
	for _, idStr := range ids {
		if id, err := strconv.Atoi(idStr); err == nil && id >= next {
			next = id + 1
		}
	}
	return next, nil
}
