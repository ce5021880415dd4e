package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/storage"
)

type eeRecord struct {
	Username  string            `json:"username"`
	ProfileID int               `json:"profile_id"`
	CAID      int32             `json:"ca_id"`
	Secret    *storage.Envelope `json:"secret,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// PutEndEntity creates an end entity without a secret. The profile must
// exist and allow the CA.
func (s *Store) PutEndEntity(ctx context.Context, username string, profileID int, caID int32) error {
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}
	p, err := s.profile(ctx, profileID)
	if err != nil {
		return err
	}
	if !p.allowsCA(caID) {
		return fmt.Errorf("CA %d not available in profile %q: %w", caID, p.Name, auth.ErrProfileViolation)
	}
	now := time.Now().UTC()
	data, err := encodeRecord(eeRecord{
		Username:  username,
		ProfileID: profileID,
		CAID:      caID,
		CreatedAt: now,
		UpdatedAt: now,
	}, 1)
	if err != nil {
		return err
	}
	err = s.repo.PutCAS(ctx, typeEndEntity, username, 0, data)
	if errors.Is(err, storage.ErrCASFailed) {
		return fmt.Errorf("%s: %w", username, ErrEndEntityExists)
	}
	return err
}

// FindByUsername implements auth.EndEntityDirectory. The stored secret, if
// any, is returned unsealed.
func (s *Store) FindByUsername(ctx context.Context, _ auth.Principal, username string) (*auth.EndEntity, error) {
	rec, _, err := s.loadEndEntity(ctx, username)
	if err != nil {
		return nil, err
	}
	ee := &auth.EndEntity{
		Username:  rec.Username,
		ProfileID: rec.ProfileID,
		CAID:      rec.CAID,
	}
	if rec.Secret != nil {
		secret, err := s.open(rec.Secret, eeAAD(username))
		if err != nil {
			return nil, fmt.Errorf("opening secret of %s: %w", username, err)
		}
		ee.Secret = string(secret)
	}
	return ee, nil
}

// UpdateSecret implements auth.EndEntityDirectory. A stored secret is never
// replaced: the write is a compare-and-swap against the version read here
// and fails with ErrSecretAlreadySet if a secret is present.
func (s *Store) UpdateSecret(ctx context.Context, admin auth.Principal, ee *auth.EndEntity, secret string) error {
	rec, version, err := s.loadEndEntity(ctx, ee.Username)
	if err != nil {
		return err
	}
	if res := auth.ProfileResource(rec.ProfileID, auth.RightEdit); !s.IsAuthorized(ctx, admin, res) {
		return fmt.Errorf("%s to %s: %w", admin, res, auth.ErrAuthorizationDenied)
	}
	p, err := s.profile(ctx, rec.ProfileID)
	if err != nil {
		return fmt.Errorf("end entity %s: %w", ee.Username, auth.ErrProfileViolation)
	}
	if !p.allowsCA(rec.CAID) {
		return fmt.Errorf("CA %d not available in profile %q: %w", rec.CAID, p.Name, auth.ErrProfileViolation)
	}
	if p.RequireApproval {
		return fmt.Errorf("profile %q: %w", p.Name, auth.ErrWaitingForApproval)
	}
	if rec.Secret != nil {
		return fmt.Errorf("%s: %w", ee.Username, ErrSecretAlreadySet)
	}

	env, err := s.seal([]byte(secret), eeAAD(ee.Username))
	if err != nil {
		return err
	}
	rec.Secret = env
	rec.UpdatedAt = time.Now().UTC()
	data, err := encodeRecord(rec, version+1)
	if err != nil {
		return err
	}
	if err := s.repo.PutCAS(ctx, typeEndEntity, ee.Username, version, data); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("%s: concurrent update: %w", ee.Username, ErrSecretAlreadySet)
		}
		return err
	}
	return nil
}

// ClearSecret removes the stored secret once issuance has consumed it.
func (s *Store) ClearSecret(ctx context.Context, username string) error {
	rec, version, err := s.loadEndEntity(ctx, username)
	if err != nil {
		return err
	}
	if rec.Secret == nil {
		return nil
	}
	rec.Secret = nil
	rec.UpdatedAt = time.Now().UTC()
	data, err := encodeRecord(rec, version+1)
	if err != nil {
		return err
	}
	return s.repo.PutCAS(ctx, typeEndEntity, username, version, data)
}

func (s *Store) loadEndEntity(ctx context.Context, username string) (*eeRecord, uint64, error) {
	var rec eeRecord
	version, err := s.getJSON(ctx, typeEndEntity, username, &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, fmt.Errorf("%s: %w", username, auth.ErrEndEntityNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	return &rec, version, nil
}

func eeAAD(username string) string {
	return typeEndEntity + ":" + username
}
