// Package directory is the system of record behind the authentication
// engine: CAs, issued certificates, end entities, end-entity profiles and
// access-control roles, persisted in a storage.Repository. End-entity
// secrets and CA keys are sealed under a record key held in a memguard
// enclave.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/internal/util"
	"github.com/jmcleod/cmpauth/storage"
)

var (
	ErrSecretAlreadySet   = errors.New("end entity already has a secret")
	ErrEndEntityExists    = errors.New("end entity already exists")
	ErrCAExists           = errors.New("CA already exists")
	ErrProfileExists      = errors.New("end entity profile already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWrongPassphrase    = errors.New("wrong passphrase")
	ErrInvalidRecordKey   = errors.New("record key must be 32 bytes")
)

const (
	typeMeta        = "meta"
	typeCA          = "ca"
	typeCAName      = "ca_name"
	typeCert        = "cert"
	typeEndEntity   = "ee"
	typeProfile     = "profile"
	typeProfileName = "profile_name"
	typeRole        = "role"

	metaKDF = "kdf"
)

// Store implements the collaborator contracts of package auth.
type Store struct {
	repo      storage.Repository
	recordKey *memguard.Enclave
}

var (
	_ auth.CALookup           = (*Store)(nil)
	_ auth.CertificateStore   = (*Store)(nil)
	_ auth.EndEntityDirectory = (*Store)(nil)
	_ auth.AccessControl      = (*Store)(nil)
	_ auth.IdentityProvider   = (*Store)(nil)
	_ auth.ProfileDirectory   = (*Store)(nil)
)

// New creates a Store sealing secrets under recordKey. The caller's copy of
// the key is wiped.
func New(repo storage.Repository, recordKey []byte) (*Store, error) {
	if len(recordKey) != util.AESKeySize {
		return nil, ErrInvalidRecordKey
	}
	s := &Store{
		repo:      repo,
		recordKey: memguard.NewEnclave(util.CopyBytes(recordKey)),
	}
	util.WipeBytes(recordKey)
	return s, nil
}

type kdfMeta struct {
	Salt   []byte              `json:"salt"`
	Params util.Argon2idParams `json:"params"`
	Check  *storage.Envelope   `json:"check"`
}

var passphraseCheck = []byte("cmpauth record key")

// Open derives the record key from a passphrase. The first call against an
// empty repository stores a fresh salt; later calls must use the same
// passphrase or fail with ErrWrongPassphrase.
func Open(ctx context.Context, repo storage.Repository, passphrase string, params util.Argon2idParams) (*Store, error) {
	meta, err := loadKDFMeta(ctx, repo)
	if errors.Is(err, storage.ErrNotFound) {
		return initKDFMeta(ctx, repo, passphrase, params)
	}
	if err != nil {
		return nil, err
	}

	key, err := util.DeriveRecordKey(passphrase, meta.Salt, meta.Params)
	if err != nil {
		return nil, err
	}
	if _, err := storage.OpenRecord(key, meta.Check, []byte(typeMeta+":"+metaKDF)); err != nil {
		util.WipeBytes(key)
		return nil, ErrWrongPassphrase
	}
	return New(repo, key)
}

func loadKDFMeta(ctx context.Context, repo storage.Repository) (*kdfMeta, error) {
	rec, err := repo.Get(ctx, typeMeta, metaKDF)
	if err != nil {
		return nil, err
	}
	var meta kdfMeta
	if err := json.Unmarshal(rec.Data, &meta); err != nil {
		return nil, fmt.Errorf("decoding kdf metadata: %w", err)
	}
	return &meta, nil
}

func initKDFMeta(ctx context.Context, repo storage.Repository, passphrase string, params util.Argon2idParams) (*Store, error) {
	salt, err := util.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	key, err := util.DeriveRecordKey(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	check, err := storage.SealRecord(key, passphraseCheck, []byte(typeMeta+":"+metaKDF))
	if err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	data, err := json.Marshal(kdfMeta{Salt: salt, Params: params, Check: check})
	if err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	if err := repo.PutCAS(ctx, typeMeta, metaKDF, 0, &storage.Record{Data: data, Version: 1}); err != nil {
		util.WipeBytes(key)
		if errors.Is(err, storage.ErrCASFailed) {
			// Lost a race with another initializer; derive from its salt.
			return Open(ctx, repo, passphrase, params)
		}
		return nil, fmt.Errorf("storing kdf metadata: %w", err)
	}
	return New(repo, key)
}

// ---------------------------------------------------------------------------
// Sealing and record helpers
// ---------------------------------------------------------------------------

func (s *Store) seal(plaintext []byte, aad string) (*storage.Envelope, error) {
	buf, err := s.recordKey.Open()
	if err != nil {
		return nil, fmt.Errorf("opening record key enclave: %w", err)
	}
	defer buf.Destroy()
	return storage.SealRecord(buf.Bytes(), plaintext, []byte(aad))
}

func (s *Store) open(env *storage.Envelope, aad string) ([]byte, error) {
	buf, err := s.recordKey.Open()
	if err != nil {
		return nil, fmt.Errorf("opening record key enclave: %w", err)
	}
	defer buf.Destroy()
	return storage.OpenRecord(buf.Bytes(), env, []byte(aad))
}

func (s *Store) getJSON(ctx context.Context, recordType, id string, v any) (uint64, error) {
	rec, err := s.repo.Get(ctx, recordType, id)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return 0, fmt.Errorf("decoding %s/%s: %w", recordType, id, err)
	}
	return rec.Version, nil
}

func encodeRecord(v any, version uint64) (*storage.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &storage.Record{Data: data, Version: version}, nil
}
